package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/S1riyS/hugefs/internal/content"
	"github.com/S1riyS/hugefs/internal/gc"
	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/internal/pkg/fserrors"
	"github.com/S1riyS/hugefs/internal/service"
	"github.com/S1riyS/hugefs/pkg/logging"
	"github.com/S1riyS/hugefs/pkg/logging/slogext"
)

type Collector interface {
	CollectGarbage(ctx context.Context, options *gc.Options) *gc.Stats
	Check(ctx context.Context, repair bool) (*gc.Report, error)
}

// Dispatcher executes control requests. The control file and the admin
// HTTP API both go through it.
type Dispatcher struct {
	fs        service.FileSystemService
	collector Collector
}

func NewDispatcher(fs service.FileSystemService, collector Collector) *Dispatcher {
	return &Dispatcher{fs: fs, collector: collector}
}

// Handle decodes a raw request and returns the encoded response. It never
// fails: errors are reported inside the response.
func (d *Dispatcher) Handle(ctx context.Context, caller models.Caller, data []byte) []byte {
	const op = "control.Dispatcher.Handle"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	req, err := DecodeRequest(data)
	if err != nil {
		logger.Warn("Rejected control request", slogext.Err(err))
		return EncodeResponse(errorResponse(fserrors.Wrap(fserrors.InvalidArgument, op, err)))
	}
	resp := d.Dispatch(ctx, caller, req)
	out := EncodeResponse(resp)
	logger.Debug("Control response", slog.String("response", string(out)))
	return out
}

func (d *Dispatcher) Dispatch(ctx context.Context, caller models.Caller, req *Request) *Response {
	const op = "control.Dispatcher.Dispatch"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Control request", slog.String("kind", req.Kind()), slog.Any("uid", caller.UID))

	resp, err := d.dispatch(ctx, caller, req)
	if err != nil {
		logger.Info("Control request failed", slog.String("kind", req.Kind()), slogext.Err(err))
		return errorResponse(err)
	}
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, caller models.Caller, req *Request) (*Response, error) {
	const op = "control.Dispatcher.dispatch"

	switch {
	case req.Status != nil:
		status, err := d.fs.Status(ctx, caller, req.Status.Path)
		if err != nil {
			return nil, err
		}
		return &Response{Status: status}, nil

	case req.Mirror != nil:
		if req.Mirror.Store == "" {
			return nil, fserrors.New(fserrors.InvalidArgument, op, "store is required")
		}
		from, err := d.fs.Mirror(ctx, caller, req.Mirror.Path, req.Mirror.Store)
		if err != nil {
			return nil, err
		}
		return &Response{Mirror: &MirrorResponse{From: from}}, nil

	case req.Seal != nil:
		return d.seal(ctx, caller, req.Seal.Path)

	case req.GC != nil:
		if err := d.privileged(ctx, caller, op); err != nil {
			return nil, err
		}
		stats := d.collector.CollectGarbage(ctx, &gc.Options{DryRun: req.GC.DryRun})
		return &Response{GC: stats}, nil

	case req.Check != nil:
		if err := d.privileged(ctx, caller, op); err != nil {
			return nil, err
		}
		report, err := d.collector.Check(ctx, req.Check.RepairRefcounts)
		if err != nil {
			return nil, err
		}
		return &Response{Check: report}, nil
	}
	return nil, fserrors.New(fserrors.InvalidArgument, op, "empty request")
}

func (d *Dispatcher) seal(ctx context.Context, caller models.Caller, path string) (*Response, error) {
	const op = "control.Dispatcher.seal"

	inode, err := d.fs.ResolvePath(ctx, caller, path, true)
	if err != nil {
		return nil, err
	}
	sealed, err := d.fs.Seal(ctx, caller, inode.Ino)
	if err != nil {
		return nil, err
	}
	digest, err := content.DigestFromBytes(sealed.Ptr)
	if err != nil {
		return nil, fserrors.Wrap(fserrors.Corruption, op, err)
	}
	return &Response{Seal: &SealResponse{Ino: sealed.Ino, Hash: digest.String(), Length: sealed.Length}}, nil
}

// privileged admits root and the owner of the filesystem root.
func (d *Dispatcher) privileged(ctx context.Context, caller models.Caller, op string) error {
	if d.collector == nil {
		return fserrors.New(fserrors.InvalidArgument, op, "garbage collection is not available")
	}
	if caller.IsRoot() {
		return nil
	}
	root, err := d.fs.Root(ctx)
	if err != nil {
		return err
	}
	if root.UID != caller.UID {
		return fserrors.New(fserrors.NotPermitted, op, fmt.Sprintf("uid %d may not run maintenance", caller.UID))
	}
	return nil
}

func errorResponse(err error) *Response {
	resp := &ErrorResponse{Msg: err.Error()}
	var fsErr *fserrors.Error
	if errors.As(err, &fsErr) {
		resp.Kind = fsErr.Kind.String()
		resp.Errno = int(fserrors.Errno(err))
	}
	return &Response{Error: resp}
}
