package fusefs

import (
	"context"
	"syscall"

	"github.com/S1riyS/hugefs/internal/control"
	"github.com/S1riyS/hugefs/internal/models"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Each open of the control file gets its own session, so concurrent
// clients never see each other's responses.

func (f *FS) openControl(c models.Caller) uint64 {
	fh := f.newFh()
	f.mu.Lock()
	f.sessions[fh] = f.control.NewSession(c)
	f.mu.Unlock()
	return fh
}

func (f *FS) session(fh uint64) (*control.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[fh]
	return s, ok
}

func (f *FS) writeControl(ctx context.Context, fh uint64, data []byte) (uint32, fuse.Status) {
	s, ok := f.session(fh)
	if !ok {
		return 0, fuse.Status(syscall.EBADF)
	}
	return uint32(s.Write(ctx, data)), fuse.OK
}

func (f *FS) readControl(ctx context.Context, fh uint64, off int64, size int) ([]byte, fuse.Status) {
	s, ok := f.session(fh)
	if !ok {
		return nil, fuse.Status(syscall.EBADF)
	}
	return s.ReadAt(ctx, off, size), fuse.OK
}

func (f *FS) closeControl(fh uint64) {
	f.mu.Lock()
	delete(f.sessions, fh)
	f.mu.Unlock()
}
