package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/S1riyS/hugefs/internal/control"
	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/internal/pkg/fserrors"
	"github.com/S1riyS/hugefs/pkg/logging"
	"github.com/S1riyS/hugefs/pkg/logging/slogext"
)

// maxBodySize bounds admin request bodies.
const maxBodySize = 1 << 20

// admin is the identity of HTTP callers. The API is meant to listen on a
// loopback or otherwise trusted address.
var admin = models.Caller{UID: 0, GID: 0}

type Handler struct {
	dispatcher *control.Dispatcher
}

func NewHandler(dispatcher *control.Dispatcher) *Handler {
	return &Handler{dispatcher: dispatcher}
}

func (h *Handler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "hugefs"})
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	const op = "handler.HandleStatus"

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, fserrors.New(fserrors.InvalidArgument, op, "path is required"))
		return
	}
	h.dispatch(w, r, &control.Request{Status: &control.StatusRequest{Path: path}})
}

func (h *Handler) HandleMirror(w http.ResponseWriter, r *http.Request) {
	const op = "handler.HandleMirror"

	var body control.MirrorRequest
	if !decodeBody(w, r, op, &body, false) {
		return
	}
	if body.Path == "" || body.Store == "" {
		writeError(w, fserrors.New(fserrors.InvalidArgument, op, "path and store are required"))
		return
	}
	h.dispatch(w, r, &control.Request{Mirror: &body})
}

func (h *Handler) HandleSeal(w http.ResponseWriter, r *http.Request) {
	const op = "handler.HandleSeal"

	var body control.SealRequest
	if !decodeBody(w, r, op, &body, false) {
		return
	}
	if body.Path == "" {
		writeError(w, fserrors.New(fserrors.InvalidArgument, op, "path is required"))
		return
	}
	h.dispatch(w, r, &control.Request{Seal: &body})
}

func (h *Handler) HandleGC(w http.ResponseWriter, r *http.Request) {
	const op = "handler.HandleGC"

	var body control.GCRequest
	if !decodeBody(w, r, op, &body, true) {
		return
	}
	h.dispatch(w, r, &control.Request{GC: &body})
}

// HandleCheck reports on GET. POST with ?repair=true also rebuilds the
// reference counts.
func (h *Handler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	const op = "handler.HandleCheck"

	var repair bool
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		if v := r.URL.Query().Get("repair"); v != "" {
			var err error
			if repair, err = strconv.ParseBool(v); err != nil {
				writeError(w, fserrors.Wrap(fserrors.InvalidArgument, op, err))
				return
			}
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.dispatch(w, r, &control.Request{Check: &control.CheckRequest{RepairRefcounts: repair}})
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, req *control.Request) {
	resp := h.dispatcher.Dispatch(r.Context(), admin, req)
	if resp.Error != nil {
		writeJSON(w, statusForKind(resp.Error.Kind), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeBody reads a JSON body into v for POST requests. An empty body is
// accepted when optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, op string, v any, optional bool) bool {
	logger := logging.GetLoggerFromContextWithOp(r.Context(), op)

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if errors.Is(err, io.EOF) && optional {
		return true
	}
	if err != nil {
		logger.Warn("Bad request body", slogext.Err(err))
		writeError(w, fserrors.Wrap(fserrors.InvalidArgument, op, err))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	kind := fserrors.KindOf(err)
	writeJSON(w, statusForKind(kind.String()), &control.Response{
		Error: &control.ErrorResponse{Msg: err.Error(), Kind: kind.String(), Errno: int(fserrors.Errno(err))},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("Failed to write response", slogext.Err(err))
	}
}

func statusForKind(kind string) int {
	switch kind {
	case fserrors.NotFound.String(), fserrors.NoSuchHash.String():
		return http.StatusNotFound
	case fserrors.PermissionDenied.String(), fserrors.NotPermitted.String():
		return http.StatusForbidden
	case fserrors.InvalidArgument.String(), fserrors.NameTooLong.String(),
		fserrors.NotADirectory.String(), fserrors.IsADirectory.String(), fserrors.TooManyLinks.String():
		return http.StatusBadRequest
	case fserrors.AlreadyExists.String(), fserrors.ReadOnly.String(), fserrors.NotEmpty.String(), fserrors.Busy.String():
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
