package control

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/S1riyS/hugefs/internal/gc"
	"github.com/S1riyS/hugefs/internal/models"
)

// FileName is the name of the control file in the root directory of a mount.
const FileName = ".hugefsctl1"

// Request is a tagged union: exactly one field is set. On the wire it is an
// object with a single key naming the request, for example
// {"Status":{"path":"a/b"}}.
type Request struct {
	Status *StatusRequest `json:"Status,omitempty"`
	Mirror *MirrorRequest `json:"Mirror,omitempty"`
	Seal   *SealRequest   `json:"Seal,omitempty"`
	GC     *GCRequest     `json:"GC,omitempty"`
	Check  *CheckRequest  `json:"Check,omitempty"`
}

// Paths are relative to the root of the mount. A leading slash is accepted.
type StatusRequest struct {
	Path string `json:"path"`
}

type MirrorRequest struct {
	Path  string `json:"path"`
	Store string `json:"store"`
}

type SealRequest struct {
	Path string `json:"path"`
}

type GCRequest struct {
	DryRun bool `json:"dry_run"`
}

type CheckRequest struct {
	RepairRefcounts bool `json:"repair_refcounts"`
}

// Response mirrors Request. Error is set instead when the request failed.
type Response struct {
	Error  *ErrorResponse  `json:"Error,omitempty"`
	Status *models.Status  `json:"Status,omitempty"`
	Mirror *MirrorResponse `json:"Mirror,omitempty"`
	Seal   *SealResponse   `json:"Seal,omitempty"`
	GC     *gc.Stats       `json:"GC,omitempty"`
	Check  *gc.Report      `json:"Check,omitempty"`
}

type ErrorResponse struct {
	Msg   string `json:"msg"`
	Kind  string `json:"kind,omitempty"`
	Errno int    `json:"errno,omitempty"`
}

// MirrorResponse names the store the bytes were copied from. From is empty
// when the target already held the object.
type MirrorResponse struct {
	From string `json:"from,omitempty"`
}

type SealResponse struct {
	Ino    int64  `json:"ino"`
	Hash   string `json:"hash"`
	Length int64  `json:"length"`
}

// Kind returns the name of the request, or "" when none or several are set.
func (r *Request) Kind() string {
	kind, n := "", 0
	for name, set := range map[string]bool{
		"Status": r.Status != nil,
		"Mirror": r.Mirror != nil,
		"Seal":   r.Seal != nil,
		"GC":     r.GC != nil,
		"Check":  r.Check != nil,
	} {
		if set {
			kind = name
			n++
		}
	}
	if n != 1 {
		return ""
	}
	return kind
}

// Err turns an error response back into a Go error.
func (r *Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return &RemoteError{Msg: r.Error.Msg, Kind: r.Error.Kind, Errno: r.Error.Errno}
}

// RemoteError is an error reported by the daemon.
type RemoteError struct {
	Msg   string
	Kind  string
	Errno int
}

func (e *RemoteError) Error() string {
	return e.Msg
}

// EncodeRequest renders req as one newline terminated line.
func EncodeRequest(req *Request) ([]byte, error) {
	if req.Kind() == "" {
		return nil, fmt.Errorf("control request must set exactly one kind")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// DecodeRequest parses the bytes up to the first newline.
func DecodeRequest(data []byte) (*Request, error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		data = data[:i]
	}
	var req Request
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("bad control request: %w", err)
	}
	if req.Kind() == "" {
		return nil, fmt.Errorf("bad control request: exactly one kind must be set")
	}
	return &req, nil
}

func EncodeResponse(resp *Response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(&Response{Error: &ErrorResponse{Msg: err.Error()}})
	}
	return append(data, '\n')
}

func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(data), &resp); err != nil {
		return nil, fmt.Errorf("bad control response: %w", err)
	}
	return &resp, nil
}
