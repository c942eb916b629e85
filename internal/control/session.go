package control

import (
	"bytes"
	"context"
	"sync"

	"github.com/S1riyS/hugefs/internal/models"
)

// maxRequestSize bounds what one session buffers before answering.
const maxRequestSize = 64 << 10

// Session is the state behind one open handle of the control file. The
// caller writes a request line and reads the response back from offset 0.
type Session struct {
	mu       sync.Mutex
	d        *Dispatcher
	caller   models.Caller
	request  bytes.Buffer
	response []byte
	answered bool
}

func (d *Dispatcher) NewSession(caller models.Caller) *Session {
	return &Session{d: d, caller: caller}
}

// Write buffers request bytes. The request runs as soon as its terminating
// newline arrives. Bytes written after that are ignored.
func (s *Session) Write(ctx context.Context, data []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.answered {
		return len(data)
	}
	if s.request.Len()+len(data) > maxRequestSize {
		s.respond(ctx, []byte("{}"))
		return len(data)
	}
	s.request.Write(data)
	if bytes.IndexByte(data, '\n') >= 0 {
		s.respond(ctx, s.request.Bytes())
	}
	return len(data)
}

// ReadAt returns response bytes. A read before the newline runs whatever was
// written so far as the request.
func (s *Session) ReadAt(ctx context.Context, off int64, size int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.answered {
		s.respond(ctx, s.request.Bytes())
	}
	if off >= int64(len(s.response)) {
		return nil
	}
	end := off + int64(size)
	if end > int64(len(s.response)) {
		end = int64(len(s.response))
	}
	return s.response[off:end]
}

// Size is the response length, or zero while no response exists.
func (s *Session) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.response))
}

func (s *Session) respond(ctx context.Context, request []byte) {
	s.response = s.d.Handle(ctx, s.caller, request)
	s.answered = true
	s.request.Reset()
}
