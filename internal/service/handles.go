package service

import (
	"sync"
	"syscall"
)

// Handle is an open file or directory.
type Handle struct {
	ID       uint64
	Ino      int64
	Flags    uint32
	Writable bool
	Readable bool
	Dir      bool
}

func accessFlags(flags uint32) (readable, writable bool) {
	switch flags & syscall.O_ACCMODE {
	case syscall.O_WRONLY:
		return false, true
	case syscall.O_RDWR:
		return true, true
	default:
		return true, false
	}
}

// handleTable tracks open handles and, per inode, how many are open and
// whether any of them could write. It is the only cross-request state of
// the engine.
type handleTable struct {
	mu      sync.Mutex
	next    uint64
	handles map[uint64]*Handle
	open    map[int64]*openState
}

type openState struct {
	count    int
	writable int  // open handles that can write
	writers  bool // some handle was writable since the first open
}

// lastClose describes the inode state left behind by a removed handle.
type lastClose struct {
	closed  bool // no handle holds the inode any more
	written bool // some handle on the inode was writable
}

func newHandleTable() *handleTable {
	return &handleTable{
		handles: make(map[uint64]*Handle),
		open:    make(map[int64]*openState),
	}
}

func (t *handleTable) add(h Handle) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.next++
	h.ID = t.next
	t.handles[h.ID] = &h

	st, ok := t.open[h.Ino]
	if !ok {
		st = &openState{}
		t.open[h.Ino] = st
	}
	st.count++
	if h.Writable {
		st.writable++
		st.writers = true
	}

	cp := h
	return &cp
}

func (t *handleTable) get(id uint64) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.handles[id]
	if !ok {
		return nil, false
	}
	cp := *h
	return &cp, true
}

func (t *handleTable) remove(id uint64) (*Handle, lastClose, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.handles[id]
	if !ok {
		return nil, lastClose{}, false
	}
	delete(t.handles, id)

	st := t.open[h.Ino]
	st.count--
	if h.Writable {
		st.writable--
	}
	if st.count > 0 {
		return h, lastClose{}, true
	}
	delete(t.open, h.Ino)
	return h, lastClose{closed: true, written: st.writers}, true
}

// IsOpen implements metadata.HandleOracle.
func (t *handleTable) IsOpen(ino int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.open[ino]
	return ok
}

func (t *handleTable) openCount(ino int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.open[ino]; ok {
		return st.count
	}
	return 0
}

// writable reports how many open handles on ino can write.
func (t *handleTable) writable(ino int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.open[ino]; ok {
		return st.writable
	}
	return 0
}

func (t *handleTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}
