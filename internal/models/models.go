package models

import (
	"io/fs"
	"time"
)

type InodeType int16

const (
	InodeTypeMutable   InodeType = 1
	InodeTypeImmutable InodeType = 2
	InodeTypeDirectory InodeType = 3
	InodeTypeSymlink   InodeType = 4
)

func (t InodeType) Valid() bool {
	return t >= InodeTypeMutable && t <= InodeTypeSymlink
}

func (t InodeType) IsFile() bool {
	return t == InodeTypeMutable || t == InodeTypeImmutable
}

func (t InodeType) String() string {
	switch t {
	case InodeTypeMutable:
		return "mutable"
	case InodeTypeImmutable:
		return "immutable"
	case InodeTypeDirectory:
		return "directory"
	case InodeTypeSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// FileMode returns the fs.FileMode type bits for t.
func (t InodeType) FileMode() fs.FileMode {
	switch t {
	case InodeTypeDirectory:
		return fs.ModeDir
	case InodeTypeSymlink:
		return fs.ModeSymlink
	default:
		return 0
	}
}

// Inode mirrors one row of the Inodes table. Times are nanoseconds since the epoch.
type Inode struct {
	Ino    int64     `json:"ino"`
	Type   InodeType `json:"type"`
	Perm   uint32    `json:"perm"`
	UID    uint32    `json:"uid"`
	GID    uint32    `json:"gid"`
	Nlink  int64     `json:"nlink"`
	Crtime int64     `json:"crtime"`
	Mtime  int64     `json:"mtime"`
	Length int64     `json:"length"`
	Ptr    []byte    `json:"ptr,omitempty"`
}

func (i *Inode) IsDir() bool { return i.Type == InodeTypeDirectory }

func (i *Inode) MtimeTime() time.Time { return time.Unix(0, i.Mtime) }

func (i *Inode) CrtimeTime() time.Time { return time.Unix(0, i.Crtime) }

// NewInode holds the caller-chosen fields of an inode about to be inserted.
type NewInode struct {
	Type   InodeType
	Perm   uint32
	UID    uint32
	GID    uint32
	Length int64
	Ptr    []byte
	Target string // symlinks only
	Mtime  int64  // zero means now
}

type DirEntry struct {
	Dir  int64     `json:"dir"`
	Name string    `json:"name"`
	Ino  int64     `json:"ino"`
	Type InodeType `json:"type"`
}

// SetAttrs lists the attributes to change. nil fields are left alone.
type SetAttrs struct {
	Perm   *uint32
	UID    *uint32
	GID    *uint32
	Length *int64
	Mtime  *int64
}

// Reclaim lists content released by a committed transaction. The caller
// hands it to the content store once the metadata change is durable.
type Reclaim struct {
	Digests  [][]byte
	Backings []string
}

func (r *Reclaim) Merge(other Reclaim) {
	r.Digests = append(r.Digests, other.Digests...)
	r.Backings = append(r.Backings, other.Backings...)
}

func (r Reclaim) Empty() bool {
	return len(r.Digests) == 0 && len(r.Backings) == 0
}

type Statistics struct {
	Inodes int64 `json:"inodes"`
	Bytes  int64 `json:"bytes"`
}

type Violation struct {
	Ino     int64  `json:"ino"`
	Problem string `json:"problem"`
}

type Caller struct {
	UID    uint32
	GID    uint32
	Groups []uint32
}

func (c Caller) IsRoot() bool { return c.UID == 0 }

func (c Caller) InGroup(gid uint32) bool {
	if c.GID == gid {
		return true
	}
	for _, g := range c.Groups {
		if g == gid {
			return true
		}
	}
	return false
}

// Status is the answer to a status request for a path.
type Status struct {
	Path   string   `json:"path"`
	Ino    int64    `json:"ino"`
	Type   string   `json:"type"`
	Length int64    `json:"length"`
	Nlink  int64    `json:"nlink"`
	Hash   string   `json:"hash,omitempty"`
	Stores []string `json:"stores,omitempty"`
}

type StatFs struct {
	Inodes     int64
	Bytes      int64
	FreeBytes  uint64
	TotalBytes uint64
	BlockSize  uint32
	NameMax    uint32
}
