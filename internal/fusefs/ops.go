package fusefs

import (
	"log/slog"
	"math"
	"time"

	"github.com/S1riyS/hugefs/internal/control"
	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/internal/pkg/fserrors"
	"github.com/S1riyS/hugefs/pkg/logging"
	"github.com/S1riyS/hugefs/pkg/logging/slogext"
	"github.com/hanwen/go-fuse/v2/fuse"
)

const (
	renameNoReplace = 1 << 0
	renameExchange  = 1 << 1
)

func (f *FS) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	const op = "fusefs.FS.Lookup"
	ctx, stop := f.request(cancel)
	defer stop()

	if header.NodeId == rootNodeID && name == control.FileName {
		out.NodeId = ControlNodeID
		out.Generation = 1
		fillControlAttr(&out.Attr)
		return fuse.OK
	}

	inode, err := f.fs.Lookup(ctx, caller(header), f.ino(header.NodeId), name)
	if err != nil {
		return f.status(ctx, op, err)
	}
	f.fillEntry(inode, out)
	return fuse.OK
}

func (f *FS) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	const op = "fusefs.FS.GetAttr"
	ctx, stop := f.request(cancel)
	defer stop()

	if input.NodeId == ControlNodeID {
		fillControlAttr(&out.Attr)
		return fuse.OK
	}

	inode, err := f.fs.GetAttr(ctx, f.ino(input.NodeId))
	if err != nil {
		return f.status(ctx, op, err)
	}
	out.SetTimeout(f.opts.EntryTimeout)
	f.fillAttr(inode, &out.Attr)
	return fuse.OK
}

func (f *FS) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	const op = "fusefs.FS.SetAttr"
	ctx, stop := f.request(cancel)
	defer stop()

	if input.NodeId == ControlNodeID {
		fillControlAttr(&out.Attr)
		return fuse.OK
	}

	var attrs models.SetAttrs
	if input.Valid&fuse.FATTR_MODE != 0 {
		perm := input.Mode & 0o7777
		attrs.Perm = &perm
	}
	if input.Valid&fuse.FATTR_UID != 0 {
		uid := input.Owner.Uid
		attrs.UID = &uid
	}
	if input.Valid&fuse.FATTR_GID != 0 {
		gid := input.Owner.Gid
		attrs.GID = &gid
	}
	if input.Valid&fuse.FATTR_SIZE != 0 {
		if input.Size > math.MaxInt64 {
			return fuse.EINVAL
		}
		size := int64(input.Size)
		attrs.Length = &size
	}
	switch {
	case input.Valid&fuse.FATTR_MTIME_NOW != 0:
		now := time.Now().UnixNano()
		attrs.Mtime = &now
	case input.Valid&fuse.FATTR_MTIME != 0:
		mtime := int64(input.Mtime)*1e9 + int64(input.Mtimensec)
		attrs.Mtime = &mtime
	}

	inode, err := f.fs.SetAttr(ctx, caller(&input.InHeader), f.ino(input.NodeId), attrs)
	if err != nil {
		return f.status(ctx, op, err)
	}
	out.SetTimeout(f.opts.EntryTimeout)
	f.fillAttr(inode, &out.Attr)
	return fuse.OK
}

func (f *FS) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	const op = "fusefs.FS.Mkdir"
	ctx, stop := f.request(cancel)
	defer stop()

	perm := input.Mode & 0o7777 &^ input.Umask
	inode, err := f.fs.Mkdir(ctx, caller(&input.InHeader), f.ino(input.NodeId), name, perm)
	if err != nil {
		return f.status(ctx, op, err)
	}
	f.fillEntry(inode, out)
	return fuse.OK
}

func (f *FS) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	const op = "fusefs.FS.Unlink"
	ctx, stop := f.request(cancel)
	defer stop()

	if header.NodeId == rootNodeID && name == control.FileName {
		return fuse.EPERM
	}
	return f.status(ctx, op, f.fs.Unlink(ctx, caller(header), f.ino(header.NodeId), name))
}

func (f *FS) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	const op = "fusefs.FS.Rmdir"
	ctx, stop := f.request(cancel)
	defer stop()

	return f.status(ctx, op, f.fs.Rmdir(ctx, caller(header), f.ino(header.NodeId), name))
}

func (f *FS) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName string, newName string) fuse.Status {
	const op = "fusefs.FS.Rename"
	ctx, stop := f.request(cancel)
	defer stop()

	if input.Flags&renameExchange != 0 {
		return fuse.ENOSYS
	}
	if (input.NodeId == rootNodeID && oldName == control.FileName) ||
		(input.Newdir == rootNodeID && newName == control.FileName) {
		return fuse.EPERM
	}

	who := caller(&input.InHeader)
	srcDir, dstDir := f.ino(input.NodeId), f.ino(input.Newdir)
	if input.Flags&renameNoReplace != 0 {
		_, err := f.fs.Lookup(ctx, who, dstDir, newName)
		switch {
		case err == nil:
			return fuse.Status(fserrors.Errno(fserrors.ErrAlreadyExists))
		case !fserrors.IsKind(err, fserrors.NotFound):
			return f.status(ctx, op, err)
		}
	}
	return f.status(ctx, op, f.fs.Rename(ctx, who, srcDir, oldName, dstDir, newName))
}

func (f *FS) Link(cancel <-chan struct{}, input *fuse.LinkIn, name string, out *fuse.EntryOut) fuse.Status {
	const op = "fusefs.FS.Link"
	ctx, stop := f.request(cancel)
	defer stop()

	if input.Oldnodeid == ControlNodeID {
		return fuse.EPERM
	}
	inode, err := f.fs.Link(ctx, caller(&input.InHeader), f.ino(input.Oldnodeid), f.ino(input.NodeId), name)
	if err != nil {
		return f.status(ctx, op, err)
	}
	f.fillEntry(inode, out)
	return fuse.OK
}

func (f *FS) Symlink(cancel <-chan struct{}, header *fuse.InHeader, target string, name string, out *fuse.EntryOut) fuse.Status {
	const op = "fusefs.FS.Symlink"
	ctx, stop := f.request(cancel)
	defer stop()

	inode, err := f.fs.Symlink(ctx, caller(header), f.ino(header.NodeId), name, target)
	if err != nil {
		return f.status(ctx, op, err)
	}
	f.fillEntry(inode, out)
	return fuse.OK
}

func (f *FS) Readlink(cancel <-chan struct{}, header *fuse.InHeader) ([]byte, fuse.Status) {
	const op = "fusefs.FS.Readlink"
	ctx, stop := f.request(cancel)
	defer stop()

	target, err := f.fs.Readlink(ctx, f.ino(header.NodeId))
	if err != nil {
		return nil, f.status(ctx, op, err)
	}
	return []byte(target), fuse.OK
}

func (f *FS) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	const op = "fusefs.FS.Create"
	ctx, stop := f.request(cancel)
	defer stop()

	if input.NodeId == rootNodeID && name == control.FileName {
		return fuse.Status(fserrors.Errno(fserrors.ErrAlreadyExists))
	}

	perm := input.Mode & 0o7777 &^ input.Umask
	inode, h, err := f.fs.Create(ctx, caller(&input.InHeader), f.ino(input.NodeId), name, perm, input.Flags)
	if err != nil {
		return f.status(ctx, op, err)
	}
	f.fillEntry(inode, &out.EntryOut)
	out.Fh = h.ID
	return fuse.OK
}

func (f *FS) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	const op = "fusefs.FS.Open"
	ctx, stop := f.request(cancel)
	defer stop()

	if input.NodeId == ControlNodeID {
		out.Fh = f.openControl(caller(&input.InHeader))
		out.OpenFlags = fuse.FOPEN_DIRECT_IO
		return fuse.OK
	}

	h, err := f.fs.Open(ctx, caller(&input.InHeader), f.ino(input.NodeId), input.Flags)
	if err != nil {
		return f.status(ctx, op, err)
	}
	out.Fh = h.ID
	if inode, err := f.fs.GetAttr(ctx, h.Ino); err == nil && inode.Type == models.InodeTypeImmutable {
		out.OpenFlags = fuse.FOPEN_KEEP_CACHE
	}
	return fuse.OK
}

func (f *FS) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	const op = "fusefs.FS.Read"
	ctx, stop := f.request(cancel)
	defer stop()

	if input.NodeId == ControlNodeID {
		data, status := f.readControl(ctx, input.Fh, int64(input.Offset), int(input.Size))
		return fuse.ReadResultData(data), status
	}

	data, err := f.fs.Read(ctx, input.Fh, int64(input.Offset), int(input.Size))
	if err != nil {
		return nil, f.status(ctx, op, err)
	}
	return fuse.ReadResultData(data), fuse.OK
}

func (f *FS) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	const op = "fusefs.FS.Write"
	ctx, stop := f.request(cancel)
	defer stop()

	if input.NodeId == ControlNodeID {
		return f.writeControl(ctx, input.Fh, data)
	}

	n, err := f.fs.Write(ctx, input.Fh, int64(input.Offset), data)
	if err != nil {
		return 0, f.status(ctx, op, err)
	}
	return uint32(n), fuse.OK
}

func (f *FS) Flush(cancel <-chan struct{}, input *fuse.FlushIn) fuse.Status {
	const op = "fusefs.FS.Flush"
	ctx, stop := f.request(cancel)
	defer stop()

	if input.NodeId == ControlNodeID {
		return fuse.OK
	}
	return f.status(ctx, op, f.fs.Flush(ctx, input.Fh))
}

func (f *FS) Fsync(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	const op = "fusefs.FS.Fsync"
	ctx, stop := f.request(cancel)
	defer stop()

	if input.NodeId == ControlNodeID {
		return fuse.OK
	}
	return f.status(ctx, op, f.fs.Fsync(ctx, input.Fh))
}

// Release runs detached from the kernel request: the handle must go away
// even if the releasing process was interrupted.
func (f *FS) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	const op = "fusefs.FS.Release"
	ctx, stop := f.request(nil)
	defer stop()

	if input.NodeId == ControlNodeID {
		f.closeControl(input.Fh)
		return
	}
	if err := f.fs.Release(ctx, input.Fh); err != nil {
		logger := logging.GetLoggerFromContextWithOp(ctx, op)
		logger.Error("Release failed", slog.Uint64("fh", input.Fh), slogext.Err(err))
	}
}

func (f *FS) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	const op = "fusefs.FS.OpenDir"
	ctx, stop := f.request(cancel)
	defer stop()

	h, err := f.fs.OpenDir(ctx, caller(&input.InHeader), f.ino(input.NodeId))
	if err != nil {
		return f.status(ctx, op, err)
	}
	out.Fh = h.ID
	return fuse.OK
}

// ReadDir serves a snapshot taken when the stream is read from offset 0.
// Offsets are positions in that snapshot.
func (f *FS) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	const op = "fusefs.FS.ReadDir"
	ctx, stop := f.request(cancel)
	defer stop()

	entries, err := f.snapshot(input)
	if err != nil {
		return f.status(ctx, op, err)
	}
	for i := int(input.Offset); i < len(entries); i++ {
		e := entries[i]
		if !out.AddDirEntry(fuse.DirEntry{Name: e.Name, Ino: f.node(e.Ino), Mode: typeBits(e.Type)}) {
			break
		}
	}
	return fuse.OK
}

func (f *FS) ReadDirPlus(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	const op = "fusefs.FS.ReadDirPlus"
	ctx, stop := f.request(cancel)
	defer stop()

	entries, err := f.snapshot(input)
	if err != nil {
		return f.status(ctx, op, err)
	}
	for i := int(input.Offset); i < len(entries); i++ {
		e := entries[i]
		inode, err := f.fs.GetAttr(ctx, e.Ino)
		if fserrors.IsKind(err, fserrors.NotFound) {
			// removed since the snapshot
			inode = nil
		} else if err != nil {
			return f.status(ctx, op, err)
		}
		entry := out.AddDirLookupEntry(fuse.DirEntry{Name: e.Name, Ino: f.node(e.Ino), Mode: typeBits(e.Type)})
		if entry == nil {
			break
		}
		if inode != nil {
			f.fillEntry(inode, entry)
		}
	}
	return fuse.OK
}

func (f *FS) snapshot(input *fuse.ReadIn) ([]models.DirEntry, error) {
	ctx, stop := f.request(nil)
	defer stop()

	f.mu.Lock()
	entries, ok := f.streams[input.Fh]
	f.mu.Unlock()
	if ok && input.Offset > 0 {
		return entries, nil
	}

	entries, err := f.fs.ReadDir(ctx, caller(&input.InHeader), f.ino(input.NodeId))
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.streams[input.Fh] = entries
	f.mu.Unlock()
	return entries, nil
}

func (f *FS) ReleaseDir(input *fuse.ReleaseIn) {
	const op = "fusefs.FS.ReleaseDir"
	ctx, stop := f.request(nil)
	defer stop()

	f.mu.Lock()
	delete(f.streams, input.Fh)
	f.mu.Unlock()

	if err := f.fs.Release(ctx, input.Fh); err != nil {
		logger := logging.GetLoggerFromContextWithOp(ctx, op)
		logger.Error("Releasing directory handle failed", slog.Uint64("fh", input.Fh), slogext.Err(err))
	}
}

func (f *FS) StatFs(cancel <-chan struct{}, header *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	const op = "fusefs.FS.StatFs"
	ctx, stop := f.request(cancel)
	defer stop()

	st, err := f.fs.StatFs(ctx)
	if err != nil {
		return f.status(ctx, op, err)
	}
	bsize := uint64(st.BlockSize)
	if bsize == 0 {
		bsize = blockSize
	}
	out.Bsize = uint32(bsize)
	out.Frsize = uint32(bsize)
	out.Blocks = st.TotalBytes / bsize
	out.Bfree = st.FreeBytes / bsize
	out.Bavail = st.FreeBytes / bsize
	out.Files = uint64(st.Inodes)
	out.Ffree = math.MaxUint32
	out.NameLen = st.NameMax
	return fuse.OK
}
