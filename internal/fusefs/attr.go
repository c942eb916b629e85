package fusefs

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/S1riyS/hugefs/internal/models"
	"github.com/hanwen/go-fuse/v2/fuse"
)

const blockSize = 4096

func typeBits(t models.InodeType) uint32 {
	switch t {
	case models.InodeTypeDirectory:
		return fuse.S_IFDIR
	case models.InodeTypeSymlink:
		return fuse.S_IFLNK
	default:
		return fuse.S_IFREG
	}
}

func (f *FS) fillAttr(inode *models.Inode, attr *fuse.Attr) {
	attr.Ino = f.node(inode.Ino)
	attr.Mode = typeBits(inode.Type) | inode.Perm&0o7777
	attr.Nlink = uint32(inode.Nlink)
	attr.Owner = fuse.Owner{Uid: inode.UID, Gid: inode.GID}
	if inode.Length > 0 {
		attr.Size = uint64(inode.Length)
	}
	attr.Blocks = (attr.Size + 511) / 512
	attr.Blksize = blockSize

	sec, nsec := uint64(inode.Mtime/1e9), uint32(inode.Mtime%1e9)
	attr.Mtime, attr.Mtimensec = sec, nsec
	attr.Atime, attr.Atimensec = sec, nsec
	attr.Ctime, attr.Ctimensec = sec, nsec
}

func (f *FS) fillEntry(inode *models.Inode, out *fuse.EntryOut) {
	out.NodeId = f.node(inode.Ino)
	out.Generation = 1
	out.SetEntryTimeout(f.opts.EntryTimeout)
	out.SetAttrTimeout(f.opts.EntryTimeout)
	f.fillAttr(inode, &out.Attr)
}

func fillControlAttr(attr *fuse.Attr) {
	attr.Ino = ControlNodeID
	attr.Mode = fuse.S_IFREG | 0o666
	attr.Nlink = 1
}

// caller builds the identity of the process behind a request. Supplementary
// groups come from /proc and are skipped when it cannot be read.
func caller(h *fuse.InHeader) models.Caller {
	c := models.Caller{UID: h.Caller.Uid, GID: h.Caller.Gid}
	if h.Caller.Pid != 0 {
		c.Groups = processGroups(h.Caller.Pid)
	}
	return c
}

func processGroups(pid uint32) []uint32 {
	file, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return nil
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		rest, ok := strings.CutPrefix(scanner.Text(), "Groups:")
		if !ok {
			continue
		}
		return parseGroups(rest)
	}
	return nil
}

func parseGroups(line string) []uint32 {
	var groups []uint32
	for _, field := range strings.Fields(line) {
		gid, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			continue
		}
		groups = append(groups, uint32(gid))
	}
	return groups
}
