package service

import (
	"fmt"

	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/internal/pkg/fserrors"
)

const (
	mayRead  uint32 = 4
	mayWrite uint32 = 2
	mayExec  uint32 = 1

	stickyBit uint32 = 0o1000
)

// checkAccess applies the owner, group and other permission bits. Root
// bypasses read and write checks but still needs an x bit to execute a file.
func checkAccess(op string, caller models.Caller, inode *models.Inode, want uint32) error {
	if caller.IsRoot() {
		if want&mayExec != 0 && !inode.IsDir() && inode.Perm&0o111 == 0 {
			return fserrors.New(fserrors.PermissionDenied, op, fmt.Sprintf("inode %d is not executable", inode.Ino))
		}
		return nil
	}

	var bits uint32
	switch {
	case caller.UID == inode.UID:
		bits = inode.Perm >> 6
	case caller.InGroup(inode.GID):
		bits = inode.Perm >> 3
	default:
		bits = inode.Perm
	}
	if bits&7&want != want {
		return fserrors.New(fserrors.PermissionDenied, op,
			fmt.Sprintf("uid %d lacks %03b on inode %d", caller.UID, want, inode.Ino))
	}
	return nil
}

// checkSticky refuses to remove or replace an entry in a sticky directory
// unless the caller owns the directory or the entry.
func checkSticky(op string, caller models.Caller, dir, target *models.Inode) error {
	if dir.Perm&stickyBit == 0 || caller.IsRoot() {
		return nil
	}
	if caller.UID == dir.UID || caller.UID == target.UID {
		return nil
	}
	return fserrors.New(fserrors.NotPermitted, op,
		fmt.Sprintf("sticky directory %d protects inode %d", dir.Ino, target.Ino))
}

func isOwner(caller models.Caller, inode *models.Inode) bool {
	return caller.IsRoot() || caller.UID == inode.UID
}

// checkSetAttr enforces who may change which attribute.
func checkSetAttr(op string, caller models.Caller, inode *models.Inode, attrs models.SetAttrs) error {
	if attrs.Perm != nil && !isOwner(caller, inode) {
		return fserrors.New(fserrors.NotPermitted, op, "only the owner may change the mode")
	}
	if attrs.UID != nil && *attrs.UID != inode.UID && !caller.IsRoot() {
		return fserrors.New(fserrors.NotPermitted, op, "only root may change the owner")
	}
	if attrs.GID != nil && *attrs.GID != inode.GID && !caller.IsRoot() {
		if caller.UID != inode.UID || !caller.InGroup(*attrs.GID) {
			return fserrors.New(fserrors.NotPermitted, op, "cannot change the group")
		}
	}
	if attrs.Length != nil {
		if err := checkAccess(op, caller, inode, mayWrite); err != nil {
			return err
		}
	}
	if attrs.Mtime != nil && !isOwner(caller, inode) {
		if err := checkAccess(op, caller, inode, mayWrite); err != nil {
			return err
		}
	}
	return nil
}
