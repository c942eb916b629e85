package namespace

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/S1riyS/hugefs/internal/metadata"
	"github.com/S1riyS/hugefs/internal/models"
	"github.com/S1riyS/hugefs/internal/pkg/fserrors"
)

// maxDepth bounds reverse lookups on a damaged tree.
const maxDepth = 4096

// Metadata is the part of metadata.Store the resolver reads.
type Metadata interface {
	RootIno() int64
	Stat(ctx context.Context, ino int64) (*models.Inode, error)
	Lookup(ctx context.Context, dir int64, name string) (*models.Inode, error)
	ParentOf(ctx context.Context, dir int64) (int64, error)
	IsAncestor(ctx context.Context, anc, dir int64) (bool, error)
	References(ctx context.Context, ino int64) ([]models.DirEntry, error)
}

// TraverseFunc is called for every directory the resolver descends through.
// Returning an error stops resolution.
type TraverseFunc func(dir *models.Inode) error

// SymlinkError reports a symlink met before the last component. The caller
// expands Link and resolves Rest against the result.
type SymlinkError struct {
	Link *models.Inode
	Dir  int64
	Rest []string
}

func (e *SymlinkError) Error() string {
	return fmt.Sprintf("symlink %d in directory %d, %d components left", e.Link.Ino, e.Dir, len(e.Rest))
}

// ErrSymlink matches any *SymlinkError with errors.Is.
var ErrSymlink = errors.New("path crosses a symlink")

func (e *SymlinkError) Is(target error) bool { return target == ErrSymlink }

// Result is a resolved path. Dir and Name locate the final entry; both are
// zero when the path named the starting directory itself.
type Result struct {
	Inode *models.Inode
	Dir   int64
	Name  string
}

type Resolver struct {
	md Metadata
}

func New(md Metadata) *Resolver {
	return &Resolver{md: md}
}

// SplitPath breaks a slash separated path into components. Empty and "."
// components are dropped, ".." is kept. It reports whether the path was
// absolute.
func SplitPath(path string) ([]string, bool, error) {
	abs := strings.HasPrefix(path, "/")
	var parts []string
	for _, part := range strings.Split(path, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			parts = append(parts, part)
			continue
		}
		if err := metadata.ValidateName(part); err != nil {
			return nil, abs, err
		}
		parts = append(parts, part)
	}
	return parts, abs, nil
}

// Resolve walks path from the directory from, or from the root when path is
// absolute. It never dereferences symlinks: a symlink in the middle of the
// path yields a *SymlinkError, a symlink at the end is returned as is.
func (r *Resolver) Resolve(ctx context.Context, from int64, path string, traverse TraverseFunc) (*Result, error) {
	parts, abs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	if abs || from == 0 {
		from = r.md.RootIno()
	}
	return r.ResolveParts(ctx, from, parts, traverse)
}

func (r *Resolver) ResolveParts(ctx context.Context, from int64, parts []string, traverse TraverseFunc) (*Result, error) {
	const op = "namespace.Resolver.Resolve"

	cur, err := r.md.Stat(ctx, from)
	if err != nil {
		return nil, err
	}
	res := &Result{Inode: cur}

	for i, part := range parts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !cur.IsDir() {
			return nil, fserrors.New(fserrors.NotADirectory, op, fmt.Sprintf("inode %d is not a directory", cur.Ino))
		}
		if traverse != nil {
			if err := traverse(cur); err != nil {
				return nil, err
			}
		}

		var next *models.Inode
		if part == ".." {
			parent, err := r.md.ParentOf(ctx, cur.Ino)
			if err != nil {
				return nil, err
			}
			if next, err = r.md.Stat(ctx, parent); err != nil {
				return nil, err
			}
			res = &Result{Inode: next}
			if parent != r.md.RootIno() {
				if grand, name, err := r.entryOf(ctx, parent); err == nil {
					res.Dir, res.Name = grand, name
				}
			}
		} else {
			if next, err = r.md.Lookup(ctx, cur.Ino, part); err != nil {
				return nil, err
			}
			res = &Result{Inode: next, Dir: cur.Ino, Name: part}
		}

		if next.Type == models.InodeTypeSymlink && i < len(parts)-1 {
			return res, &SymlinkError{Link: next, Dir: res.Dir, Rest: parts[i+1:]}
		}
		cur = next
	}
	return res, nil
}

// ResolveParent resolves everything but the last component and returns the
// containing directory with the final name. The name is validated but not
// looked up.
func (r *Resolver) ResolveParent(ctx context.Context, from int64, path string, traverse TraverseFunc) (*Result, string, error) {
	const op = "namespace.Resolver.ResolveParent"

	parts, abs, err := SplitPath(path)
	if err != nil {
		return nil, "", err
	}
	if len(parts) == 0 || parts[len(parts)-1] == ".." {
		return nil, "", fserrors.New(fserrors.InvalidArgument, op, fmt.Sprintf("%q has no final name", path))
	}
	if abs || from == 0 {
		from = r.md.RootIno()
	}
	res, err := r.ResolveParts(ctx, from, parts[:len(parts)-1], traverse)
	if err != nil {
		return res, "", err
	}
	return res, parts[len(parts)-1], nil
}

// IsAncestor reports whether anc is dir or one of its ancestors.
func (r *Resolver) IsAncestor(ctx context.Context, anc, dir int64) (bool, error) {
	return r.md.IsAncestor(ctx, anc, dir)
}

func (r *Resolver) entryOf(ctx context.Context, ino int64) (int64, string, error) {
	const op = "namespace.Resolver.entryOf"

	refs, err := r.md.References(ctx, ino)
	if err != nil {
		return 0, "", err
	}
	if len(refs) == 0 {
		return 0, "", fserrors.New(fserrors.NotFound, op, fmt.Sprintf("inode %d has no name", ino))
	}
	return refs[0].Dir, refs[0].Name, nil
}

// Path returns an absolute path naming ino. For a hard linked file the
// first name in entry order is used.
func (r *Resolver) Path(ctx context.Context, ino int64) (string, error) {
	const op = "namespace.Resolver.Path"

	root := r.md.RootIno()
	var names []string
	for depth := 0; ino != root; depth++ {
		if depth > maxDepth {
			return "", fserrors.New(fserrors.Corruption, op, "directory tree too deep or cyclic")
		}
		dir, name, err := r.entryOf(ctx, ino)
		if err != nil {
			return "", err
		}
		names = append(names, name)
		ino = dir
	}

	if len(names) == 0 {
		return "/", nil
	}
	var b strings.Builder
	for i := len(names) - 1; i >= 0; i-- {
		b.WriteString("/")
		b.WriteString(names[i])
	}
	return b.String(), nil
}
