package metadata

import (
	"strings"

	"github.com/S1riyS/hugefs/internal/pkg/fserrors"
)

const MaxNameLen = 255

// ValidateName rejects names that cannot be stored as a directory entry.
func ValidateName(name string) error {
	const op = "metadata.ValidateName"

	switch {
	case name == "":
		return fserrors.New(fserrors.InvalidArgument, op, "empty name")
	case name == "." || name == "..":
		return fserrors.New(fserrors.InvalidArgument, op, "reserved name "+name)
	case strings.ContainsAny(name, "/\x00"):
		return fserrors.New(fserrors.InvalidArgument, op, "name contains a separator")
	case len(name) > MaxNameLen:
		return fserrors.New(fserrors.NameTooLong, op, name[:32]+"...")
	}
	return nil
}
