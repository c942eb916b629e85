package fserrors

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/S1riyS/hugefs/internal/pkg/kerrors"
)

// Kind classifies filesystem failures. Every kind has exactly one errno.
type Kind int

const (
	IOError Kind = iota
	NotFound
	AlreadyExists
	NotADirectory
	IsADirectory
	NotEmpty
	PermissionDenied
	NotPermitted
	ReadOnly
	TooManyLinks
	InvalidArgument
	NameTooLong
	Corruption
	NoSuchHash
	BadHandle
	Busy
)

var kindNames = map[Kind]string{
	IOError:          "IOError",
	NotFound:         "NotFound",
	AlreadyExists:    "AlreadyExists",
	NotADirectory:    "NotADirectory",
	IsADirectory:     "IsADirectory",
	NotEmpty:         "NotEmpty",
	PermissionDenied: "PermissionDenied",
	NotPermitted:     "NotPermitted",
	ReadOnly:         "ReadOnly",
	TooManyLinks:     "TooManyLinks",
	InvalidArgument:  "InvalidArgument",
	NameTooLong:      "NameTooLong",
	Corruption:       "Corruption",
	NoSuchHash:       "NoSuchHash",
	BadHandle:        "BadHandle",
	Busy:             "Busy",
}

var kindCodes = map[Kind]int64{
	IOError:          kerrors.EIO,
	NotFound:         kerrors.ENOENT,
	AlreadyExists:    kerrors.EEXIST,
	NotADirectory:    kerrors.ENOTDIR,
	IsADirectory:     kerrors.EISDIR,
	NotEmpty:         kerrors.ENOTEMPTY,
	PermissionDenied: kerrors.EACCES,
	NotPermitted:     kerrors.EPERM,
	ReadOnly:         kerrors.EPERM,
	TooManyLinks:     kerrors.ELOOP,
	InvalidArgument:  kerrors.EINVAL,
	NameTooLong:      kerrors.ENAMETOOLONG,
	Corruption:       kerrors.EUCLEAN,
	NoSuchHash:       kerrors.ENOMEDIUM,
	BadHandle:        kerrors.EBADF,
	Busy:             kerrors.EBUSY,
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Code returns the kernel errno for the kind.
func (k Kind) Code() int64 {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return kerrors.EIO
}

type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) GetCode() int64 { return e.Kind.Code() }

// Is matches any *Error of the same kind, so errors.Is(err, fserrors.ErrNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrNotFound         = &Error{Kind: NotFound}
	ErrAlreadyExists    = &Error{Kind: AlreadyExists}
	ErrNotADirectory    = &Error{Kind: NotADirectory}
	ErrIsADirectory     = &Error{Kind: IsADirectory}
	ErrNotEmpty         = &Error{Kind: NotEmpty}
	ErrPermissionDenied = &Error{Kind: PermissionDenied}
	ErrNotPermitted     = &Error{Kind: NotPermitted}
	ErrReadOnly         = &Error{Kind: ReadOnly}
	ErrTooManyLinks     = &Error{Kind: TooManyLinks}
	ErrInvalidArgument  = &Error{Kind: InvalidArgument}
	ErrCorruption       = &Error{Kind: Corruption}
	ErrNoSuchHash       = &Error{Kind: NoSuchHash}
	ErrBadHandle        = &Error{Kind: BadHandle}
	ErrBusy             = &Error{Kind: Busy}
)

// KindOf returns the kind of the first *Error in the chain, IOError otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return IOError
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Errno converts err into the errno reported to the kernel. nil maps to 0.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	return syscall.Errno(KindOf(err).Code())
}
