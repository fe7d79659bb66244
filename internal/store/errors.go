package store

import (
	"errors"
	"fmt"
)

// Error kinds every backend maps its failures onto.
var (
	ErrNotFound = errors.New("object not found")
	ErrAuth     = errors.New("authentication failed")
	ErrRemote   = errors.New("remote store error")
)

// ErrExists is the cause attached (as ErrRemote) when a move or a
// non-overwriting upload hits an occupied destination.
var ErrExists = errors.New("destination already exists")

// Error carries the failed operation and path alongside the kind.
type Error struct {
	Op   string // upload, download, exists, move, delete
	Path string
	Kind error // one of ErrNotFound, ErrAuth, ErrRemote
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError builds a *Error; a nil kind defaults to ErrRemote.
func NewError(op, path string, kind, err error) *Error {
	if kind == nil {
		kind = ErrRemote
	}
	return &Error{Op: op, Path: path, Kind: kind, Err: err}
}

// KindOf classifies any error into one of the store kinds.
// Errors not produced by a backend count as remote failures.
func KindOf(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrAuth):
		return ErrAuth
	default:
		return ErrRemote
	}
}

// IgnoreNotFound drops ErrNotFound, for defensive deletes.
func IgnoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Wrap converts err into a *Error for op/path unless it already is one.
func Wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return NewError(op, path, KindOf(err), err)
}
