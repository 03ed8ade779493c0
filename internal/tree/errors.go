package tree

import (
	"errors"
	"fmt"
)

// Error kinds, matched with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrUnsupportedPath = errors.New("unsupported path")
	ErrIO              = errors.New("io error")
	ErrMalformedTree   = errors.New("malformed tree")
)

// NotFoundError reports a snapshot root that does not exist.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: path does not exist", e.Path)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// UnsupportedPathError reports a path that is neither a regular file nor a
// directory, such as a device node or a broken symlink.
type UnsupportedPathError struct {
	Path   string
	Reason string
}

func (e *UnsupportedPathError) Error() string {
	return fmt.Sprintf("%s: unsupported path: %s", e.Path, e.Reason)
}

func (e *UnsupportedPathError) Is(target error) bool { return target == ErrUnsupportedPath }

// IOError wraps a read, copy or write failure on Path.
type IOError struct {
	Path string
	Op   string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

// MalformedTreeError reports a serialized node that cannot be rehydrated.
// Path locates the node inside the document.
type MalformedTreeError struct {
	Path   string
	Reason string
}

func (e *MalformedTreeError) Error() string {
	return fmt.Sprintf("malformed tree at %s: %s", e.Path, e.Reason)
}

func (e *MalformedTreeError) Is(target error) bool { return target == ErrMalformedTree }
