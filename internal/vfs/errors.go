package vfs

import "errors"

// ErrorKind classifies a VfsError per spec.md §7.
type ErrorKind string

const (
	KindNotFound         ErrorKind = "not_found"
	KindAlreadyExists    ErrorKind = "already_exists"
	KindPermissionDenied ErrorKind = "permission_denied"
	KindVersionConflict  ErrorKind = "version_conflict"
	KindInvalidPath      ErrorKind = "invalid_path"
	KindEscape           ErrorKind = "escape"
)

// Error is the VFS's closed error-kind type: every mutating or reading
// operation that fails returns one of these, never a bare string.
type Error struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "vfs: " + string(e.Kind) + " (" + e.Path + "): " + e.Err.Error()
	}
	return "vfs: " + string(e.Kind) + " (" + e.Path + ")"
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind ErrorKind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}

// IsNotFound reports whether err is a VFS NotFound error.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindNotFound
}

// IsAlreadyExists reports whether err is a VFS AlreadyExists error.
func IsAlreadyExists(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindAlreadyExists
}

// IsPermissionDenied reports whether err is a VFS PermissionDenied error.
func IsPermissionDenied(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindPermissionDenied
}

// IsVersionConflict reports whether err is a VFS VersionConflict error.
func IsVersionConflict(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindVersionConflict
}
