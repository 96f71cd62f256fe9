package store

import "errors"

// Sentinel errors for store operations.
var (
	ErrKeyNotFound = errors.New("store: key not found")
	ErrClosed      = errors.New("store: closed")
)

// Op constants identify the failing store operation for error context.
const (
	OpPut    = "put"
	OpGet    = "get"
	OpDelete = "delete"
	OpWatch  = "watch"
	OpClose  = "close"
)

// Error wraps an underlying error with the operation name for diagnostics.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }
