package geowatch

import (
	"errors"
	"fmt"
)

// Sentinel errors reported synchronously by the public API.
var (
	// ErrInvalidCoordinates reports out-of-range or non-finite lat/lng.
	ErrInvalidCoordinates = errors.New("geowatch: invalid coordinates")
	// ErrDuplicateListener reports registering the same listener twice.
	ErrDuplicateListener = errors.New("geowatch: listener already registered")
	// ErrUnknownListener reports removing a listener that was never added.
	ErrUnknownListener = errors.New("geowatch: listener not registered")
)

// QueryError is an asynchronous backend failure scoped to one geohash range
// of a live query. It is delivered to listeners via OnQueryError and does
// not stop the query; the affected range simply never settles.
type QueryError struct {
	Start string
	End   string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("geowatch: range [%s, %s): %v", e.Start, e.End, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }
