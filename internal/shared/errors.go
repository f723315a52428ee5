package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrMissingCaller indicates the request carried no tenant identity.
	ErrMissingCaller = errors.New("caller tenant missing")
)
