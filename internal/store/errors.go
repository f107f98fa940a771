package store

import "errors"

// ErrClosed is returned by operations on a closed graph handle.
var ErrClosed = errors.New("store: graph closed")
