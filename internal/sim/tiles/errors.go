package tiles

import "errors"

// A cache miss is not an error: stores report it with ok=false.
var (
	ErrTransport   = errors.New("transport")
	ErrParse       = errors.New("parse")
	ErrEmptyResult = errors.New("empty result")
	ErrCorrupt     = errors.New("corrupt cache entry")
	ErrPersist     = errors.New("persist")
)
