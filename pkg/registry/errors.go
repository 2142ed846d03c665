package registry

import "errors"

// Sentinel registry errors.
var (
	ErrNotFound          = errors.New("registry: record not found")
	ErrDuplicateDelivery = errors.New("registry: duplicate trigger event delivery id")
	ErrNestingTooDeep    = errors.New("registry: sub-pipeline nesting exceeds max depth")
)
