package model

import "errors"

var (
	// ErrNotFound reports an absent entry or anchor.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRange reports a malformed id range or anchor order.
	ErrInvalidRange = errors.New("invalid range")
	// ErrStorage reports a durability layer failure. The write was not recorded.
	ErrStorage = errors.New("storage fault")
	// ErrConfiguration reports a misconfigured budget or capability.
	ErrConfiguration = errors.New("configuration fault")
	// ErrConflict reports a failed optimistic-concurrency check on merge.
	ErrConflict = errors.New("conflict")
	// ErrInvalidEntry reports a draft that cannot be appended.
	ErrInvalidEntry = errors.New("invalid entry")
)
