package store

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrSnapshotNotReady = errors.New("snapshot not yet generated")
	ErrInMemory         = errors.New("operation not supported for in-memory database")
)
