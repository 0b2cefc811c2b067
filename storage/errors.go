package storage

import "errors"

var (
	// ErrNotFound is returned when no record exists for an id. Corrupt
	// on-disk records surface as ErrNotFound too (wrapped around
	// ErrCorruptRecord), so read paths treat both uniformly.
	ErrNotFound = errors.New("storage: record not found")

	// ErrDuplicateContent is returned when storing a record whose
	// content-hash collides with another active record.
	ErrDuplicateContent = errors.New("storage: duplicate content")

	// ErrCorruptRecord marks an on-disk record that failed schema
	// validation or decoding. It is logged and wrapped in ErrNotFound on
	// read paths, never returned bare.
	ErrCorruptRecord = errors.New("storage: corrupt record")

	// ErrLockTimeout is returned when the per-record lock could not be
	// acquired within the configured timeout.
	ErrLockTimeout = errors.New("storage: lock timeout")

	// ErrExists is returned when storing a record whose id is already
	// present. Updates must go through Update.
	ErrExists = errors.New("storage: record already exists")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("storage: engine closed")
)
