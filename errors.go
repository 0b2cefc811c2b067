package memgo

import (
	"errors"
	"fmt"

	"github.com/hupe1980/memgo/archive"
	"github.com/hupe1980/memgo/backup"
	"github.com/hupe1980/memgo/record"
	"github.com/hupe1980/memgo/storage"
)

var (
	// ErrNotFound is returned when no record exists under the given id.
	ErrNotFound = errors.New("memgo: record not found")

	// ErrInvalidRecord is returned when a record violates the data
	// contract. The offending field is available via errors.As with
	// *record.ValidationError.
	ErrInvalidRecord = errors.New("memgo: invalid record")

	// ErrDuplicateContent is returned when an active record with the
	// same category and content already exists.
	ErrDuplicateContent = errors.New("memgo: duplicate content")

	// ErrAlreadyExists is returned when storing a record under an id
	// that is already present.
	ErrAlreadyExists = errors.New("memgo: record already exists")

	// ErrLockTimeout is returned when a record lock could not be
	// acquired in time.
	ErrLockTimeout = errors.New("memgo: lock timeout")

	// ErrCorruptRecord is returned when a record file exists but cannot
	// be decoded.
	ErrCorruptRecord = errors.New("memgo: corrupt record")

	// ErrBackupIntegrity is returned when a backup fails checksum
	// verification.
	ErrBackupIntegrity = errors.New("memgo: backup integrity check failed")

	// ErrBackupNotFound is returned when no backup exists under the
	// given id.
	ErrBackupNotFound = errors.New("memgo: backup not found")

	// ErrProtectedDeletion is returned when a high-importance record is
	// deleted without force.
	ErrProtectedDeletion = errors.New("memgo: record is protected from deletion")

	// ErrNotArchived is returned when restoring a record that has no
	// archive entry.
	ErrNotArchived = errors.New("memgo: record not archived")

	// ErrClosed is returned on any operation after Close.
	ErrClosed = errors.New("memgo: closed")
)

// translateError unifies component errors into the package sentinels
// while keeping the original chain reachable through errors.Is/As.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, record.ErrInvalid):
		return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	case errors.Is(err, storage.ErrDuplicateContent):
		return fmt.Errorf("%w: %w", ErrDuplicateContent, err)
	case errors.Is(err, storage.ErrExists):
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	case errors.Is(err, storage.ErrLockTimeout):
		return fmt.Errorf("%w: %w", ErrLockTimeout, err)
	case errors.Is(err, storage.ErrCorruptRecord):
		return fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	case errors.Is(err, backup.ErrBackupIntegrity):
		return fmt.Errorf("%w: %w", ErrBackupIntegrity, err)
	case errors.Is(err, backup.ErrBackupNotFound):
		return fmt.Errorf("%w: %w", ErrBackupNotFound, err)
	case errors.Is(err, archive.ErrNotArchived):
		return fmt.Errorf("%w: %w", ErrNotArchived, err)
	case errors.Is(err, storage.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}
