package storage

import (
	"errors"

	"github.com/OpenLiberty/open-liberty-sub342/internal/container"
)

var (
	// ErrRead is returned when module content cannot be read or staged.
	ErrRead = errors.New("failed to read module content")
	// ErrLocationInUse matches a duplicate install location.
	ErrLocationInUse = container.ErrLocationInUse
	// ErrIncompatibleFormat is returned for a persisted record whose
	// version is outside the supported range.
	ErrIncompatibleFormat = errors.New("incompatible storage format")
	// ErrCorruptRecord is returned when the persisted record cannot be parsed.
	ErrCorruptRecord = errors.New("corrupt storage record")
	// ErrStorageReadOnly is returned by mutating operations on a read-only root.
	ErrStorageReadOnly = errors.New("storage is read-only")
	// ErrStorageLocked is returned when another process holds the storage lock.
	ErrStorageLocked = errors.New("storage is locked by another process")
	// ErrInvalidContent is returned for missing or malformed module content.
	ErrInvalidContent = errors.New("invalid module content")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage is closed")
	// ErrSystemModule is returned for operations not allowed on module 0.
	ErrSystemModule = errors.New("operation not permitted on the system module")
	// ErrNoGeneration is returned for a module the storage does not own.
	ErrNoGeneration = errors.New("module has no storage generation")
)
