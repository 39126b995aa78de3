package store

import (
	"fmt"

	"github.com/jmgilman/go/errors"
)

// StorageError reports unreadable or corrupt on-disk state for a key.
//
// By the time a StorageError is returned from Read the broken entry has
// already been removed, so callers can treat it as a miss.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func newStorageError(op, key string, cause error) *StorageError {
	return &StorageError{
		Op:  op,
		Key: key,
		Err: errors.WithContext(
			errors.Wrap(cause, errors.CodeInternal, "cache storage failure"),
			"key", key,
		),
	}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
