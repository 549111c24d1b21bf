package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no entry exists for a key.
	ErrNotFound = errors.New("entry not found")

	// ErrDecryption matches every *DecryptionError via errors.Is.
	ErrDecryption = errors.New("entry could not be decrypted")
)

// DecryptionError reports an entry that exists but cannot be read back:
// the envelope was altered, or the vault key does not match the one it was
// written with.
type DecryptionError struct {
	Partition Partition
	Key       string
	Err       error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("failed to decrypt %s/%s: %v", e.Partition, e.Key, e.Err)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// Is reports ErrDecryption as a match.
func (e *DecryptionError) Is(target error) bool {
	return target == ErrDecryption
}
