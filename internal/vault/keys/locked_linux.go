//go:build linux

package keys

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// lockedKey holds key material in an anonymous mapping outside the Go heap,
// locked against swap and excluded from core dumps.
type lockedKey struct {
	mu     sync.Mutex
	data   []byte
	locked bool
	closed bool
}

// newLockedKey copies source into locked memory and zeroes source.
func newLockedKey(source []byte) (*lockedKey, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("cannot lock empty key")
	}

	data, err := unix.Mmap(-1, 0, len(source), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	// RLIMIT_MEMLOCK can be zero in containers; the mapping is still
	// outside the Go heap and excluded from dumps.
	locked := unix.Mlock(data) == nil
	_ = unix.Madvise(data, unix.MADV_DONTDUMP)

	copy(data, source)
	zero(source)

	return &lockedKey{data: data, locked: locked}, nil
}

func (k *lockedKey) Bytes() []byte {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		panic("keys: read from closed key")
	}
	return k.data
}

func (k *lockedKey) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil
	}
	k.closed = true
	zero(k.data)

	var firstErr error
	if k.locked {
		if err := unix.Munlock(k.data); err != nil {
			firstErr = fmt.Errorf("munlock failed: %w", err)
		}
	}
	if err := unix.Munmap(k.data); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("munmap failed: %w", err)
	}
	k.data = nil
	return firstErr
}
