//go:build !linux

package keys

import (
	"fmt"
	"sync"
)

// lockedKey holds key material on the heap and zeroes it on Close. Memory
// locking is only available on linux.
type lockedKey struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

func newLockedKey(source []byte) (*lockedKey, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("cannot lock empty key")
	}
	data := make([]byte, len(source))
	copy(data, source)
	zero(source)
	return &lockedKey{data: data}, nil
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
	k.data = nil
	return nil
}
