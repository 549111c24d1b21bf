package keys

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// SecretProvider persists the device root material. It is the only place
// the engine reads or writes the root secret and salt.
type SecretProvider interface {
	// Load returns the named value and whether it exists.
	Load(ctx context.Context, name string) ([]byte, bool, error)

	// Save persists the named value.
	Save(ctx context.Context, name string, value []byte) error
}

// KV is the subset of the legacy key-value store used by KVProvider.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// KVProvider keeps base64 encoded root material in the legacy key-value
// store. The values are stored in the clear.
type KVProvider struct {
	kv KV
}

// NewKVProvider returns a provider backed by kv.
func NewKVProvider(kv KV) *KVProvider {
	return &KVProvider{kv: kv}
}

func (p *KVProvider) Load(ctx context.Context, name string) ([]byte, bool, error) {
	encoded, found, err := p.kv.Get(ctx, name)
	if err != nil || !found {
		return nil, false, err
	}
	value, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return value, true, nil
}

func (p *KVProvider) Save(ctx context.Context, name string, value []byte) error {
	return p.kv.Set(ctx, name, base64.StdEncoding.EncodeToString(value))
}

// FileProvider keeps each value in its own 0600 file under dir.
type FileProvider struct {
	dir string
}

// NewFileProvider returns a provider storing files in dir.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

func (p *FileProvider) Load(ctx context.Context, name string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	value, err := os.ReadFile(filepath.Join(p.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return value, true, nil
}

func (p *FileProvider) Save(ctx context.Context, name string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(p.dir, 0700); err != nil {
		return fmt.Errorf("failed to create secret directory: %w", err)
	}

	path := filepath.Join(p.dir, name)
	tmp, err := os.CreateTemp(p.dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}
