package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileBackend stores each key as a JSON file in a directory. Writes go to a
// temporary file that is synced and renamed over the target, so a crash
// leaves either the old file or the new one, never a torn write.
type FileBackend struct {
	dir string
	mu  sync.Mutex
}

// NewFileBackend creates a file backend rooted at dir, creating it if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

// Path returns the file a key is stored in.
func (b *FileBackend) Path(key string) string {
	return filepath.Join(b.dir, key+".json")
}

// LoadItem implements Backend.
func (b *FileBackend) LoadItem(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// #nosec G304 - path is derived from the configured data dir
	data, err := os.ReadFile(b.Path(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// UpdateItem implements Backend.
func (b *FileBackend) UpdateItem(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	current, err := b.LoadItem(ctx, key)
	if err != nil {
		return err
	}

	next, err := fn(current)
	if err != nil {
		return err
	}

	path := b.Path(key)
	if next == nil {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", key, err)
		}
		return nil
	}

	return writeFileAtomic(path, next)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	// Persist the rename itself.
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

// MemoryBackend keeps values in memory. It is not durable and exists for
// tests and dry runs.
type MemoryBackend struct {
	mu    sync.Mutex
	items map[string][]byte

	// FailWrites makes every UpdateItem fail, to exercise persistence errors.
	FailWrites error
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: make(map[string][]byte)}
}

// LoadItem implements Backend.
func (b *MemoryBackend) LoadItem(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, ok := b.items[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

// UpdateItem implements Backend.
func (b *MemoryBackend) UpdateItem(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var current []byte
	if v, ok := b.items[key]; ok {
		current = append([]byte(nil), v...)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if b.FailWrites != nil {
		return b.FailWrites
	}

	if next == nil {
		delete(b.items, key)
		return nil
	}
	b.items[key] = append([]byte(nil), next...)
	return nil
}
