package pennant

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DiskStore is a file-backed FlagStore keeping one JSON document per flag
// key. It is meant for single-writer embedding and local development, not
// for concurrent multi-process writes.
type DiskStore struct {
	dir string
	mu  sync.RWMutex
}

// NewDiskStore creates the directory if needed and returns a store over it.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create flag store dir: %w", err)
	}
	return &DiskStore{dir: dir}, nil
}

func (d *DiskStore) path(key string) string {
	return filepath.Join(d.dir, key+".json")
}

// Get reads a flag document from disk.
func (d *DiskStore) Get(ctx context.Context, key string) (*Flag, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	data, err := os.ReadFile(d.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{FlagKey: key}
		}
		return nil, &StoreUnavailableError{Op: "get", Err: err}
	}

	var flag Flag
	if err := json.Unmarshal(data, &flag); err != nil {
		return nil, fmt.Errorf("decode flag %s: %w", key, err)
	}
	return &flag, nil
}

// List reads every flag document in the directory.
func (d *DiskStore) List(ctx context.Context) ([]Flag, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, &StoreUnavailableError{Op: "list", Err: err}
	}

	var flags []Flag
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(d.dir, entry.Name()))
		if err != nil {
			return nil, &StoreUnavailableError{Op: "list", Err: err}
		}
		var flag Flag
		if err := json.Unmarshal(data, &flag); err != nil {
			return nil, fmt.Errorf("decode %s: %w", entry.Name(), err)
		}
		flags = append(flags, flag)
	}
	return flags, nil
}

// Put writes the flag document atomically (write to temp file, rename).
func (d *DiskStore) Put(ctx context.Context, flag *Flag) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := json.MarshalIndent(flag, "", "  ")
	if err != nil {
		return fmt.Errorf("encode flag %s: %w", flag.Key, err)
	}

	tmp := d.path(flag.Key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &StoreUnavailableError{Op: "put", Err: err}
	}
	if err := os.Rename(tmp, d.path(flag.Key)); err != nil {
		os.Remove(tmp)
		return &StoreUnavailableError{Op: "put", Err: err}
	}
	return nil
}

// Delete removes a flag document. Deleting an unknown key is not an error.
func (d *DiskStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.Remove(d.path(key)); err != nil && !os.IsNotExist(err) {
		return &StoreUnavailableError{Op: "delete", Err: err}
	}
	return nil
}
