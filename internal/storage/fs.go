package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FS implements KV by storing each key as <key>.json under a root directory.
type FS struct {
	root string // absolute path to the data directory

	mu      sync.Mutex
	written map[string]string // key -> checksum of the last value this FS wrote
}

// NewFS creates a file-backed KV rooted at the given directory, creating it
// if needed.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	return &FS{root: abs, written: make(map[string]string)}, nil
}

// Root returns the absolute data directory.
func (f *FS) Root() string { return f.root }

// Path returns the file backing key.
func (f *FS) Path(key string) (string, error) {
	return f.safePath(key)
}

// safePath maps a key to its file and rejects keys that would escape the
// root (directory traversal) or name a subdirectory.
func (f *FS) safePath(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("storage: invalid key: %q", key)
	}
	abs := filepath.Join(f.root, key+".json")
	if filepath.Dir(abs) != f.root {
		return "", fmt.Errorf("storage: key escapes data root: %q", key)
	}
	return abs, nil
}

// keyOf reverses safePath for a file inside the root.
func (f *FS) keyOf(abs string) (string, bool) {
	if filepath.Dir(abs) != f.root {
		return "", false
	}
	name := filepath.Base(abs)
	if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
		return "", false
	}
	return strings.TrimSuffix(name, ".json"), true
}

// Get returns the stored value for key.
func (f *FS) Get(key string) (string, bool, error) {
	abs, err := f.safePath(key)
	if err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: read %s: %w", key, err)
	}
	return string(data), true, nil
}

// Set atomically writes value: tmp file → fsync → rename.
func (f *FS) Set(key, value string) error {
	abs, err := f.safePath(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.root, ".tracker-tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.WriteString(value); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}

	f.mu.Lock()
	f.written[key] = checksum([]byte(value))
	f.mu.Unlock()

	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}

// ownWrite reports whether data is what this FS last wrote under key.
func (f *FS) ownWrite(key string, data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum, ok := f.written[key]
	return ok && sum == checksum(data)
}

func checksum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
