package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
)

const entryFileExt = ".entry"

// FileStorage keeps one file per key in a directory of an afero filesystem.
// The file name is a digest of the key; the key itself is the first line of the
// file so Keys can enumerate the namespace.
type FileStorage struct {
	fs  afero.Fs
	dir string
}

// NewFileStorage prepares dir on fsys. Use afero.NewOsFs for real persistence.
func NewFileStorage(fsys afero.Fs, dir string) (*FileStorage, error) {
	if dir == "" {
		return nil, errors.New("cache: file storage directory required")
	}
	exists, err := afero.DirExists(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("cache: stat storage dir: %w", err)
	}
	if !exists {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cache: create storage dir: %w", err)
		}
	}
	return &FileStorage{fs: fsys, dir: dir}, nil
}

func (s *FileStorage) path(key string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%016x%s", xxhash.Sum64String(key), entryFileExt))
}

// Get reads the value stored for key.
func (s *FileStorage) Get(_ context.Context, key string) ([]byte, bool, error) {
	raw, err := afero.ReadFile(s.fs, s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	storedKey, value, ok := splitRecord(raw)
	if !ok {
		return nil, false, fmt.Errorf("malformed record for %s", key)
	}
	if storedKey != key {
		// Digest collision with a different key; treat as absent.
		return nil, false, nil
	}
	return value, true, nil
}

// Set writes value for key, replacing any previous value.
func (s *FileStorage) Set(_ context.Context, key string, value []byte) error {
	if strings.ContainsRune(key, '\n') {
		return fmt.Errorf("key contains newline: %q", key)
	}
	record := make([]byte, 0, len(key)+1+len(value))
	record = append(record, key...)
	record = append(record, '\n')
	record = append(record, value...)
	return afero.WriteFile(s.fs, s.path(key), record, 0o644)
}

// Delete removes key. Removing an absent key is not an error.
func (s *FileStorage) Delete(_ context.Context, key string) error {
	err := s.fs.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Keys lists keys beginning with prefix. Unreadable files are skipped.
func (s *FileStorage) Keys(_ context.Context, prefix string) ([]string, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), entryFileExt) {
			continue
		}
		raw, err := afero.ReadFile(s.fs, filepath.Join(s.dir, info.Name()))
		if err != nil {
			continue
		}
		key, _, ok := splitRecord(raw)
		if ok && hasNamespace(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func splitRecord(raw []byte) (string, []byte, bool) {
	idx := bytes.IndexByte(raw, '\n')
	if idx < 0 {
		return "", nil, false
	}
	return string(raw[:idx]), raw[idx+1:], true
}
