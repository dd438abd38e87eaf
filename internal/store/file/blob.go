// Package file implements the cold blob store on the local filesystem.
// Object paths map to files under the root; writes are atomic
// (temp file → rename) so a crashed archive never leaves a partial blob.
package file

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/deskwire/internal/store"
)

// Blob is a store.Blob rooted at a directory.
type Blob struct {
	root string
}

// New creates the root directory if needed.
func New(root string) (*Blob, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob store: create root: %w", err)
	}
	return &Blob{root: root}, nil
}

func (b *Blob) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("blob store: invalid path %q", path)
	}
	return filepath.Join(b.root, clean), nil
}

func (b *Blob) Put(_ context.Context, path string, data []byte) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("blob store: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".blob-*.tmp")
	if err != nil {
		return fmt.Errorf("blob store: temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("blob store: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("blob store: sync: %w", err)
	}
	tmp.Close()

	if err := os.Rename(tmpPath, full); err != nil {
		return fmt.Errorf("blob store: rename: %w", err)
	}
	cleanup = false
	return nil
}

func (b *Blob) Get(_ context.Context, path string) ([]byte, error) {
	full, err := b.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blob store: read %s: %w", path, err)
	}
	return data, nil
}

func (b *Blob) Delete(_ context.Context, path string) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob store: delete %s: %w", path, err)
	}
	return nil
}

func (b *Blob) List(_ context.Context, prefix string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(b.root, p)
		if relErr != nil {
			return relErr
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			paths = append(paths, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blob store: list %s: %w", prefix, err)
	}
	sort.Strings(paths)
	return paths, nil
}
