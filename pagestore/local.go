package pagestore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalStore implements PageStore on the local file system. Each page is one
// file under the root directory; the hierarchical page ID becomes the file
// path. Writes go through a temp file and rename so a page file on disk is
// always a complete page image.
type LocalStore struct {
	root string
}

// NewLocalStore creates a LocalStore rooted at the given directory.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, err
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) path(id PageID) string {
	return filepath.Join(s.root, filepath.FromSlash(string(id)))
}

// ReadPage returns the stored bytes for the page.
func (s *LocalStore) ReadPage(_ context.Context, id PageID) ([]byte, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// WritePage stores the page bytes, replacing any previous content.
func (s *LocalStore) WritePage(_ context.Context, id PageID, data []byte) error {
	path := s.path(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// DeletePage removes the page.
func (s *LocalStore) DeletePage(_ context.Context, id PageID) error {
	err := os.Remove(s.path(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
