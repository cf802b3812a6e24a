// Package blob stores rendered artifacts and resolves attachment locators.
// A locator is a slash-separated path relative to the store root.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidLocator = errors.New("invalid locator")

type Store struct {
	root      string
	publicURL string
}

// New opens (and creates) a directory store. publicURL, when set, is the base
// URL under which the directory is served to providers that fetch media.
func New(root, publicURL string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("blob root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

func (s *Store) path(locator string) (string, error) {
	clean := path.Clean("/" + strings.TrimSpace(locator))
	if clean == "/" || strings.Contains(locator, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean[1:])), nil
}

func (s *Store) Exists(_ context.Context, locator string) (bool, error) {
	p, err := s.path(locator)
	if err != nil {
		return false, err
	}
	st, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return st.Mode().IsRegular(), nil
}

func (s *Store) Open(_ context.Context, locator string) (io.ReadCloser, error) {
	p, err := s.path(locator)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// Put writes r under dir with a fresh name ending in ext and returns its
// locator. The file appears atomically.
func (s *Store) Put(_ context.Context, dir, ext string, r io.Reader) (string, error) {
	locator := path.Join(strings.Trim(dir, "/"), uuid.NewString()+ext)
	p, err := s.path(locator)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return locator, nil
}

// URL returns the public URL of locator, or "" when the store is not served.
func (s *Store) URL(locator string) string {
	if s.publicURL == "" {
		return ""
	}
	if _, err := s.path(locator); err != nil {
		return ""
	}
	return s.publicURL + "/" + strings.TrimLeft(path.Clean("/"+locator), "/")
}
