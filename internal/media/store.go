// Package media stores raw uploads, page images, annotated overlays and
// export artifacts as files under a media root. Everything belonging to a
// document lives below documents/<id>/ so a cascade delete can drop the
// whole tree at once.
package media

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// Store is a content store keyed by slash-separated relative keys.
type Store struct {
	root string
}

// NewStore creates the media root if needed.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("media root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("error creating media root %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Root returns the directory backing the store.
func (s *Store) Root() string { return s.root }

// DocumentDir is the key prefix for everything derived from a document.
func DocumentDir(documentID uint) string {
	return fmt.Sprintf("documents/%d", documentID)
}

// RawKey is where the uploaded PDF of a document is kept.
func RawKey(documentID uint, filename string) string {
	return path.Join(DocumentDir(documentID), "raw", sanitize(filename))
}

// PageKey is where a rasterized page image is kept. Each scale gets its own
// directory so a new scale never overwrites another one.
func PageKey(documentID uint, scale float64, pageNumber int) string {
	return path.Join(DocumentDir(documentID), "pages", "s"+strconv.FormatFloat(scale, 'f', -1, 64),
		fmt.Sprintf("page_%d.png", pageNumber))
}

// AnnotationKey is where the overlay for a page and config is kept.
func AnnotationKey(documentID uint, configID uint, pageNumber int) string {
	return path.Join(DocumentDir(documentID), "annotated", fmt.Sprintf("c%d", configID),
		fmt.Sprintf("page_%d_annotated.png", pageNumber))
}

// ExportKey is where an export artifact is kept.
func ExportKey(filename string) string {
	return path.Join("exports", sanitize(filename))
}

// Path resolves a key to a filesystem path inside the root. Keys that would
// escape the root are rejected.
func (s *Store) Path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid media key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

// Put writes data under key, replacing any previous content atomically.
func (s *Store) Put(key string, data []byte) error {
	return s.PutReader(key, bytes.NewReader(data))
}

// PutReader streams r under key. The content is written to a temporary file
// and renamed into place so readers never observe a partial file.
func (s *Store) PutReader(key string, r io.Reader) error {
	p, err := s.Path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("error creating directory for %s: %w", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return fmt.Errorf("error creating temp file for %s: %w", key, err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("error writing %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("error closing %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("error moving %s into place: %w", key, err)
	}
	return nil
}

// Get reads the content under key.
func (s *Store) Get(key string) ([]byte, error) {
	p, err := s.Path(key)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// Open returns a reader for the content under key.
func (s *Store) Open(key string) (*os.File, error) {
	p, err := s.Path(key)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// Exists reports whether content is stored under key.
func (s *Store) Exists(key string) bool {
	p, err := s.Path(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Remove deletes a single key. Missing content is not an error.
func (s *Store) Remove(key string) error {
	p, err := s.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RemoveTree deletes every key below prefix.
func (s *Store) RemoveTree(prefix string) error {
	p, err := s.Path(prefix)
	if err != nil {
		return err
	}
	return os.RemoveAll(p)
}

func sanitize(name string) string {
	name = filepath.Base(filepath.FromSlash(strings.ReplaceAll(name, "\\", "/")))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "unnamed"
	}
	return name
}
