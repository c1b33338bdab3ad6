package docstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FSStore is a filesystem backed Store. References are relative paths under
// the root directory: po/<order>/<batch>/<uuid>_<filename>.
type FSStore struct {
	root string
}

// NewFSStore ensures the root directory exists and returns the store.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, fmt.Errorf("docstore: root directory required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("docstore: create root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Put writes the content to a new file and returns its reference.
func (s *FSStore) Put(ctx context.Context, key Key, filename string, content io.Reader) (string, error) {
	if key.OrderID == 0 {
		return "", fmt.Errorf("docstore: order id required")
	}
	name := fmt.Sprintf("%s_%s", uuid.NewString(), sanitize(filename))
	rel := filepath.Join("po", fmt.Sprintf("%d", key.OrderID), fmt.Sprintf("%d", key.Batch), name)
	abs := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("docstore: create dir: %w", err)
	}
	f, err := os.Create(abs)
	if err != nil {
		return "", fmt.Errorf("docstore: create file: %w", err)
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		_ = os.Remove(abs)
		return "", fmt.Errorf("docstore: write file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(abs)
		return "", fmt.Errorf("docstore: close file: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

// Open returns a reader for the referenced document.
func (s *FSStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	abs, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("docstore: open: %w", err)
	}
	return f, nil
}

// Delete removes the referenced document.
func (s *FSStore) Delete(ctx context.Context, ref string) error {
	abs, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("docstore: delete: %w", err)
	}
	return nil
}

func (s *FSStore) resolve(ref string) (string, error) {
	if ref == "" {
		return "", ErrNotFound
	}
	clean := filepath.Clean(filepath.FromSlash(ref))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("docstore: invalid reference %q", ref)
	}
	return filepath.Join(s.root, clean), nil
}

func sanitize(filename string) string {
	base := filepath.Base(filepath.FromSlash(filename))
	if base == "." || base == string(filepath.Separator) || base == "" {
		return "document"
	}
	return strings.ReplaceAll(base, " ", "_")
}
