package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ArtifactStore persists artifact bytes: uploaded sources, extracted text,
// and anonymized outputs. Keys are slash-separated paths; anonymized output
// keys embed the producing job id and attempt so re-execution overwrites.
type ArtifactStore interface {
	// Put writes an artifact, overwriting any existing one at key.
	Put(ctx context.Context, key string, data []byte) error
	// Get reads an artifact.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes an artifact. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// OutputKey builds the anonymized-output artifact key for one execution.
func OutputKey(datasetID, jobID string, attempt int) string {
	return fmt.Sprintf("outputs/%s/%s-%d", datasetID, jobID, attempt)
}

// TextKey builds the extracted-text artifact key for a dataset.
func TextKey(datasetID string) string {
	return fmt.Sprintf("texts/%s", datasetID)
}

// FSArtifactStore stores artifacts under a root directory on the local
// filesystem.
type FSArtifactStore struct {
	root string
}

// NewFSArtifactStore creates a filesystem artifact store rooted at dir.
func NewFSArtifactStore(dir string) (*FSArtifactStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact store requires a root directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact store root %q: %w", dir, err)
	}
	return &FSArtifactStore{root: dir}, nil
}

// path resolves a key inside the root, rejecting traversal.
func (s *FSArtifactStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("artifact key %q escapes the store root", key)
	}
	return filepath.Join(s.root, clean), nil
}

// Put writes an artifact, creating parent directories as needed.
func (s *FSArtifactStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("artifact mkdir %q: %w", key, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("artifact write %q: %w", key, err)
	}
	return nil
}

// Get reads an artifact.
func (s *FSArtifactStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("artifact %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("artifact read %q: %w", key, err)
	}
	return data, nil
}

// Delete removes an artifact.
func (s *FSArtifactStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("artifact delete %q: %w", key, err)
	}
	return nil
}

var _ ArtifactStore = (*FSArtifactStore)(nil)
