// Package media stores chat attachments on disk behind opaque references.
package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const defaultMaxBytes int64 = 20 << 20

var (
	ErrMediaNotFound    = errors.New("media not found")
	ErrMediaTooLarge    = errors.New("media exceeds size limit")
	ErrInvalidReference = errors.New("invalid media reference")
)

// Blob is one loaded attachment.
type Blob struct {
	Ref       string
	MediaType string
	Data      []byte
}

// IsImage reports whether the blob can be inlined as an image for a vision
// model.
func (b Blob) IsImage() bool {
	return strings.HasPrefix(b.MediaType, "image/")
}

// Store keeps blobs as flat files under one root directory.
type Store struct {
	root     string
	maxBytes int64
}

// NewStore resolves dir (expanding ~) and creates it when missing.
func NewStore(dir string, maxBytes int64) (*Store, error) {
	root, err := resolveRoot(dir)
	if err != nil {
		return nil, err
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	return &Store{root: root, maxBytes: maxBytes}, nil
}

func (s *Store) Root() string {
	return s.root
}

// Save writes data under a fresh reference. The reference is a uuid plus the
// extension detected from content; the caller's filename is never used on
// disk.
func (s *Store) Save(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", errors.New("media is empty")
	}
	if int64(len(data)) > s.maxBytes {
		return "", fmt.Errorf("%w: %d bytes (limit is %d)", ErrMediaTooLarge, len(data), s.maxBytes)
	}

	ref := uuid.NewString() + mimetype.Detect(data).Extension()
	path := filepath.Join(s.root, ref)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write media %s: %w", ref, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("commit media %s: %w", ref, err)
	}

	return ref, nil
}

// Load reads a previously saved blob and sniffs its media type.
func (s *Store) Load(ctx context.Context, ref string) (Blob, error) {
	if err := ctx.Err(); err != nil {
		return Blob{}, err
	}

	path, err := s.resolve(ref)
	if err != nil {
		return Blob{}, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Blob{}, fmt.Errorf("%w: %s", ErrMediaNotFound, ref)
	}
	if err != nil {
		return Blob{}, fmt.Errorf("read media %s: %w", ref, err)
	}

	return Blob{
		Ref:       ref,
		MediaType: mimetype.Detect(data).String(),
		Data:      data,
	}, nil
}

// Exists reports whether ref names a stored blob.
func (s *Store) Exists(ref string) bool {
	path, err := s.resolve(ref)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// resolve maps a reference to its file, refusing anything that is not a
// plain base name inside the root.
func (s *Store) resolve(ref string) (string, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" || trimmed != ref || trimmed == "." || trimmed == ".." ||
		strings.ContainsAny(trimmed, `/\`) || filepath.Base(trimmed) != trimmed {
		return "", fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}

	path := filepath.Join(s.root, trimmed)
	if !isWithin(s.root, path) {
		return "", fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	return path, nil
}

func resolveRoot(dir string) (string, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return "", errors.New("media directory is required")
	}

	expanded, err := expandHome(trimmed)
	if err != nil {
		return "", err
	}

	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve absolute media path: %w", err)
	}

	cleanPath := filepath.Clean(absPath)
	if err := os.MkdirAll(cleanPath, 0o755); err != nil {
		return "", fmt.Errorf("create media directory: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(cleanPath)
	if err != nil {
		return "", fmt.Errorf("resolve media directory: %w", err)
	}

	return filepath.Clean(resolved), nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func isWithin(root string, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || rel == ".." {
		return false
	}
	if strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}

	return !filepath.IsAbs(rel)
}
