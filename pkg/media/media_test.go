package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// 1x1 transparent PNG.
var pngPixel = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func newStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "media"), maxBytes)
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	return s
}

func TestSaveAndLoadImage(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()

	ref, err := s.Save(ctx, pngPixel)
	if err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if !strings.HasSuffix(ref, ".png") {
		t.Fatalf("ref = %q, want .png extension", ref)
	}
	if !s.Exists(ref) {
		t.Fatal("expected saved ref to exist")
	}

	blob, err := s.Load(ctx, ref)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if blob.MediaType != "image/png" || !blob.IsImage() {
		t.Fatalf("media type = %q", blob.MediaType)
	}
	if len(blob.Data) != len(pngPixel) {
		t.Fatalf("data length = %d, want %d", len(blob.Data), len(pngPixel))
	}
}

func TestSaveTextIsNotImage(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()

	ref, err := s.Save(ctx, []byte("factura proforma"))
	if err != nil {
		t.Fatalf("Save error: %v", err)
	}

	blob, err := s.Load(ctx, ref)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if blob.IsImage() {
		t.Fatalf("media type = %q, expected non-image", blob.MediaType)
	}
}

func TestSaveRejectsOversized(t *testing.T) {
	s := newStore(t, 8)

	_, err := s.Save(context.Background(), pngPixel)
	if !errors.Is(err, ErrMediaTooLarge) {
		t.Fatalf("error = %v, want ErrMediaTooLarge", err)
	}
}

func TestLoadRejectsTraversal(t *testing.T) {
	s := newStore(t, 0)

	outside := filepath.Join(filepath.Dir(s.Root()), "secret.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o600); err != nil {
		t.Fatalf("write outside file: %v", err)
	}

	for _, ref := range []string{"../secret.txt", "a/b.png", "", " x.png", "..", `..\secret.txt`} {
		if _, err := s.Load(context.Background(), ref); !errors.Is(err, ErrInvalidReference) {
			t.Fatalf("Load(%q) error = %v, want ErrInvalidReference", ref, err)
		}
	}
}

func TestLoadMissing(t *testing.T) {
	s := newStore(t, 0)

	_, err := s.Load(context.Background(), "missing.png")
	if !errors.Is(err, ErrMediaNotFound) {
		t.Fatalf("error = %v, want ErrMediaNotFound", err)
	}
	if s.Exists("missing.png") {
		t.Fatal("expected missing ref to not exist")
	}
}
