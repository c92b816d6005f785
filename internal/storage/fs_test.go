package storage

import (
	"context"
	"testing"
)

func TestFilesystemRoundTrip(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("new filesystem: %v", err)
	}

	ctx := context.Background()
	if err := fs.Put(ctx, "gate-1/2026-03-02/asha.jpg", []byte("jpeg-bytes")); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := fs.Get(ctx, "gate-1/2026-03-02/asha.jpg")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != "jpeg-bytes" {
		t.Errorf("unexpected data %q", data)
	}
}

func TestFilesystemRejectsEscapingKeys(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("new filesystem: %v", err)
	}

	ctx := context.Background()
	for _, key := range []string{"../outside", "/etc/passwd", "a/../../b"} {
		if err := fs.Put(ctx, key, []byte("x")); err == nil {
			t.Errorf("key %q must be rejected", key)
		}
	}
}

func TestFilesystemGetMissing(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("new filesystem: %v", err)
	}
	if _, err := fs.Get(context.Background(), "nope.jpg"); err == nil {
		t.Error("missing object must be an error")
	}
}
