package sentinel

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
)

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "binary")
	content := []byte("fake binary contents")
	if err := os.WriteFile(path, content, 0o755); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	if want := sha256.Sum256(content); got != want {
		t.Errorf("hash mismatch: got %x, want %x", got, want)
	}
}

func TestHashFileChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "binary")

	if err := os.WriteFile(path, []byte("v1"), 0o755); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	hash1, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile(v1) failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("v2"), 0o755); err != nil {
		t.Fatalf("failed to rewrite file: %v", err)
	}
	hash2, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile(v2) failed: %v", err)
	}

	if hash1 == hash2 {
		t.Error("different contents produced the same hash")
	}
}

func TestHashFileNotFound(t *testing.T) {
	if _, err := HashFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for nonexistent file, got nil")
	}
}
