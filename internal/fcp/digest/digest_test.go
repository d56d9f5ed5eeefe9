package digest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alxayo/go-fcp/internal/fcp/nasty"
)

func TestOfBytesKnownVectors(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "da39a3ee5e6b4b0d3255bfef95601890afd80709"},
		{"abc", "a9993e364706816aba3e25717850c26c9cd0d89d"},
		{"hello", "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"},
	}
	for _, tc := range cases {
		if got := OfBytes([]byte(tc.in)); got != tc.want {
			t.Fatalf("OfBytes(%q) = %s, want %s", tc.in, got, tc.want)
		}
		if got := OfString(tc.in); got != tc.want {
			t.Fatalf("OfString(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestOfBytesLength(t *testing.T) {
	sum := OfBytes([]byte("anything"))
	if len(sum) != 40 {
		t.Fatalf("digest length %d, want 40", len(sum))
	}
	for _, c := range sum {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			t.Fatalf("digest contains non-hex %q", c)
		}
	}
}

func TestOfFileCleanLayer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	content := []byte("file contents to be hashed end to end")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	fs := nasty.NewFS(0, 1)
	got, err := OfFile(fs, path)
	if err != nil {
		t.Fatalf("OfFile: %v", err)
	}
	if want := OfBytes(content); got != want {
		t.Fatalf("OfFile = %s, want %s", got, want)
	}
}

func TestOfFileEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	fs := nasty.NewFS(0, 1)
	got, err := OfFile(fs, path)
	if err != nil {
		t.Fatalf("OfFile: %v", err)
	}
	if got != "da39a3ee5e6b4b0d3255bfef95601890afd80709" {
		t.Fatalf("empty file digest = %s", got)
	}
}

func TestOfFileMissing(t *testing.T) {
	fs := nasty.NewFS(0, 1)
	if _, err := OfFile(fs, filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
