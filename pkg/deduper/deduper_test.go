package deduper

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, contents []byte) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, contents, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestHashFileDeterministic(t *testing.T) {
	a := writeTempFile(t, []byte("hello world"))
	b := writeTempFile(t, []byte("hello world"))
	c := writeTempFile(t, []byte("hello there"))

	digestA, sizeA, err := hashFile(a)
	if err != nil {
		t.Fatalf("hashFile failed: %v", err)
	}
	digestB, sizeB, err := hashFile(b)
	if err != nil {
		t.Fatalf("hashFile failed: %v", err)
	}
	digestC, _, err := hashFile(c)
	if err != nil {
		t.Fatalf("hashFile failed: %v", err)
	}

	if digestA != digestB {
		t.Error("expected identical content to hash identically")
	}
	if digestA == digestC {
		t.Error("expected different content to hash differently")
	}
	if sizeA != int64(len("hello world")) || sizeB != sizeA {
		t.Errorf("unexpected sizes: %d %d", sizeA, sizeB)
	}
}

func TestFilesEqual(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []byte
		expected bool
	}{
		{"identical", []byte("same content here"), []byte("same content here"), true},
		{"different length", []byte("short"), []byte("a much longer string"), false},
		{"same length different content", []byte("aaaaaaaa"), []byte("bbbbbbbb"), false},
		{"both empty", []byte{}, []byte{}, true},
		{"spans multiple buffers", make([]byte, bufSize*2+17), make([]byte, bufSize*2+17), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := writeTempFile(t, tt.a)
			b := writeTempFile(t, tt.b)

			equal, err := filesEqual(a, b)
			if err != nil {
				t.Fatalf("filesEqual failed: %v", err)
			}
			if equal != tt.expected {
				t.Errorf("filesEqual() = %v, want %v", equal, tt.expected)
			}
		})
	}
}

func TestFilesEqualOneByteDifferenceAtBufferBoundary(t *testing.T) {
	a := make([]byte, bufSize+1)
	b := make([]byte, bufSize+1)
	b[bufSize] = 1

	fa := writeTempFile(t, a)
	fb := writeTempFile(t, b)

	equal, err := filesEqual(fa, fb)
	if err != nil {
		t.Fatalf("filesEqual failed: %v", err)
	}
	if equal {
		t.Error("expected files differing in their last byte to compare unequal")
	}
}
