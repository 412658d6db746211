package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", home)
	}
	cases := map[string]string{
		"":             "",
		"/tmp":         "/tmp",
		"~":            home,
		"~/models/llm": filepath.Join(home, "models", "llm"),
	}
	for in, want := range cases {
		got, err := ExpandHome(in)
		if err != nil {
			t.Fatalf("ExpandHome(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ExpandHome(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "nested", "settings.json")
	if err := WriteFileAtomic(p, []byte("one"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteFileAtomic(p, []byte("two"), 0o644); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != "two" {
		t.Fatalf("content=%q", b)
	}
	entries, err := os.ReadDir(filepath.Dir(p))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}

type failingReader struct{ n int }

func (r *failingReader) Read(p []byte) (int, error) {
	if r.n == 0 {
		return 0, errors.New("connection reset")
	}
	r.n--
	p[0] = 'x'
	return 1, nil
}

func TestCopyAtomicLeavesNoPartialFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "model.safetensors")
	if _, err := CopyAtomic(p, &failingReader{n: 3}, 0o644); err == nil {
		t.Fatalf("expected copy error")
	}
	if PathExists(p) {
		t.Fatalf("partial download must not be visible")
	}
	entries, _ := os.ReadDir(filepath.Dir(p))
	if len(entries) != 0 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
	n, err := CopyAtomic(p, strings.NewReader("weights"), 0o644)
	if err != nil || n != 7 {
		t.Fatalf("copy: n=%d err=%v", n, err)
	}
}
