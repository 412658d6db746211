package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	if path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	// handle cases like ~/.isotope
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// PathExists checks if the given path exists.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// WriteFileAtomic writes data to a temp file in the target directory and renames
// it over path, so readers observe either the old or the new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	_, err := writeAtomic(path, perm, func(w io.Writer) (int64, error) {
		n, err := w.Write(data)
		return int64(n), err
	})
	return err
}

// CopyAtomic streams r into path with the same guarantees as WriteFileAtomic.
// It returns the number of bytes written.
func CopyAtomic(path string, r io.Reader, perm os.FileMode) (int64, error) {
	return writeAtomic(path, perm, func(w io.Writer) (int64, error) { return io.Copy(w, r) })
}

func writeAtomic(path string, perm os.FileMode, fill func(io.Writer) (int64, error)) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temp: %w", err)
	}
	tmp := f.Name()
	ok := false
	defer func() {
		if !ok {
			_ = os.Remove(tmp)
		}
	}()
	n, err := fill(f)
	if err != nil {
		f.Close()
		return n, fmt.Errorf("write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return n, fmt.Errorf("sync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		return n, fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmp, perm); err != nil {
		return n, fmt.Errorf("chmod temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return n, fmt.Errorf("rename: %w", err)
	}
	ok = true
	return n, nil
}
