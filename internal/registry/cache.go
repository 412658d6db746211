package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"isotope/internal/common/fsutil"
)

// CacheKey is the directory name used for a repository inside the hub cache.
func (e Entry) CacheKey() string {
	return strings.ReplaceAll(e.Repo, "/", "--")
}

// CacheDir returns the directory holding the files of e at revision.
func (e Entry) CacheDir(root, revision string) string {
	return filepath.Join(root, e.CacheKey(), revision)
}

// ScanCache reports which catalog entries already have their weight file in the
// hub cache rooted at dir. A missing cache directory is not an error.
func ScanCache(dir, revision string) (map[Identifier]bool, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	out := make(map[Identifier]bool, len(catalog))
	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}
	present := make(map[string]bool, len(entries))
	for _, de := range entries {
		if de.IsDir() {
			present[de.Name()] = true
		}
	}
	for _, e := range catalog {
		if !present[e.CacheKey()] {
			continue
		}
		fi, err := os.Stat(filepath.Join(e.CacheDir(abs, revision), e.Weights))
		out[e.ID] = err == nil && !fi.IsDir()
	}
	return out, nil
}
