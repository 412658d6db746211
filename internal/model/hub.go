package model

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"isotope/internal/common/fsutil"
	"isotope/internal/registry"
)

// Hub downloads repository files from a Hugging Face compatible endpoint into
// a local cache laid out as <CacheDir>/<owner--name>/<revision>/<file>.
type Hub struct {
	Endpoint string
	Revision string
	CacheDir string
	Token    string
	Client   *http.Client
	Log      zerolog.Logger
}

// Path is where file of e is cached.
func (h *Hub) Path(e registry.Entry, file string) string {
	return filepath.Join(e.CacheDir(h.CacheDir, h.revision()), filepath.FromSlash(file))
}

func (h *Hub) revision() string {
	if h.Revision == "" {
		return "main"
	}
	return h.Revision
}

func (h *Hub) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return http.DefaultClient
}

// URL is the resolve URL for file of e.
func (h *Hub) URL(e registry.Entry, file string) string {
	base := strings.TrimRight(h.Endpoint, "/")
	return base + "/" + e.Repo + "/resolve/" + url.PathEscape(h.revision()) + "/" + file
}

// Fetch returns the local path of file, downloading it first when it is not
// cached. Downloads land in a temp file that is renamed into place once
// complete.
func (h *Hub) Fetch(ctx context.Context, e registry.Entry, file string) (string, error) {
	dst := h.Path(e, file)
	if fi, err := os.Stat(dst); err == nil && !fi.IsDir() {
		return dst, nil
	}
	u := h.URL(e, file)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}
	start := time.Now()
	h.Log.Info().Str("repo", e.Repo).Str("file", file).Msg("downloading")
	resp, err := h.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("get %s: %w", file, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", hubStatusError{status: resp.StatusCode, url: u}
	}
	n, err := fsutil.CopyAtomic(dst, resp.Body, 0o644)
	if err != nil {
		return "", fmt.Errorf("store %s: %w", file, err)
	}
	h.Log.Info().Str("repo", e.Repo).Str("file", file).Int64("bytes", n).Dur("elapsed", time.Since(start)).Msg("downloaded")
	return dst, nil
}
