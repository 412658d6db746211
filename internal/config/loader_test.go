package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadFormats(t *testing.T) {
	cases := []struct {
		file    string
		content string
		want    Config
	}{
		{
			file:    "cfg.yaml",
			content: "addr: :9999\ndata_dir: /tmp/iso\nstream_buffer: 16\nsystem_prompt: be brief\n",
			want:    Config{Addr: ":9999", DataDir: "/tmp/iso", StreamBuffer: 16, SystemPrompt: "be brief"},
		},
		{
			file:    "cfg.json",
			content: `{"addr":":7070","db_path":"/m/db.sqlite","max_open_conns":2,"cors_enabled":true,"cors_allowed_origins":["http://localhost:1420"]}`,
			want:    Config{Addr: ":7070", DBPath: "/m/db.sqlite", MaxOpenConns: 2, CORSEnabled: true, CORSAllowedOrigins: []string{"http://localhost:1420"}},
		},
		{
			file:    "cfg.toml",
			content: "addr=\":8081\"\nhub_revision=\"v2\"\nllama_threads=8\nlog_level=\"debug\"\n",
			want:    Config{Addr: ":8081", HubRevision: "v2", LlamaThreads: 8, LogLevel: "debug"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.file, func(t *testing.T) {
			cfg, err := Load(writeTempFile(t, t.TempDir(), tc.file, tc.content))
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if diff := cmp.Diff(tc.want, cfg); diff != "" {
				t.Fatalf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadRejects(t *testing.T) {
	d := t.TempDir()
	cases := map[string]string{
		"empty path":   "",
		"missing file": filepath.Join(d, "nope.yaml"),
		"extension":    writeTempFile(t, d, "cfg.txt", "not supported"),
		"yaml":         writeTempFile(t, d, "bad.yaml", "addr: :8080\n: broken\n"),
		"json":         writeTempFile(t, d, "bad.json", `{ "addr": ":8080", "data_dir": }`),
		"toml":         writeTempFile(t, d, "bad.toml", "addr=:8080\ndata_dir\n"),
	}
	for name, p := range cases {
		if _, err := Load(p); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestTokenNeverReadFromFile(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.json", `{"HFToken":"leak","hf_token":"leak"}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HFToken != "" {
		t.Fatalf("token must only come from the environment, got %q", cfg.HFToken)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	in := Config{Addr: ":1", StreamBuffer: 3, CORSAllowedOrigins: []string{"a"}}
	for _, ext := range []string{".json", ".yaml", ".toml"} {
		b, err := Marshal(ext, in)
		if err != nil {
			t.Fatalf("%s marshal: %v", ext, err)
		}
		var out Config
		if err := Unmarshal(ext, b, &out); err != nil {
			t.Fatalf("%s unmarshal: %v", ext, err)
		}
		if diff := cmp.Diff(in, out); diff != "" {
			t.Fatalf("%s mismatch (-want +got):\n%s", ext, diff)
		}
	}
	if _, err := Marshal(".ini", in); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
}

func TestWithDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Config{DataDir: dir}.WithDefaults()
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if cfg.Addr != DefaultAddr || cfg.HubEndpoint != DefaultHubEndpoint || cfg.HubRevision != DefaultHubRevision {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.DBPath != filepath.Join(dir, "database.db") || cfg.SettingsPath != filepath.Join(dir, "settings.json") || cfg.HubCacheDir != filepath.Join(dir, "hub") {
		t.Fatalf("unexpected derived paths: %+v", cfg)
	}
	if cfg.StreamBuffer != DefaultStreamBuffer || cfg.MaxOpenConns != DefaultMaxOpenConns || cfg.SystemPrompt != DefaultSystemPrompt || cfg.LogLevel != "info" {
		t.Fatalf("unexpected scalar defaults: %+v", cfg)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"ISOTOPE_ADDR":          ":1234",
		"ISOTOPE_STREAM_BUFFER": "8",
		"ISOTOPE_LLAMA_THREADS": "not-a-number",
		"HF_TOKEN":              "hf_abc",
	}
	cfg := Config{LlamaThreads: 3}.ApplyEnv(func(k string) string { return env[k] })
	if cfg.Addr != ":1234" || cfg.StreamBuffer != 8 || cfg.HFToken != "hf_abc" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.LlamaThreads != 3 {
		t.Fatalf("invalid number should be ignored, got %d", cfg.LlamaThreads)
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, ".env", "ISOTOPE_TEST_DOTENV_A=from-file\nISOTOPE_TEST_DOTENV_B=from-file\n")
	t.Setenv("ISOTOPE_TEST_DOTENV_A", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("ISOTOPE_TEST_DOTENV_B") })
	if err := LoadDotEnv(p, filepath.Join(d, "missing.env")); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("ISOTOPE_TEST_DOTENV_A"); got != "from-env" {
		t.Fatalf("existing variable overridden: %q", got)
	}
	if got := os.Getenv("ISOTOPE_TEST_DOTENV_B"); got != "from-file" {
		t.Fatalf("variable not loaded: %q", got)
	}
}
