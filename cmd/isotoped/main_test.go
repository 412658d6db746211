package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"isotope/internal/store"
	"isotope/pkg/types"
)

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--env-file", "", "--log-level", "off"}, args...))
	if err := root.Execute(); err != nil {
		t.Fatalf("isotoped %v: %v", args, err)
	}
	return out.String()
}

func TestResolveConfigLayers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "isotope.yaml")
	if err := os.WriteFile(path, []byte("addr: \":9000\"\nstream_buffer: 8\nlog_level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	env := map[string]string{"ISOTOPE_STREAM_BUFFER": "16"}
	opts := &rootOptions{configPath: path, dataDir: dir, logLevel: "warn"}
	cfg, err := resolveConfig(opts, func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("addr from file not applied: %q", cfg.Addr)
	}
	if cfg.StreamBuffer != 16 {
		t.Fatalf("env override not applied: %d", cfg.StreamBuffer)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("flag override not applied: %q", cfg.LogLevel)
	}
	if cfg.DBPath != filepath.Join(dir, "database.db") || cfg.SettingsPath != filepath.Join(dir, "settings.json") {
		t.Fatalf("paths not derived from data dir: %+v", cfg)
	}
}

func TestResolveConfigMissingFile(t *testing.T) {
	opts := &rootOptions{configPath: filepath.Join(t.TempDir(), "nope.yaml")}
	if _, err := resolveConfig(opts, func(string) string { return "" }); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestModelsCommandMarksSelection(t *testing.T) {
	out := runCLI(t, "--data-dir", t.TempDir(), "models")
	var found bool
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "SmolLM2-360M") && strings.HasPrefix(line, "*") {
			t.Fatalf("non-default model marked: %q", line)
		}
		if strings.Contains(line, "Llama-3.2-1B") {
			found = true
			if !strings.HasPrefix(line, "*") {
				t.Fatalf("default model not marked: %q", line)
			}
		}
	}
	if !found {
		t.Fatalf("catalog missing default model:\n%s", out)
	}
}

func TestSessionsCommand(t *testing.T) {
	dir := t.TempDir()
	if out := runCLI(t, "--data-dir", dir, "sessions"); !strings.Contains(out, "No sessions yet.") {
		t.Fatalf("unexpected output for empty store: %q", out)
	}

	ctx := context.Background()
	st, err := store.Open(ctx, store.Config{Path: filepath.Join(dir, "database.db"), Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	id, err := st.Create(ctx, "Chat test")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Append(ctx, id, types.Message{Role: types.RoleUser, Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	out := runCLI(t, "--data-dir", dir, "sessions")
	if !strings.Contains(out, "Chat test") || !strings.Contains(out, "MESSAGES") {
		t.Fatalf("session not listed:\n%s", out)
	}
}

func TestPrintStream(t *testing.T) {
	ch := make(chan types.ChatEvent, 4)
	ch <- types.ChatEvent{Type: types.EventToken, GenerationID: "g", Text: "Hel"}
	ch <- types.ChatEvent{Type: types.EventToken, GenerationID: "g", Text: "lo"}
	ch <- types.ChatEvent{Type: types.EventDone, GenerationID: "g", FullText: "Hello"}
	close(ch)
	var buf bytes.Buffer
	if err := printStream(&buf, ch); err != nil {
		t.Fatalf("printStream: %v", err)
	}
	if buf.String() != "Hello\n" {
		t.Fatalf("output=%q", buf.String())
	}

	ch = make(chan types.ChatEvent, 1)
	ch <- types.ChatEvent{Type: types.EventError, GenerationID: "g", Message: "canceled"}
	close(ch)
	if err := printStream(io.Discard, ch); err == nil || !strings.Contains(err.Error(), "canceled") {
		t.Fatalf("expected error event to surface, got %v", err)
	}
}
