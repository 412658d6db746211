package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"isotope/internal/engine"
	"isotope/internal/registry"
	"isotope/internal/settings"
	"isotope/internal/store"
	"isotope/pkg/types"
)

// fakeModel streams a fixed reply one fragment per token.
type fakeModel struct {
	id     registry.Identifier
	reply  []string
	err    error
	closed atomic.Bool
	// step, when set, is received from before every token after the first.
	step chan struct{}

	mu      sync.Mutex
	prompts []string
	configs []engine.SamplingConfig
}

func (m *fakeModel) ID() registry.Identifier { return m.id }

func (m *fakeModel) Generate(ctx context.Context, prompt string, cfg engine.SamplingConfig, emit func(engine.Token) error) (engine.Result, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.configs = append(m.configs, cfg)
	m.mu.Unlock()
	if m.err != nil {
		return engine.Result{}, m.err
	}
	start := time.Now()
	var sb strings.Builder
	n := 0
	for i, piece := range m.reply {
		if n >= cfg.MaxTokens {
			break
		}
		if err := ctx.Err(); err != nil {
			return engine.Result{Text: sb.String(), TokenCount: n}, err
		}
		if i > 0 && m.step != nil {
			select {
			case <-m.step:
			case <-ctx.Done():
				return engine.Result{Text: sb.String(), TokenCount: n}, ctx.Err()
			}
		}
		if err := emit(engine.Token{ID: i, Text: piece}); err != nil {
			return engine.Result{Text: sb.String(), TokenCount: n}, err
		}
		sb.WriteString(piece)
		n++
	}
	return engine.Result{Text: sb.String(), TokenCount: n, Elapsed: time.Since(start), FinishReason: engine.FinishStop}, nil
}

func (m *fakeModel) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *fakeModel) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// fakeLoader hands out one fakeModel per load and counts loads.
type fakeLoader struct {
	mu     sync.Mutex
	loads  map[registry.Identifier]int
	fail   map[registry.Identifier]error
	models []*fakeModel
	newFn  func(id registry.Identifier) *fakeModel
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		loads: map[registry.Identifier]int{},
		fail:  map[registry.Identifier]error{},
		newFn: func(id registry.Identifier) *fakeModel {
			return &fakeModel{id: id, reply: []string{"Hel", "lo", "!"}}
		},
	}
}

func (l *fakeLoader) Load(ctx context.Context, id registry.Identifier) (Model, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.loads[id]++
	if err := l.fail[id]; err != nil {
		return nil, err
	}
	m := l.newFn(id)
	l.models = append(l.models, m)
	return m, nil
}

func (l *fakeLoader) Loads(id registry.Identifier) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads[id]
}

func (l *fakeLoader) Last() *fakeModel {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.models) == 0 {
		return nil
	}
	return l.models[len(l.models)-1]
}

type harness struct {
	c        *Coordinator
	loader   *fakeLoader
	sessions *store.Store
	settings *settings.Store
	events   *MemoryPublisher
	dir      string
}

const testSystemPrompt = "You are a test assistant."

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	dir := t.TempDir()
	return openHarness(t, dir, newFakeLoader(), opts...)
}

func openHarness(t *testing.T, dir string, loader *fakeLoader, opts ...func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.Config{Path: filepath.Join(dir, "database.db"), Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	set, err := settings.Open(filepath.Join(dir, "settings.json"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open settings: %v", err)
	}
	pub := NewMemoryPublisher()
	cfg := Config{
		Loader:       loader,
		Sessions:     st,
		Settings:     set,
		SystemPrompt: testSystemPrompt,
		Logger:       zerolog.Nop(),
		Events:       pub,
	}
	for _, o := range opts {
		o(&cfg)
	}
	c, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
		_ = st.Close()
	})
	return &harness{c: c, loader: loader, sessions: st, settings: set, events: pub, dir: dir}
}

// drain reads a stream to the end and returns the token texts and the
// terminal event.
func drain(t *testing.T, events <-chan types.ChatEvent) ([]string, types.ChatEvent) {
	t.Helper()
	var toks []string
	var last types.ChatEvent
	var genID string
	terminal := 0
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if terminal != 1 {
					t.Fatalf("stream closed after %d terminal events", terminal)
				}
				return toks, last
			}
			if genID == "" {
				genID = ev.GenerationID
			}
			if ev.GenerationID == "" || ev.GenerationID != genID {
				t.Fatalf("event for generation %q on stream %q", ev.GenerationID, genID)
			}
			switch ev.Type {
			case types.EventToken:
				if terminal > 0 {
					t.Fatalf("token after terminal event")
				}
				toks = append(toks, ev.Text)
			case types.EventDone, types.EventError:
				terminal++
				last = ev
			}
		case <-timeout:
			t.Fatalf("stream did not finish")
		}
	}
}

func chat(t *testing.T, c *Coordinator, prompt string) ([]string, types.ChatEvent) {
	t.Helper()
	s, err := c.Chat(context.Background(), prompt)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	return drain(t, s)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var errBoom = errors.New("boom")
