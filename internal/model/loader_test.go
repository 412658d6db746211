package model

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"isotope/internal/engine"
	"isotope/internal/registry"
)

const tinyTokenizer = `{
  "added_tokens": [{"id": 8, "content": "<|im_end|>", "special": true}],
  "pre_tokenizer": {"type": "ByteLevel", "add_prefix_space": false, "use_regex": true},
  "decoder": {"type": "ByteLevel"},
  "model": {"type": "BPE", "vocab": {"a":0,"b":1,"c":2,"d":3,"e":4,"f":5,"g":6,"h":7}, "merges": []}
}`

const tinyConfig = `{
  "hidden_size": 8, "intermediate_size": 12, "num_hidden_layers": 1,
  "num_attention_heads": 2, "num_key_value_heads": 1, "vocab_size": 9,
  "rms_norm_eps": 1e-5, "rope_theta": 10000, "max_position_embeddings": 128,
  "tie_word_embeddings": true, "eos_token_id": 8
}`

// tinySafetensors serializes random F32 weights for tinyConfig.
func tinySafetensors(t *testing.T) []byte {
	t.Helper()
	r := rand.New(rand.NewPCG(5, 6))
	shapes := []struct {
		name  string
		shape []int
	}{
		{"model.embed_tokens.weight", []int{9, 8}},
		{"model.norm.weight", []int{8}},
		{"model.layers.0.input_layernorm.weight", []int{8}},
		{"model.layers.0.self_attn.q_proj.weight", []int{8, 8}},
		{"model.layers.0.self_attn.k_proj.weight", []int{4, 8}},
		{"model.layers.0.self_attn.v_proj.weight", []int{4, 8}},
		{"model.layers.0.self_attn.o_proj.weight", []int{8, 8}},
		{"model.layers.0.post_attention_layernorm.weight", []int{8}},
		{"model.layers.0.mlp.gate_proj.weight", []int{12, 8}},
		{"model.layers.0.mlp.up_proj.weight", []int{12, 8}},
		{"model.layers.0.mlp.down_proj.weight", []int{8, 12}},
	}
	header := map[string]any{}
	var body []byte
	for _, sp := range shapes {
		n := 1
		for _, d := range sp.shape {
			n *= d
		}
		start := len(body)
		for i := 0; i < n; i++ {
			body = binary.LittleEndian.AppendUint32(body, math.Float32bits(float32(r.NormFloat64()*0.5)))
		}
		header[sp.name] = map[string]any{"dtype": "F32", "shape": sp.shape, "data_offsets": []int{start, len(body)}}
	}
	hb, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out := binary.LittleEndian.AppendUint64(nil, uint64(len(hb)))
	return append(append(out, hb...), body...)
}

type fakeHub struct {
	srv      *httptest.Server
	requests atomic.Int64
	auth     atomic.Value
}

func newFakeHub(t *testing.T, files map[string][]byte) *fakeHub {
	t.Helper()
	h := &fakeHub{}
	h.auth.Store("")
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.requests.Add(1)
		h.auth.Store(r.Header.Get("Authorization"))
		for suffix, body := range files {
			if strings.HasSuffix(r.URL.Path, "/resolve/main/"+suffix) {
				_, _ = w.Write(body)
				return
			}
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func newTestLoader(t *testing.T, endpoint, token string) (*Loader, string) {
	t.Helper()
	cache := t.TempDir()
	hub := &Hub{Endpoint: endpoint, Revision: "main", CacheDir: cache, Token: token, Log: zerolog.Nop()}
	return NewLoader(LoaderConfig{Hub: hub, Logger: zerolog.Nop(), LlamaCtx: 512, LlamaThreads: 1}), cache
}

func TestLoadNativeEndToEnd(t *testing.T) {
	hub := newFakeHub(t, map[string][]byte{
		"config.json":       []byte(tinyConfig),
		"tokenizer.json":    []byte(tinyTokenizer),
		"model.safetensors": tinySafetensors(t),
	})
	l, cache := newTestLoader(t, hub.srv.URL, "")
	h, err := l.Load(context.Background(), registry.SmolLM2_135MInstruct)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer h.Close()
	if h.Kind() != KindNative || h.ID() != registry.SmolLM2_135MInstruct {
		t.Fatalf("unexpected handle kind=%s id=%s", h.Kind(), h.ID())
	}
	if got := hub.requests.Load(); got != 3 {
		t.Fatalf("expected 3 downloads, got %d", got)
	}
	if _, err := os.Stat(filepath.Join(cache, "HuggingFaceTB--SmolLM2-135M-Instruct", "main", "model.safetensors")); err != nil {
		t.Fatalf("weights not cached: %v", err)
	}

	var streamed strings.Builder
	cfg := engine.SamplingConfig{Temperature: 0, MaxTokens: 5, RepeatPenalty: 1}
	res, err := h.Generate(context.Background(), "abc", cfg, func(tk engine.Token) error {
		streamed.WriteString(tk.Text)
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.TokenCount == 0 || res.TokenCount > 5 {
		t.Fatalf("token count %d", res.TokenCount)
	}
	if streamed.String() != res.Text {
		t.Fatalf("streamed %q, result %q", streamed.String(), res.Text)
	}

	// A second load is served entirely from the cache.
	h2, err := l.Load(context.Background(), registry.SmolLM2_135MInstruct)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	defer h2.Close()
	if got := hub.requests.Load(); got != 3 {
		t.Fatalf("cached files were fetched again: %d requests", got)
	}
}

func TestLoadGatedWithoutTokenFailsBeforeIO(t *testing.T) {
	hub := newFakeHub(t, nil)
	l, _ := newTestLoader(t, hub.srv.URL, "")
	_, err := l.Load(context.Background(), registry.Llama32_1BInstruct)
	if !IsModelLoad(err) || !IsMissingToken(err) {
		t.Fatalf("expected missing token load error, got %v", err)
	}
	var le *ModelLoadError
	if !errors.As(err, &le) || le.Op != OpAuth || le.ID != registry.Llama32_1BInstruct {
		t.Fatalf("unexpected load error %+v", le)
	}
	if hub.requests.Load() != 0 {
		t.Fatalf("no request may be sent without a token")
	}
}

func TestLoadSendsBearerToken(t *testing.T) {
	hub := newFakeHub(t, nil)
	l, _ := newTestLoader(t, hub.srv.URL, "hf_secret")
	_, err := l.Load(context.Background(), registry.Llama32_1BInstruct)
	if !IsModelLoad(err) {
		t.Fatalf("expected load error, got %v", err)
	}
	if status, ok := IsHubStatus(err); !ok || status != http.StatusNotFound {
		t.Fatalf("expected hub 404, got %v", err)
	}
	if got := hub.auth.Load().(string); got != "Bearer hf_secret" {
		t.Fatalf("authorization header %q", got)
	}
}

func TestLoadLlamaCppWithoutTag(t *testing.T) {
	if llamaBuilt {
		t.Skip("built with llama support")
	}
	hub := newFakeHub(t, nil)
	l, _ := newTestLoader(t, hub.srv.URL, "")
	_, err := l.Load(context.Background(), registry.TinyLlama1_1BChatGGUF)
	if !IsModelLoad(err) || !IsDependencyUnavailable(err) {
		t.Fatalf("expected dependency unavailable, got %v", err)
	}
	if hub.requests.Load() != 0 {
		t.Fatalf("gguf must not be downloaded when llama.cpp is unavailable")
	}
}

func TestLoadReportsBadWeights(t *testing.T) {
	hub := newFakeHub(t, map[string][]byte{
		"config.json":       []byte(tinyConfig),
		"tokenizer.json":    []byte(tinyTokenizer),
		"model.safetensors": []byte("garbage"),
	})
	l, _ := newTestLoader(t, hub.srv.URL, "")
	_, err := l.Load(context.Background(), registry.SmolLM2_360MInstruct)
	var le *ModelLoadError
	if !errors.As(err, &le) || le.Op != OpWeights {
		t.Fatalf("expected weights stage failure, got %v", err)
	}
}

func TestLoadCanceledContext(t *testing.T) {
	hub := newFakeHub(t, nil)
	l, _ := newTestLoader(t, hub.srv.URL, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Load(ctx, registry.SmolLM2_1_7BInstruct); !IsModelLoad(err) {
		t.Fatalf("expected load error, got %v", err)
	}
}

// lockedBuffer collects log output written from other goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLoadAbandonedByCallerIsClosed(t *testing.T) {
	files := map[string][]byte{
		"config.json":       []byte(tinyConfig),
		"tokenizer.json":    []byte(tinyTokenizer),
		"model.safetensors": tinySafetensors(t),
	}
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-gate
		for suffix, body := range files {
			if strings.HasSuffix(r.URL.Path, "/resolve/main/"+suffix) {
				_, _ = w.Write(body)
				return
			}
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	var logs lockedBuffer
	hub := &Hub{Endpoint: srv.URL, Revision: "main", CacheDir: t.TempDir(), Log: zerolog.Nop()}
	l := NewLoader(LoaderConfig{Hub: hub, Logger: zerolog.New(&logs).Level(zerolog.DebugLevel), LlamaCtx: 512, LlamaThreads: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Load(ctx, registry.SmolLM2_135MInstruct); !IsModelLoad(err) {
		t.Fatalf("expected load error, got %v", err)
	}
	close(gate)

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(logs.String(), "closed abandoned model load") {
		if time.Now().After(deadline) {
			t.Fatalf("abandoned handle never closed; logs:\n%s", logs.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandleCloseTwice(t *testing.T) {
	h := NewNativeHandle(registry.Default, nil)
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestLlamaSeedIsNonNegative(t *testing.T) {
	for _, seed := range []uint64{0, 42, math.MaxInt32, math.MaxInt32 + 1, 1 << 63, math.MaxUint64} {
		if got := llamaSeed(seed); got < 0 || got > math.MaxInt32 {
			t.Fatalf("llamaSeed(%d) = %d", seed, got)
		}
	}
	if llamaSeed(42) != 42 || llamaSeed(1<<63|42) != 42 {
		t.Fatalf("seed must keep its low bits")
	}
}

func TestHubURLAndPath(t *testing.T) {
	h := &Hub{Endpoint: "https://hub.example/", CacheDir: "/cache"}
	e := registry.MustLookup(registry.TinyLlama1_1BChat)
	if got := h.URL(e, "config.json"); got != "https://hub.example/TinyLlama/TinyLlama-1.1B-Chat-v1.0/resolve/main/config.json" {
		t.Fatalf("url %q", got)
	}
	want := filepath.Join("/cache", "TinyLlama--TinyLlama-1.1B-Chat-v1.0", "main", "config.json")
	if got := h.Path(e, "config.json"); got != want {
		t.Fatalf("path %q want %q", got, want)
	}
}

func TestEOSIDsMergesTokenizerAndConfig(t *testing.T) {
	hub := newFakeHub(t, map[string][]byte{
		"config.json":       []byte(strings.Replace(tinyConfig, `"eos_token_id": 8`, `"eos_token_id": [8, 3]`, 1)),
		"tokenizer.json":    []byte(tinyTokenizer),
		"model.safetensors": tinySafetensors(t),
	})
	l, _ := newTestLoader(t, hub.srv.URL, "")
	h, err := l.Load(context.Background(), registry.SmolLM2_135MInstruct)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, id := range []int{8, 3} {
		if !h.native.IsEOS(id) {
			t.Fatalf("id %d should end generation", id)
		}
	}
	if h.native.IsEOS(0) {
		t.Fatalf("id 0 is not an end token")
	}
}
