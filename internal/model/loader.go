package model

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"isotope/internal/engine"
	"isotope/internal/model/llama"
	"isotope/internal/model/tokenizer"
	"isotope/internal/registry"
)

// eosTokens end a turn in the chat templates of the supported families.
var eosTokens = []string{"<|eot_id|>", "<|im_end|>", "</s>"}

// Loader builds Handles. Concurrent loads of the same identifier share one
// download and one weight read.
type Loader struct {
	hub          *Hub
	log          zerolog.Logger
	llamaCtx     int
	llamaThreads int
	engineOpts   []engine.Option
	group        singleflight.Group
}

// LoaderConfig configures NewLoader.
type LoaderConfig struct {
	Hub          *Hub
	Logger       zerolog.Logger
	LlamaCtx     int
	LlamaThreads int
	EngineOpts   []engine.Option
}

// NewLoader constructs a Loader.
func NewLoader(cfg LoaderConfig) *Loader {
	return &Loader{
		hub:          cfg.Hub,
		log:          cfg.Logger,
		llamaCtx:     cfg.LlamaCtx,
		llamaThreads: cfg.LlamaThreads,
		engineOpts:   append([]engine.Option{engine.WithLogger(cfg.Logger)}, cfg.EngineOpts...),
	}
}

// Load fetches and initializes the model for id. Every failure is a
// *ModelLoadError.
func (l *Loader) Load(ctx context.Context, id registry.Identifier) (*Handle, error) {
	ch := l.group.DoChan(id.Repo(), func() (any, error) {
		// Detached so one impatient caller does not fail the shared load.
		return l.load(context.WithoutCancel(ctx), id)
	})
	select {
	case <-ctx.Done():
		go l.discard(id, ch)
		return nil, &ModelLoadError{ID: id, Op: OpFetch, Err: ctx.Err()}
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Handle), nil
	}
}

// discard waits out a load its caller gave up on and closes the handle unless
// another caller shared the result.
func (l *Loader) discard(id registry.Identifier, ch <-chan singleflight.Result) {
	r := <-ch
	if r.Err != nil || r.Shared {
		return
	}
	if err := r.Val.(*Handle).Close(); err != nil {
		l.log.Warn().Err(err).Str("model", id.String()).Msg("close abandoned model")
		return
	}
	l.log.Debug().Str("model", id.String()).Msg("closed abandoned model load")
}

func (l *Loader) load(ctx context.Context, id registry.Identifier) (h *Handle, err error) {
	ctx, span := otel.Tracer("isotope/model").Start(ctx, "model.load")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	e, ok := registry.Lookup(id)
	if !ok {
		return nil, &ModelLoadError{ID: id, Op: OpLookup, Err: fmt.Errorf("identifier %d not in catalog", id)}
	}
	span.SetAttributes(attribute.String("repo", e.Repo), attribute.String("backend", e.Backend.String()))
	if e.Gated && l.hub.Token == "" {
		return nil, &ModelLoadError{ID: id, Op: OpAuth, Err: missingTokenError{repo: e.Repo}}
	}
	log := l.log.With().Str("model", e.Name).Logger()
	log.Info().Str("repo", e.Repo).Str("backend", e.Backend.String()).Msg("loading model")

	switch e.Backend {
	case registry.BackendNative:
		h, err = l.loadNative(ctx, e)
	case registry.BackendLlamaCpp:
		h, err = l.loadLlamaCpp(ctx, e)
	default:
		err = &ModelLoadError{ID: id, Op: OpRuntime, Err: fmt.Errorf("unknown backend %d", e.Backend)}
	}
	if err != nil {
		log.Error().Err(err).Msg("model load failed")
		return nil, err
	}
	log.Info().Msg("model ready")
	return h, nil
}

func (l *Loader) loadNative(ctx context.Context, e registry.Entry) (*Handle, error) {
	fail := func(op string, err error) (*Handle, error) {
		return nil, &ModelLoadError{ID: e.ID, Op: op, Err: err}
	}
	cfgPath, err := l.hub.Fetch(ctx, e, "config.json")
	if err != nil {
		return fail(OpFetch, err)
	}
	tokPath, err := l.hub.Fetch(ctx, e, "tokenizer.json")
	if err != nil {
		return fail(OpFetch, err)
	}
	weightsPath, err := l.hub.Fetch(ctx, e, e.Weights)
	if err != nil {
		return fail(OpFetch, err)
	}
	if e.Sharded {
		shards, err := readShardNames(weightsPath)
		if err != nil {
			return fail(OpWeights, err)
		}
		for _, s := range shards {
			if _, err := l.hub.Fetch(ctx, e, path.Join(path.Dir(e.Weights), s)); err != nil {
				return fail(OpFetch, err)
			}
		}
	}

	cfg, err := llama.ReadConfig(cfgPath)
	if err != nil {
		return fail(OpConfig, err)
	}
	tok, err := tokenizer.Load(tokPath)
	if err != nil {
		return fail(OpTokenizer, err)
	}
	var src llama.Source
	if e.Sharded {
		src, err = llama.OpenIndex(weightsPath)
	} else {
		src, err = llama.OpenSafetensors(weightsPath)
	}
	if err != nil {
		return fail(OpWeights, err)
	}
	m, err := llama.Load(cfg, src)
	if cerr := src.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return fail(OpWeights, err)
	}
	eos := eosIDs(tok, cfg)
	if len(eos) == 0 {
		l.log.Warn().Str("model", e.Name).Msg("no end-of-sequence token found; generation stops at max_tokens only")
	}
	return NewNativeHandle(e.ID, engine.New(m, tok, eos, l.engineOpts...)), nil
}

// eosIDs merges the chat end tokens known to the tokenizer with the ids from
// config.json.
func eosIDs(tok *tokenizer.Tokenizer, cfg llama.Config) []int {
	seen := map[int]bool{}
	var out []int
	add := func(id int) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, s := range eosTokens {
		if id, ok := tok.TokenID(s); ok {
			add(id)
		}
	}
	for _, id := range cfg.EOSTokenID {
		add(id)
	}
	return out
}

func readShardNames(indexPath string) ([]string, error) {
	b, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, err
	}
	var idx struct {
		WeightMap map[string]string `json:"weight_map"`
	}
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	if len(idx.WeightMap) == 0 {
		return nil, fmt.Errorf("index %s has an empty weight_map", indexPath)
	}
	return llama.ShardNames(idx.WeightMap), nil
}

func (l *Loader) loadLlamaCpp(ctx context.Context, e registry.Entry) (*Handle, error) {
	if !llamaBuilt {
		return nil, &ModelLoadError{ID: e.ID, Op: OpRuntime, Err: ErrDependencyUnavailable("llama.cpp support not built (missing 'llama' build tag)")}
	}
	p, err := l.hub.Fetch(ctx, e, e.Weights)
	if err != nil {
		return nil, &ModelLoadError{ID: e.ID, Op: OpFetch, Err: err}
	}
	m, err := openLlamaCpp(p, l.llamaCtx, l.llamaThreads)
	if err != nil {
		return nil, &ModelLoadError{ID: e.ID, Op: OpRuntime, Err: err}
	}
	return &Handle{id: e.ID, kind: KindLlamaCpp, cpp: m}, nil
}
