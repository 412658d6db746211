// Package engine implements autoregressive generation over a causal language
// model: context windowing against a KV cache, repeat penalty, sampling and
// incremental detokenization. It knows nothing about sessions or transport.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Cache is the per-call key/value attention state of a model. It is owned by a
// single Generate call and discarded when the call returns.
type Cache interface {
	// Len returns the number of positions already stored.
	Len() int
}

// Model is a causal LM forward pass.
type Model interface {
	// NewCache allocates an empty cache shaped for this model.
	NewCache() Cache
	// Forward runs tokens starting at position pos and returns the logits of
	// the last position. The cache is extended with the new positions.
	Forward(ctx context.Context, tokens []int, pos int, cache Cache) ([]float32, error)
	// VocabSize is the length of the logits returned by Forward.
	VocabSize() int
}

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string, addSpecial bool) ([]int, error)
	Decode(ids []int, skipSpecial bool) (string, error)
}

// Token is one streamed step.
type Token struct {
	ID   int
	Text string // decoded fragment, may be empty while a rune is incomplete
}

// Finish reasons reported in Result.
const (
	FinishStop   = "stop"
	FinishLength = "length"
)

// Result summarizes a completed generation.
type Result struct {
	Text         string
	TokenCount   int
	Elapsed      time.Duration
	FinishReason string
}

// Engine runs generation for one loaded model. It is safe for concurrent use
// as long as Model and Tokenizer are; every call owns its own cache and sampler.
type Engine struct {
	model     Model
	tokenizer Tokenizer
	eos       map[int]struct{}
	noCache   bool
	log       zerolog.Logger
}

// Option tweaks an Engine.
type Option func(*Engine)

// WithoutCache feeds the full buffer at every step instead of reusing the KV
// cache. Only useful to validate a cache implementation.
func WithoutCache() Option { return func(e *Engine) { e.noCache = true } }

// WithLogger installs a logger.
func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

// New constructs an Engine. eos lists the ids that end a generation.
func New(model Model, tok Tokenizer, eos []int, opts ...Option) *Engine {
	e := &Engine{
		model:     model,
		tokenizer: tok,
		eos:       make(map[int]struct{}, len(eos)),
		log:       zerolog.Nop(),
	}
	for _, id := range eos {
		e.eos[id] = struct{}{}
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Encode tokenizes a formatted prompt.
func (e *Engine) Encode(prompt string) ([]int, error) {
	ids, err := e.tokenizer.Encode(prompt, true)
	if err != nil {
		return nil, ErrEncoding(err)
	}
	return ids, nil
}

// IsEOS reports whether id ends a generation.
func (e *Engine) IsEOS(id int) bool {
	_, ok := e.eos[id]
	return ok
}

// Generate samples up to cfg.MaxTokens tokens after prompt. Each token is passed
// to emit before the next forward pass; an emit error aborts the call. The
// context is checked once per token.
func (e *Engine) Generate(ctx context.Context, prompt []int, cfg SamplingConfig, emit func(Token) error) (Result, error) {
	start := time.Now()
	if cfg.MaxTokens <= 0 {
		return Result{FinishReason: FinishLength}, nil
	}
	ctx, span := otel.Tracer("isotope/engine").Start(ctx, "engine.generate")
	defer span.End()

	sampler := NewSampler(cfg)
	span.SetAttributes(
		attribute.Int("prompt_tokens", len(prompt)),
		attribute.Int("max_tokens", cfg.MaxTokens),
		attribute.String("strategy", sampler.Strategy().String()),
	)

	buf := make([]int, len(prompt), len(prompt)+cfg.MaxTokens)
	copy(buf, prompt)
	var out []int
	stream := newDecodeStream(e.tokenizer)
	cache := e.model.NewCache()
	res := Result{FinishReason: FinishLength}

	fail := func(err error) (Result, error) {
		res.Elapsed = time.Since(start)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	for step := 0; step < cfg.MaxTokens; step++ {
		if err := ctx.Err(); err != nil {
			return fail(fmt.Errorf("generation aborted: %w", err))
		}
		var input []int
		pos := 0
		if !e.noCache && res.TokenCount > 0 {
			input = buf[len(buf)-1:]
			pos = len(buf) - 1
		} else {
			input = buf
			if e.noCache {
				cache = e.model.NewCache()
			}
		}
		logits, err := e.model.Forward(ctx, input, pos, cache)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return fail(fmt.Errorf("generation aborted: %w", err))
			}
			return fail(inferenceError{step: step, err: err})
		}
		if n := e.model.VocabSize(); n > 0 && len(logits) != n {
			return fail(inferenceError{step: step, err: fmt.Errorf("logits length %d, vocab size %d", len(logits), n)})
		}
		if cfg.RepeatPenalty != 1 {
			ApplyRepeatPenalty(logits, cfg.RepeatPenalty, penaltyWindow(buf, cfg.RepeatLastN))
		}
		next, err := sampler.Sample(logits)
		if err != nil {
			return fail(inferenceError{step: step, err: err})
		}
		res.TokenCount++
		buf = append(buf, next)
		if e.IsEOS(next) {
			res.FinishReason = FinishStop
			break
		}
		out = append(out, next)
		frag, err := stream.next(next)
		if err != nil {
			return fail(err)
		}
		if err := emit(Token{ID: next, Text: frag}); err != nil {
			return fail(err)
		}
	}

	if rest, err := stream.rest(); err != nil {
		return fail(err)
	} else if rest != "" {
		if err := emit(Token{ID: -1, Text: rest}); err != nil {
			return fail(err)
		}
	}
	text, err := e.tokenizer.Decode(out, true)
	if err != nil {
		return fail(ErrDecoding(err))
	}
	res.Text = text
	res.Elapsed = time.Since(start)
	span.SetAttributes(attribute.Int("completion_tokens", res.TokenCount), attribute.String("finish_reason", res.FinishReason))
	e.log.Debug().Int("tokens", res.TokenCount).Dur("elapsed", res.Elapsed).Str("finish", res.FinishReason).Msg("generation complete")
	return res, nil
}

// decodeStream turns ids into text fragments, holding back output while the
// trailing bytes do not yet form a complete rune.
type decodeStream struct {
	tok  Tokenizer
	ids  []int
	prev int
	cur  int
}

func newDecodeStream(tok Tokenizer) *decodeStream { return &decodeStream{tok: tok} }

func (d *decodeStream) decode(ids []int) (string, error) {
	if len(ids) == 0 {
		return "", nil
	}
	s, err := d.tok.Decode(ids, true)
	if err != nil {
		return "", ErrDecoding(err)
	}
	return s, nil
}

func (d *decodeStream) next(id int) (string, error) {
	prevText, err := d.decode(d.ids[d.prev:d.cur])
	if err != nil {
		return "", err
	}
	d.ids = append(d.ids, id)
	text, err := d.decode(d.ids[d.prev:])
	if err != nil {
		return "", err
	}
	if len(text) > len(prevText) && complete(text) && utf8.RuneStart(text[len(prevText)]) {
		d.prev = d.cur
		d.cur = len(d.ids)
		return text[len(prevText):], nil
	}
	return "", nil
}

// rest flushes whatever is still held back.
func (d *decodeStream) rest() (string, error) {
	prevText, err := d.decode(d.ids[d.prev:d.cur])
	if err != nil {
		return "", err
	}
	text, err := d.decode(d.ids[d.prev:])
	if err != nil {
		return "", err
	}
	if len(text) > len(prevText) && utf8.RuneStart(text[len(prevText)]) {
		return text[len(prevText):], nil
	}
	return "", nil
}

// complete reports whether s ends in a whole rune. Tokenizers render partial
// byte sequences as U+FFFD, so a trailing replacement character is held back.
func complete(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return r != utf8.RuneError
}
