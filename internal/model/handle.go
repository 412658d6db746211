// Package model resolves catalog identifiers to runnable models: it fetches
// repository files from the hub, builds the tokenizer and weights, and exposes
// the result as a Handle that generates text for a formatted prompt.
package model

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"isotope/internal/engine"
	"isotope/internal/registry"
)

// Kind tags the runtime behind a Handle.
type Kind uint8

const (
	KindNative Kind = iota + 1
	KindLlamaCpp
)

func (k Kind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindLlamaCpp:
		return "llamacpp"
	default:
		return "unknown"
	}
}

// Handle is a loaded model. Close releases backend memory and may be called
// more than once.
type Handle struct {
	id     registry.Identifier
	kind   Kind
	native *engine.Engine
	cpp    *llamaCppModel
	closed atomic.Bool
}

// NewNativeHandle wraps an engine. It is mostly useful to tests and callers
// that build models themselves.
func NewNativeHandle(id registry.Identifier, eng *engine.Engine) *Handle {
	return &Handle{id: id, kind: KindNative, native: eng}
}

// ID returns the catalog identifier the handle was loaded for.
func (h *Handle) ID() registry.Identifier { return h.id }

// Kind returns the runtime tag.
func (h *Handle) Kind() Kind { return h.kind }

// Generate runs one generation for a formatted prompt.
func (h *Handle) Generate(ctx context.Context, prompt string, cfg engine.SamplingConfig, emit func(engine.Token) error) (engine.Result, error) {
	switch h.kind {
	case KindNative:
		ids, err := h.native.Encode(prompt)
		if err != nil {
			return engine.Result{}, err
		}
		return h.native.Generate(ctx, ids, cfg, emit)
	case KindLlamaCpp:
		return h.cpp.generate(ctx, prompt, cfg, emit)
	default:
		return engine.Result{}, fmt.Errorf("handle of unknown kind %d", h.kind)
	}
}

// Close frees backend resources. It is safe to call more than once.
func (h *Handle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	if h.kind == KindLlamaCpp && h.cpp != nil {
		return h.cpp.close()
	}
	return nil
}

// llamaSeed folds a sampling seed into the non-negative int range llama.cpp
// accepts; negative seeds select a random one.
func llamaSeed(seed uint64) int {
	return int(seed & math.MaxInt32)
}
