//go:build !llama

package model

// This file keeps default builds CGO-free. The real adapter lives in
// llamacpp_llama.go (tagged 'llama').

import (
	"context"

	"isotope/internal/engine"
)

// llamaBuilt indicates this binary was compiled without llama support.
const llamaBuilt = false

type llamaCppModel struct{}

func openLlamaCpp(string, int, int) (*llamaCppModel, error) {
	return nil, ErrDependencyUnavailable("llama.cpp support not built (missing 'llama' build tag)")
}

func (m *llamaCppModel) generate(ctx context.Context, _ string, _ engine.SamplingConfig, _ func(engine.Token) error) (engine.Result, error) {
	if err := ctx.Err(); err != nil {
		return engine.Result{}, err
	}
	return engine.Result{}, ErrDependencyUnavailable("llama.cpp support not built (missing 'llama' build tag)")
}

func (m *llamaCppModel) close() error { return nil }
