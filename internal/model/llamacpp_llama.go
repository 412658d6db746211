//go:build llama

package model

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	llama "github.com/go-skynet/go-llama.cpp"

	"isotope/internal/engine"
)

// llamaBuilt indicates this binary was compiled with real llama support.
const llamaBuilt = true

// llamaCppModel owns a GGUF model loaded through go-llama.cpp. The library
// keeps one token callback per model, so predictions are serialized.
type llamaCppModel struct {
	mu      sync.Mutex
	model   *llama.LLama
	threads int
}

func openLlamaCpp(path string, ctxSize, threads int) (*llamaCppModel, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("model path is empty")
	}
	m, err := llama.New(path, llama.SetContext(max(ctxSize, 512)))
	if err != nil {
		return nil, err
	}
	return &llamaCppModel{model: m, threads: max(1, threads)}, nil
}

func (m *llamaCppModel) generate(ctx context.Context, prompt string, cfg engine.SamplingConfig, emit func(engine.Token) error) (engine.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == nil {
		return engine.Result{}, errors.New("llama model not initialized")
	}
	if cfg.MaxTokens <= 0 {
		return engine.Result{FinishReason: engine.FinishLength}, nil
	}
	start := time.Now()
	var emitErr error
	count := 0
	m.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		count++
		if err := emit(engine.Token{ID: -1, Text: tok}); err != nil {
			emitErr = err
			return false
		}
		return true
	})
	defer m.model.SetTokenCallback(nil)

	text, err := m.model.Predict(prompt, predictOptions(cfg, m.threads)...)
	res := engine.Result{Text: text, TokenCount: count, Elapsed: time.Since(start), FinishReason: engine.FinishStop}
	if count >= cfg.MaxTokens {
		res.FinishReason = engine.FinishLength
	}
	switch {
	case ctx.Err() != nil:
		return res, ctx.Err()
	case emitErr != nil:
		return res, emitErr
	case err != nil:
		return res, engine.ErrInference(err)
	}
	return res, nil
}

func (m *llamaCppModel) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model != nil {
		m.model.Free()
		m.model = nil
	}
	return nil
}

// predictOptions converts a SamplingConfig into go-llama.cpp options.
func predictOptions(cfg engine.SamplingConfig, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, cfg.MaxTokens)),
		llama.SetThreads(max(1, threads)),
		llama.SetTemperature(float32(cfg.Temperature)),
		llama.SetPenalty(float32(cfg.RepeatPenalty)),
		llama.SetRepeat(cfg.RepeatLastN),
		llama.SetSeed(llamaSeed(cfg.Seed)),
		llama.SetStopWords(engine.EOTToken, "</s>"),
	}
	if cfg.TopK != nil {
		po = append(po, llama.SetTopK(*cfg.TopK))
	}
	if cfg.TopP != nil {
		po = append(po, llama.SetTopP(float32(*cfg.TopP)))
	}
	return po
}
