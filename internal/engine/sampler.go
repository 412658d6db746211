package engine

import (
	"errors"
	"math"
	"math/rand/v2"
	"sort"
)

// Strategy is the sampling policy selected once per generation call.
type Strategy int

const (
	StrategyArgMax Strategy = iota
	StrategyAll
	StrategyTopK
	StrategyTopP
	StrategyTopKThenTopP
)

func (s Strategy) String() string {
	switch s {
	case StrategyArgMax:
		return "argmax"
	case StrategyAll:
		return "all"
	case StrategyTopK:
		return "top_k"
	case StrategyTopP:
		return "top_p"
	case StrategyTopKThenTopP:
		return "top_k_then_top_p"
	default:
		return "unknown"
	}
}

// StrategyFor picks the policy from temperature, top_k and top_p.
func StrategyFor(cfg SamplingConfig) Strategy {
	if cfg.Temperature <= 0 {
		return StrategyArgMax
	}
	switch {
	case cfg.TopK != nil && cfg.TopP != nil:
		return StrategyTopKThenTopP
	case cfg.TopK != nil:
		return StrategyTopK
	case cfg.TopP != nil:
		return StrategyTopP
	default:
		return StrategyAll
	}
}

var errEmptyLogits = errors.New("empty logits")
var errNaNLogits = errors.New("logits contain NaN")

// Sampler draws token ids from logits. It is deterministic for a given seed.
// A Sampler is not safe for concurrent use.
type Sampler struct {
	strategy    Strategy
	temperature float64
	k           int
	p           float64
	rng         *rand.Rand
}

// NewSampler builds a sampler for cfg seeded with cfg.Seed.
func NewSampler(cfg SamplingConfig) *Sampler {
	s := &Sampler{
		strategy:    StrategyFor(cfg),
		temperature: cfg.Temperature,
		rng:         rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
	if cfg.TopK != nil {
		s.k = *cfg.TopK
	}
	if cfg.TopP != nil {
		s.p = *cfg.TopP
	}
	return s
}

// Strategy returns the policy in use.
func (s *Sampler) Strategy() Strategy { return s.strategy }

// Sample returns the next token id.
func (s *Sampler) Sample(logits []float32) (int, error) {
	if len(logits) == 0 {
		return 0, errEmptyLogits
	}
	for _, v := range logits {
		if math.IsNaN(float64(v)) {
			return 0, errNaNLogits
		}
	}
	if s.strategy == StrategyArgMax {
		return argMax(logits), nil
	}
	probs := softmax(logits, s.temperature)
	var cand []int
	switch s.strategy {
	case StrategyAll:
		cand = allIndices(len(probs))
	case StrategyTopK:
		cand = topK(probs, s.k)
	case StrategyTopP:
		cand = topP(probs, sortedIndices(probs), s.p)
	case StrategyTopKThenTopP:
		cand = topK(probs, s.k)
		renormalize(probs, cand)
		cand = topP(probs, cand, s.p)
	}
	return s.multinomial(probs, cand), nil
}

// argMax returns the index of the largest logit; ties go to the lowest id.
func argMax(logits []float32) int {
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return best
}

func softmax(logits []float32, temperature float64) []float64 {
	probs := make([]float64, len(logits))
	maxVal := math.Inf(-1)
	for i, v := range logits {
		probs[i] = float64(v) / temperature
		if probs[i] > maxVal {
			maxVal = probs[i]
		}
	}
	var total float64
	for i := range probs {
		probs[i] = math.Exp(probs[i] - maxVal)
		total += probs[i]
	}
	for i := range probs {
		probs[i] /= total
	}
	return probs
}

func allIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// sortedIndices orders ids by descending probability, lowest id first on ties.
func sortedIndices(probs []float64) []int {
	idx := allIndices(len(probs))
	sort.SliceStable(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })
	return idx
}

func topK(probs []float64, k int) []int {
	idx := sortedIndices(probs)
	if k > 0 && k < len(idx) {
		idx = idx[:k]
	}
	return idx
}

// topP keeps the smallest prefix of cand (sorted by descending probability)
// whose cumulative probability reaches p.
func topP(probs []float64, cand []int, p float64) []int {
	if p >= 1 {
		return cand
	}
	var cum float64
	for i, id := range cand {
		cum += probs[id]
		if cum >= p {
			return cand[:i+1]
		}
	}
	return cand
}

func renormalize(probs []float64, cand []int) {
	var mass float64
	for _, id := range cand {
		mass += probs[id]
	}
	if mass <= 0 {
		return
	}
	for _, id := range cand {
		probs[id] /= mass
	}
}

func (s *Sampler) multinomial(probs []float64, cand []int) int {
	var mass float64
	for _, id := range cand {
		mass += probs[id]
	}
	if mass <= 0 || len(cand) == 0 {
		if len(cand) > 0 {
			return cand[0]
		}
		return argMaxF64(probs)
	}
	r := s.rng.Float64() * mass
	var acc float64
	for _, id := range cand {
		acc += probs[id]
		if r < acc {
			return id
		}
	}
	return cand[len(cand)-1]
}

func argMaxF64(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
