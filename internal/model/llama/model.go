package llama

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"

	"isotope/internal/engine"
)

type layer struct {
	attnNorm []float32
	q, k, v  []float32
	o        []float32
	mlpNorm  []float32
	gate, up []float32
	down     []float32
}

// Model holds the weights of a Llama checkpoint. It is immutable after Load and
// safe for concurrent Forward calls with distinct caches.
type Model struct {
	cfg     Config
	embed   []float32
	layers  []layer
	norm    []float32
	lmHead  []float32
	invFreq []float64
	workers int
}

var _ engine.Model = (*Model)(nil)

// Load reads every weight of cfg from src. src may be closed afterwards.
func Load(cfg Config, src Source) (*Model, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	hidden, inter := cfg.HiddenSize, cfg.IntermediateSize
	qDim := cfg.NumAttentionHeads * cfg.HeadDim
	kvDim := cfg.NumKeyValueHeads * cfg.HeadDim
	m := &Model{cfg: cfg, invFreq: cfg.invFreq(), workers: runtime.GOMAXPROCS(0)}

	get := func(name string, shape ...int) ([]float32, error) {
		t, err := src.Tensor(name)
		if err != nil {
			return nil, err
		}
		if !sameShape(t.Shape, shape) {
			return nil, fmt.Errorf("tensor %s: shape %v, want %v", name, t.Shape, shape)
		}
		return t.Data, nil
	}

	if m.embed, err = get("model.embed_tokens.weight", cfg.VocabSize, hidden); err != nil {
		return nil, err
	}
	if m.norm, err = get("model.norm.weight", hidden); err != nil {
		return nil, err
	}
	m.lmHead, err = get("lm_head.weight", cfg.VocabSize, hidden)
	switch {
	case err == nil:
	case cfg.TieWordEmbeddings && IsMissingTensor(err):
		m.lmHead = m.embed
	default:
		return nil, err
	}

	m.layers = make([]layer, cfg.NumHiddenLayers)
	for i := range m.layers {
		p := fmt.Sprintf("model.layers.%d.", i)
		l := &m.layers[i]
		specs := []struct {
			dst   *[]float32
			name  string
			shape []int
		}{
			{&l.attnNorm, "input_layernorm.weight", []int{hidden}},
			{&l.q, "self_attn.q_proj.weight", []int{qDim, hidden}},
			{&l.k, "self_attn.k_proj.weight", []int{kvDim, hidden}},
			{&l.v, "self_attn.v_proj.weight", []int{kvDim, hidden}},
			{&l.o, "self_attn.o_proj.weight", []int{hidden, qDim}},
			{&l.mlpNorm, "post_attention_layernorm.weight", []int{hidden}},
			{&l.gate, "mlp.gate_proj.weight", []int{inter, hidden}},
			{&l.up, "mlp.up_proj.weight", []int{inter, hidden}},
			{&l.down, "mlp.down_proj.weight", []int{hidden, inter}},
		}
		for _, s := range specs {
			if *s.dst, err = get(p+s.name, s.shape...); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Config returns the model configuration with defaults applied.
func (m *Model) Config() Config { return m.cfg }

// VocabSize is the length of the logits vector.
func (m *Model) VocabSize() int { return m.cfg.VocabSize }

// Cache stores per-layer keys and values, one kvDim row per position.
type Cache struct {
	k, v [][]float32
	n    int
}

// Len returns the number of cached positions.
func (c *Cache) Len() int { return c.n }

// NewCache returns an empty cache for this model.
func (m *Model) NewCache() engine.Cache {
	return &Cache{k: make([][]float32, m.cfg.NumHiddenLayers), v: make([][]float32, m.cfg.NumHiddenLayers)}
}

// Forward runs tokens at positions pos.. and returns the logits of the last one.
func (m *Model) Forward(ctx context.Context, tokens []int, pos int, c engine.Cache) ([]float32, error) {
	cache, ok := c.(*Cache)
	if !ok {
		return nil, fmt.Errorf("cache of type %T is not a llama cache", c)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("no tokens to run")
	}
	if pos != cache.n {
		return nil, fmt.Errorf("position %d does not follow %d cached positions", pos, cache.n)
	}
	if limit := m.cfg.MaxPositionEmbeddings; limit > 0 && pos+len(tokens) > limit {
		return nil, fmt.Errorf("sequence of %d positions exceeds context of %d", pos+len(tokens), limit)
	}
	for _, t := range tokens {
		if t < 0 || t >= m.cfg.VocabSize {
			return nil, fmt.Errorf("token %d outside vocabulary of %d", t, m.cfg.VocabSize)
		}
	}
	s := m.newScratch()
	for i, t := range tokens {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.step(s, cache, t, pos+i)
	}
	rmsNorm(s.h, s.x, m.norm, m.cfg.RMSNormEps)
	logits := make([]float32, m.cfg.VocabSize)
	m.matVec(logits, m.lmHead, s.h)
	return logits, nil
}

type scratch struct {
	x, h      []float32
	q, k, v   []float32
	att, proj []float32
	g, u      []float32
	scores    []float32
}

func (m *Model) newScratch() *scratch {
	c := m.cfg
	return &scratch{
		x:    make([]float32, c.HiddenSize),
		h:    make([]float32, c.HiddenSize),
		q:    make([]float32, c.NumAttentionHeads*c.HeadDim),
		k:    make([]float32, c.NumKeyValueHeads*c.HeadDim),
		v:    make([]float32, c.NumKeyValueHeads*c.HeadDim),
		att:  make([]float32, c.NumAttentionHeads*c.HeadDim),
		proj: make([]float32, c.HiddenSize),
		g:    make([]float32, c.IntermediateSize),
		u:    make([]float32, c.IntermediateSize),
	}
}

// step advances the residual stream by one token and appends its keys and
// values to the cache.
func (m *Model) step(s *scratch, cache *Cache, token, pos int) {
	c := m.cfg
	hidden, hd := c.HiddenSize, c.HeadDim
	copy(s.x, m.embed[token*hidden:(token+1)*hidden])
	group := c.NumAttentionHeads / c.NumKeyValueHeads
	kvDim := c.NumKeyValueHeads * hd
	scale := float32(1 / math.Sqrt(float64(hd)))

	for li := range m.layers {
		l := &m.layers[li]
		rmsNorm(s.h, s.x, l.attnNorm, c.RMSNormEps)
		m.matVec(s.q, l.q, s.h)
		m.matVec(s.k, l.k, s.h)
		m.matVec(s.v, l.v, s.h)
		for h := 0; h < c.NumAttentionHeads; h++ {
			m.rope(s.q[h*hd:(h+1)*hd], pos)
		}
		for h := 0; h < c.NumKeyValueHeads; h++ {
			m.rope(s.k[h*hd:(h+1)*hd], pos)
		}
		cache.k[li] = append(cache.k[li], s.k...)
		cache.v[li] = append(cache.v[li], s.v...)
		n := pos + 1
		if cap(s.scores) < n {
			s.scores = make([]float32, n)
		}
		scores := s.scores[:n]

		for h := 0; h < c.NumAttentionHeads; h++ {
			q := s.q[h*hd : (h+1)*hd]
			kvOff := (h / group) * hd
			for t := 0; t < n; t++ {
				k := cache.k[li][t*kvDim+kvOff : t*kvDim+kvOff+hd]
				scores[t] = dot(q, k) * scale
			}
			softmaxInPlace(scores)
			out := s.att[h*hd : (h+1)*hd]
			clear(out)
			for t := 0; t < n; t++ {
				v := cache.v[li][t*kvDim+kvOff : t*kvDim+kvOff+hd]
				w := scores[t]
				for j := range out {
					out[j] += w * v[j]
				}
			}
		}
		m.matVec(s.proj, l.o, s.att)
		for i := range s.x {
			s.x[i] += s.proj[i]
		}

		rmsNorm(s.h, s.x, l.mlpNorm, c.RMSNormEps)
		m.matVec(s.g, l.gate, s.h)
		m.matVec(s.u, l.up, s.h)
		for i := range s.g {
			s.g[i] = silu(s.g[i]) * s.u[i]
		}
		m.matVec(s.proj, l.down, s.g)
		for i := range s.x {
			s.x[i] += s.proj[i]
		}
	}
	cache.n = pos + 1
}

// rope rotates one head in place using the half-split layout of HF checkpoints.
func (m *Model) rope(x []float32, pos int) {
	half := len(x) / 2
	for j := 0; j < half; j++ {
		angle := float64(pos) * m.invFreq[j]
		sin, cos := math.Sincos(angle)
		a, b := float64(x[j]), float64(x[j+half])
		x[j] = float32(a*cos - b*sin)
		x[j+half] = float32(b*cos + a*sin)
	}
}

// minParallelRows keeps small projections on the calling goroutine.
const minParallelRows = 256

// matVec computes out = W·x for a row-major W of len(out) rows.
func (m *Model) matVec(out, w, x []float32) {
	rows, cols := len(out), len(x)
	if m.workers <= 1 || rows < minParallelRows {
		for r := 0; r < rows; r++ {
			out[r] = dot(w[r*cols:(r+1)*cols], x)
		}
		return
	}
	chunk := (rows + m.workers - 1) / m.workers
	var wg sync.WaitGroup
	for start := 0; start < rows; start += chunk {
		end := min(start+chunk, rows)
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for r := start; r < end; r++ {
				out[r] = dot(w[r*cols:(r+1)*cols], x)
			}
		}(start, end)
	}
	wg.Wait()
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func rmsNorm(out, x, weight []float32, eps float64) {
	var ss float64
	for _, v := range x {
		ss += float64(v) * float64(v)
	}
	inv := float32(1 / math.Sqrt(ss/float64(len(x))+eps))
	for i, v := range x {
		out[i] = v * inv * weight[i]
	}
}

func softmaxInPlace(x []float32) {
	maxVal := x[0]
	for _, v := range x[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float32
	for i, v := range x {
		e := float32(math.Exp(float64(v - maxVal)))
		x[i] = e
		sum += e
	}
	for i := range x {
		x[i] /= sum
	}
}

func silu(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}
