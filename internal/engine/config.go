package engine

import (
	"fmt"
	"math"
)

// SamplingConfig controls randomness and length of one generation call.
type SamplingConfig struct {
	Temperature   float64  `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopK          *int     `json:"top_k,omitempty" yaml:"top_k,omitempty" toml:"top_k,omitempty"`
	TopP          *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty" toml:"top_p,omitempty"`
	MaxTokens     int      `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	Seed          uint64   `json:"seed" yaml:"seed" toml:"seed"`
	RepeatPenalty float64  `json:"repeat_penalty" yaml:"repeat_penalty" toml:"repeat_penalty"`
	RepeatLastN   int      `json:"repeat_last_n" yaml:"repeat_last_n" toml:"repeat_last_n"`
}

// DefaultSamplingConfig returns the configuration used on first start.
func DefaultSamplingConfig() SamplingConfig {
	k := 40
	p := 0.9
	return SamplingConfig{
		Temperature:   0.7,
		TopK:          &k,
		TopP:          &p,
		MaxTokens:     2048,
		Seed:          0,
		RepeatPenalty: 1.1,
		RepeatLastN:   64,
	}
}

// Validate reports the first malformed field.
func (c SamplingConfig) Validate() error {
	if math.IsNaN(c.Temperature) || math.IsInf(c.Temperature, 0) || c.Temperature < 0 {
		return invalidConfigError{field: "temperature", msg: fmt.Sprintf("must be a finite value >= 0, got %v", c.Temperature)}
	}
	if c.TopK != nil && *c.TopK <= 0 {
		return invalidConfigError{field: "top_k", msg: fmt.Sprintf("must be positive, got %d", *c.TopK)}
	}
	if c.TopP != nil && (math.IsNaN(*c.TopP) || *c.TopP <= 0 || *c.TopP > 1) {
		return invalidConfigError{field: "top_p", msg: fmt.Sprintf("must be in (0,1], got %v", *c.TopP)}
	}
	if c.MaxTokens <= 0 {
		return invalidConfigError{field: "max_tokens", msg: fmt.Sprintf("must be positive, got %d", c.MaxTokens)}
	}
	if math.IsNaN(c.RepeatPenalty) || math.IsInf(c.RepeatPenalty, 0) || c.RepeatPenalty <= 0 {
		return invalidConfigError{field: "repeat_penalty", msg: fmt.Sprintf("must be a finite value > 0, got %v", c.RepeatPenalty)}
	}
	if c.RepeatLastN < 0 {
		return invalidConfigError{field: "repeat_last_n", msg: fmt.Sprintf("must be >= 0, got %d", c.RepeatLastN)}
	}
	return nil
}

// Clone returns a copy that shares no pointers with c.
func (c SamplingConfig) Clone() SamplingConfig {
	out := c
	if c.TopK != nil {
		k := *c.TopK
		out.TopK = &k
	}
	if c.TopP != nil {
		p := *c.TopP
		out.TopP = &p
	}
	return out
}
