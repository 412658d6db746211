// Package llama is a pure-Go forward pass for Llama-architecture checkpoints
// stored as Hugging Face safetensors.
package llama

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// TokenIDs decodes a token id field that may be a number, a list or null.
type TokenIDs []int

func (t *TokenIDs) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*t = nil
		return nil
	}
	if b[0] == '[' {
		var ids []int
		if err := json.Unmarshal(b, &ids); err != nil {
			return err
		}
		*t = ids
		return nil
	}
	var id int
	if err := json.Unmarshal(b, &id); err != nil {
		return err
	}
	*t = TokenIDs{id}
	return nil
}

// RopeScaling is the llama3 frequency scaling block of config.json.
type RopeScaling struct {
	Type                          string  `json:"rope_type"`
	Factor                        float64 `json:"factor"`
	LowFreqFactor                 float64 `json:"low_freq_factor"`
	HighFreqFactor                float64 `json:"high_freq_factor"`
	OriginalMaxPositionEmbeddings int     `json:"original_max_position_embeddings"`
}

// Config mirrors the fields of a Hugging Face LlamaConfig used by the forward
// pass.
type Config struct {
	HiddenSize            int          `json:"hidden_size"`
	IntermediateSize      int          `json:"intermediate_size"`
	NumHiddenLayers       int          `json:"num_hidden_layers"`
	NumAttentionHeads     int          `json:"num_attention_heads"`
	NumKeyValueHeads      int          `json:"num_key_value_heads"`
	HeadDim               int          `json:"head_dim"`
	VocabSize             int          `json:"vocab_size"`
	RMSNormEps            float64      `json:"rms_norm_eps"`
	RopeTheta             float64      `json:"rope_theta"`
	MaxPositionEmbeddings int          `json:"max_position_embeddings"`
	TieWordEmbeddings     bool         `json:"tie_word_embeddings"`
	BOSTokenID            TokenIDs     `json:"bos_token_id"`
	EOSTokenID            TokenIDs     `json:"eos_token_id"`
	RopeScaling           *RopeScaling `json:"rope_scaling"`
}

// ReadConfig parses config.json and fills defaults.
func ReadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := json.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return c.withDefaults()
}

func (c Config) withDefaults() (Config, error) {
	if c.NumKeyValueHeads == 0 {
		c.NumKeyValueHeads = c.NumAttentionHeads
	}
	if c.RopeTheta == 0 {
		c.RopeTheta = 10000
	}
	if c.RMSNormEps == 0 {
		c.RMSNormEps = 1e-5
	}
	if c.HeadDim == 0 && c.NumAttentionHeads > 0 {
		c.HeadDim = c.HiddenSize / c.NumAttentionHeads
	}
	return c, c.validate()
}

func (c Config) validate() error {
	switch {
	case c.HiddenSize <= 0, c.IntermediateSize <= 0, c.NumHiddenLayers <= 0, c.VocabSize <= 0:
		return fmt.Errorf("config: hidden_size, intermediate_size, num_hidden_layers and vocab_size must be positive")
	case c.NumAttentionHeads <= 0 || c.NumKeyValueHeads <= 0:
		return fmt.Errorf("config: attention head counts must be positive")
	case c.NumAttentionHeads%c.NumKeyValueHeads != 0:
		return fmt.Errorf("config: %d attention heads not divisible by %d kv heads", c.NumAttentionHeads, c.NumKeyValueHeads)
	case c.HeadDim <= 0 || c.HeadDim%2 != 0:
		return fmt.Errorf("config: head_dim %d must be positive and even", c.HeadDim)
	}
	return nil
}

// invFreq returns the rotary inverse frequencies, scaled when rope_scaling is
// of type llama3.
func (c Config) invFreq() []float64 {
	half := c.HeadDim / 2
	freq := make([]float64, half)
	for i := range freq {
		freq[i] = 1 / math.Pow(c.RopeTheta, float64(2*i)/float64(c.HeadDim))
	}
	rs := c.RopeScaling
	if rs == nil || rs.Type != "llama3" || rs.Factor == 0 || rs.OriginalMaxPositionEmbeddings == 0 {
		return freq
	}
	orig := float64(rs.OriginalMaxPositionEmbeddings)
	lowWavelen := orig / rs.LowFreqFactor
	highWavelen := orig / rs.HighFreqFactor
	for i, f := range freq {
		wavelen := 2 * math.Pi / f
		switch {
		case wavelen < highWavelen:
		case wavelen > lowWavelen:
			freq[i] = f / rs.Factor
		default:
			smooth := (orig/wavelen - rs.LowFreqFactor) / (rs.HighFreqFactor - rs.LowFreqFactor)
			freq[i] = (1-smooth)*f/rs.Factor + smooth*f
		}
	}
	return freq
}
