package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// fakeCache records every position fed to the fake model.
type fakeCache struct{ ids []int }

func (c *fakeCache) Len() int { return len(c.ids) }

// fakeModel produces logits that depend on the whole sequence seen so far, so
// cached and uncached runs must agree.
type fakeModel struct {
	vocab   int
	calls   []forwardCall
	failAt  int // forward call index that fails; -1 disables
	nanAt   int
	eosAt   int // after this many cached positions, force token eos; -1 disables
	eos     int
	wantLen int // when > 0, return logits of the wrong length
}

type forwardCall struct {
	tokens []int
	pos    int
}

func newFakeModel(vocab int) *fakeModel {
	return &fakeModel{vocab: vocab, failAt: -1, nanAt: -1, eosAt: -1}
}

func (m *fakeModel) NewCache() Cache { return &fakeCache{} }
func (m *fakeModel) VocabSize() int  { return m.vocab }

func (m *fakeModel) Forward(ctx context.Context, tokens []int, pos int, c Cache) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	idx := len(m.calls)
	m.calls = append(m.calls, forwardCall{tokens: append([]int(nil), tokens...), pos: pos})
	if idx == m.failAt {
		return nil, errors.New("shape mismatch")
	}
	fc := c.(*fakeCache)
	if pos != fc.Len() {
		return nil, fmt.Errorf("pos %d does not match cache length %d", pos, fc.Len())
	}
	fc.ids = append(fc.ids, tokens...)
	n := m.vocab
	if m.wantLen > 0 {
		n = m.wantLen
	}
	logits := make([]float32, n)
	var h uint64 = 1469598103934665603
	for _, id := range fc.ids {
		h = (h ^ uint64(id)) * 1099511628211
	}
	for i := range logits {
		logits[i] = float32((h>>uint(i%32))%97) / 10
	}
	if m.eosAt >= 0 {
		logits[m.eos] = -100
		if fc.Len() >= m.eosAt {
			logits[m.eos] = 100
		}
	}
	if idx == m.nanAt {
		logits[0] = float32(nanValue())
	}
	return logits, nil
}

func nanValue() float64 {
	var zero float64
	return zero / zero
}

// charTokenizer maps id i to the i-th entry of pieces.
type charTokenizer struct {
	pieces  []string
	special map[int]bool
	failDec bool
}

func newCharTokenizer(pieces ...string) *charTokenizer {
	return &charTokenizer{pieces: pieces, special: map[int]bool{}}
}

func (t *charTokenizer) Encode(text string, addSpecial bool) ([]int, error) {
	var ids []int
	for _, r := range text {
		found := false
		for i, p := range t.pieces {
			if p == string(r) {
				ids = append(ids, i)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown rune %q", r)
		}
	}
	return ids, nil
}

func (t *charTokenizer) Decode(ids []int, skipSpecial bool) (string, error) {
	if t.failDec {
		return "", errors.New("bad id")
	}
	var b strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(t.pieces) {
			return "", fmt.Errorf("id %d out of range", id)
		}
		if skipSpecial && t.special[id] {
			continue
		}
		b.WriteString(t.pieces[id])
	}
	return b.String(), nil
}

func alphabet(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = string(rune('a' + i%26))
	}
	return out
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func collect(toks *[]Token) func(Token) error {
	return func(t Token) error {
		*toks = append(*toks, t)
		return nil
	}
}
