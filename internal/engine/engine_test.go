package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"isotope/pkg/types"
)

func sampled(t *testing.T, e *Engine, prompt []int, cfg SamplingConfig) ([]int, Result) {
	t.Helper()
	var toks []Token
	res, err := e.Generate(context.Background(), prompt, cfg, collect(&toks))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	ids := make([]int, 0, len(toks))
	for _, tk := range toks {
		if tk.ID >= 0 {
			ids = append(ids, tk.ID)
		}
	}
	return ids, res
}

func TestGenerateDeterministicForSeed(t *testing.T) {
	cfgs := []SamplingConfig{
		{Temperature: 0.8, MaxTokens: 20, Seed: 42, RepeatPenalty: 1},
		{Temperature: 0.8, TopK: intPtr(5), MaxTokens: 20, Seed: 42, RepeatPenalty: 1.1, RepeatLastN: 8},
		{Temperature: 1.2, TopP: floatPtr(0.7), MaxTokens: 20, Seed: 7, RepeatPenalty: 1},
		{Temperature: 0.9, TopK: intPtr(10), TopP: floatPtr(0.9), MaxTokens: 20, Seed: 99, RepeatPenalty: 1.3, RepeatLastN: 4},
	}
	for _, cfg := range cfgs {
		a, _ := sampled(t, New(newFakeModel(26), newCharTokenizer(alphabet(26)...), nil), []int{1, 2, 3}, cfg)
		b, _ := sampled(t, New(newFakeModel(26), newCharTokenizer(alphabet(26)...), nil), []int{1, 2, 3}, cfg)
		if diff := cmp.Diff(a, b); diff != "" {
			t.Fatalf("strategy %s not deterministic (-a +b):\n%s", StrategyFor(cfg), diff)
		}
		if len(a) != cfg.MaxTokens {
			t.Fatalf("expected %d tokens, got %d", cfg.MaxTokens, len(a))
		}
	}
}

func TestGenerateArgMaxIgnoresSeed(t *testing.T) {
	base := SamplingConfig{Temperature: 0, TopK: intPtr(3), MaxTokens: 15, RepeatPenalty: 1}
	var first []int
	for seed := uint64(0); seed < 5; seed++ {
		cfg := base
		cfg.Seed = seed
		ids, _ := sampled(t, New(newFakeModel(26), newCharTokenizer(alphabet(26)...), nil), []int{4}, cfg)
		if first == nil {
			first = ids
			continue
		}
		if diff := cmp.Diff(first, ids); diff != "" {
			t.Fatalf("argmax output depends on seed %d:\n%s", seed, diff)
		}
	}
}

func TestGenerateMaxTokensZero(t *testing.T) {
	m := newFakeModel(26)
	e := New(m, newCharTokenizer(alphabet(26)...), nil)
	res, err := e.Generate(context.Background(), []int{1}, SamplingConfig{Temperature: 0, MaxTokens: 0}, func(Token) error {
		t.Fatalf("emit must not be called")
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.TokenCount != 0 || res.Text != "" {
		t.Fatalf("expected empty result, got %+v", res)
	}
	if len(m.calls) != 0 {
		t.Fatalf("expected no forward pass, got %d", len(m.calls))
	}
}

func TestGenerateContextWindow(t *testing.T) {
	m := newFakeModel(26)
	e := New(m, newCharTokenizer(alphabet(26)...), nil)
	prompt := []int{5, 6, 7, 8}
	ids, _ := sampled(t, e, prompt, SamplingConfig{Temperature: 0, MaxTokens: 4, RepeatPenalty: 1})
	if len(m.calls) != 4 {
		t.Fatalf("expected 4 forward calls, got %d", len(m.calls))
	}
	if diff := cmp.Diff(forwardCall{tokens: prompt, pos: 0}, m.calls[0], cmp.AllowUnexported(forwardCall{})); diff != "" {
		t.Fatalf("first call must feed the whole prompt:\n%s", diff)
	}
	for i := 1; i < 4; i++ {
		want := forwardCall{tokens: []int{ids[i-1]}, pos: len(prompt) + i - 1}
		if diff := cmp.Diff(want, m.calls[i], cmp.AllowUnexported(forwardCall{})); diff != "" {
			t.Fatalf("call %d must feed only the last token:\n%s", i, diff)
		}
	}
}

func TestGenerateCachedMatchesUncached(t *testing.T) {
	cfg := SamplingConfig{Temperature: 0.7, TopK: intPtr(8), MaxTokens: 12, Seed: 3, RepeatPenalty: 1.2, RepeatLastN: 6}
	cached, _ := sampled(t, New(newFakeModel(26), newCharTokenizer(alphabet(26)...), nil), []int{1, 9}, cfg)
	m := newFakeModel(26)
	uncached, _ := sampled(t, New(m, newCharTokenizer(alphabet(26)...), nil, WithoutCache()), []int{1, 9}, cfg)
	if diff := cmp.Diff(cached, uncached); diff != "" {
		t.Fatalf("cache changes output:\n%s", diff)
	}
	if got := m.calls[len(m.calls)-1]; got.pos != 0 || len(got.tokens) != 2+cfg.MaxTokens-1 {
		t.Fatalf("uncached run must refeed the whole buffer, got pos=%d len=%d", got.pos, len(got.tokens))
	}
}

func TestGenerateStopsAtEOS(t *testing.T) {
	pieces := alphabet(26)
	tok := newCharTokenizer(pieces...)
	tok.special[25] = true
	m := newFakeModel(26)
	m.eos, m.eosAt = 25, 5 // prompt of 2 + 3 generated
	e := New(m, tok, []int{25})
	var toks []Token
	res, err := e.Generate(context.Background(), []int{0, 1}, SamplingConfig{Temperature: 0, MaxTokens: 50, RepeatPenalty: 1}, collect(&toks))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.FinishReason != FinishStop {
		t.Fatalf("finish=%s", res.FinishReason)
	}
	if res.TokenCount != 4 {
		t.Fatalf("expected 3 tokens plus eos, got %d", res.TokenCount)
	}
	for _, tk := range toks {
		if tk.ID == 25 {
			t.Fatalf("eos must not be emitted")
		}
	}
	var b strings.Builder
	for _, tk := range toks {
		b.WriteString(tk.Text)
	}
	if b.String() != res.Text || len(res.Text) != 3 {
		t.Fatalf("streamed %q, result %q", b.String(), res.Text)
	}
}

func TestGenerateReachesMaxTokens(t *testing.T) {
	_, res := sampled(t, New(newFakeModel(26), newCharTokenizer(alphabet(26)...), nil), []int{0}, SamplingConfig{Temperature: 0, MaxTokens: 1, RepeatPenalty: 1})
	if res.TokenCount != 1 || res.FinishReason != FinishLength {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestGenerateCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := New(newFakeModel(26), newCharTokenizer(alphabet(26)...), nil)
	n := 0
	_, err := e.Generate(ctx, []int{0}, SamplingConfig{Temperature: 0, MaxTokens: 100, RepeatPenalty: 1}, func(Token) error {
		n++
		if n == 2 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n != 2 {
		t.Fatalf("expected generation to stop right after cancel, emitted %d", n)
	}
}

func TestGenerateEmitErrorAborts(t *testing.T) {
	boom := errors.New("consumer gone")
	e := New(newFakeModel(26), newCharTokenizer(alphabet(26)...), nil)
	_, err := e.Generate(context.Background(), []int{0}, SamplingConfig{Temperature: 0, MaxTokens: 10, RepeatPenalty: 1}, func(Token) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected emit error, got %v", err)
	}
}

func TestGenerateInferenceErrors(t *testing.T) {
	m := newFakeModel(26)
	m.failAt = 2
	_, err := New(m, newCharTokenizer(alphabet(26)...), nil).Generate(context.Background(), []int{0}, SamplingConfig{Temperature: 0, MaxTokens: 10, RepeatPenalty: 1}, func(Token) error { return nil })
	if !IsInference(err) {
		t.Fatalf("expected inference error, got %v", err)
	}

	m = newFakeModel(26)
	m.nanAt = 0
	_, err = New(m, newCharTokenizer(alphabet(26)...), nil).Generate(context.Background(), []int{0}, SamplingConfig{Temperature: 0.5, MaxTokens: 10, RepeatPenalty: 1}, func(Token) error { return nil })
	if !IsInference(err) {
		t.Fatalf("expected inference error on NaN, got %v", err)
	}

	m = newFakeModel(26)
	m.wantLen = 3
	_, err = New(m, newCharTokenizer(alphabet(26)...), nil).Generate(context.Background(), []int{0}, SamplingConfig{Temperature: 0, MaxTokens: 10, RepeatPenalty: 1}, func(Token) error { return nil })
	if !IsInference(err) {
		t.Fatalf("expected inference error on shape mismatch, got %v", err)
	}
}

func TestGenerateDecodingError(t *testing.T) {
	tok := newCharTokenizer(alphabet(26)...)
	tok.failDec = true
	_, err := New(newFakeModel(26), tok, nil).Generate(context.Background(), []int{0}, SamplingConfig{Temperature: 0, MaxTokens: 3, RepeatPenalty: 1}, func(Token) error { return nil })
	if !IsDecoding(err) {
		t.Fatalf("expected decoding error, got %v", err)
	}
}

func TestEncodeWrapsTokenizerError(t *testing.T) {
	e := New(newFakeModel(3), newCharTokenizer("a", "b", "c"), nil)
	if _, err := e.Encode("abz"); !IsEncoding(err) {
		t.Fatalf("expected encoding error, got %v", err)
	}
	ids, err := e.Encode("cab")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if diff := cmp.Diff([]int{2, 0, 1}, ids); diff != "" {
		t.Fatalf("ids:\n%s", diff)
	}
}

func TestDecodeStreamHoldsIncompleteRunes(t *testing.T) {
	// "é" is two bytes split across two tokens.
	tok := newCharTokenizer("x", "\xc3", "\xa9")
	d := newDecodeStream(replacingTokenizer{tok})
	var got []string
	for _, id := range []int{0, 1, 2, 0} {
		frag, err := d.next(id)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		got = append(got, frag)
	}
	if diff := cmp.Diff([]string{"x", "", "é", "x"}, got); diff != "" {
		t.Fatalf("fragments:\n%s", diff)
	}
	if rest, _ := d.rest(); rest != "" {
		t.Fatalf("nothing should be held back, got %q", rest)
	}
}

// replacingTokenizer renders invalid UTF-8 as U+FFFD like real tokenizers do.
type replacingTokenizer struct{ *charTokenizer }

func (r replacingTokenizer) Decode(ids []int, skip bool) (string, error) {
	s, err := r.charTokenizer.Decode(ids, skip)
	return strings.ToValidUTF8(s, "\uFFFD"), err
}

func TestFormatPrompt(t *testing.T) {
	got := FormatPrompt([]types.Message{
		{Role: types.RoleSystem, Content: "be nice"},
		{Role: types.RoleUser, Content: "hi"},
		{Role: types.RoleAssistant, Content: "hello"},
		{Role: types.RoleUser, Content: "again"},
	})
	want := "System:\nbe nice\n\n<|begin_of_text|>hi<|eot_id|>\n\nAssistant:\nhello\n\n<|begin_of_text|>again<|eot_id|>\n\nAssistant:"
	if got != want {
		t.Fatalf("prompt mismatch:\n got %q\nwant %q", got, want)
	}
}
