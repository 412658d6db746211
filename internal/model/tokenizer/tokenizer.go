// Package tokenizer reads Hugging Face tokenizer.json files describing BPE
// models and implements encode/decode for them.
package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dlclark/regexp2"
)

// Mode selects how raw text is mapped onto vocabulary symbols.
type Mode int

const (
	// ModeByteLevel is the GPT-2 style byte to unicode mapping used by Llama 3
	// and SmolLM2.
	ModeByteLevel Mode = iota
	// ModeMetaspace replaces spaces with U+2581 and falls back to <0xNN> byte
	// tokens, as in sentencepiece derived vocabularies like TinyLlama.
	ModeMetaspace
)

const metaspace = "▁"

// prefixScheme says which segments get a leading metaspace.
type prefixScheme uint8

const (
	prefixNever prefixScheme = iota
	// prefixFirst marks only the segment that starts the text.
	prefixFirst
	// prefixAlways marks every segment between added tokens.
	prefixAlways
)

// AddedToken is a token matched verbatim before BPE runs.
type AddedToken struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
	Special bool   `json:"special"`
}

// Tokenizer is immutable after Load and safe for concurrent use.
type Tokenizer struct {
	mode         Mode
	vocab        map[string]int
	inverse      []string
	ranks        map[[2]string]int
	added        []AddedToken // sorted by descending content length
	addedByID    map[int]AddedToken
	prefix       []int // ids prepended when addSpecial is set
	suffix       []int
	pre          []preStep // byte-level pre-tokenizer pipeline
	byteFallback bool
	unk          int
	spacePrefix  prefixScheme
	cache        *bpeCache
}

type fileFormat struct {
	AddedTokens   []AddedToken    `json:"added_tokens"`
	Normalizer    json.RawMessage `json:"normalizer"`
	PreTokenizer  json.RawMessage `json:"pre_tokenizer"`
	PostProcessor json.RawMessage `json:"post_processor"`
	Decoder       json.RawMessage `json:"decoder"`
	Model         struct {
		Type         string          `json:"type"`
		Vocab        map[string]int  `json:"vocab"`
		Merges       json.RawMessage `json:"merges"`
		ByteFallback bool            `json:"byte_fallback"`
		UnkToken     *string         `json:"unk_token"`
	} `json:"model"`
}

// component is the common shape of normalizers, pre-tokenizers, decoders and
// post-processors; only the fields used here are decoded.
type component struct {
	Type          string            `json:"type"`
	Normalizers   []json.RawMessage `json:"normalizers"`
	PreTokenizers []json.RawMessage `json:"pretokenizers"`
	Decoders      []json.RawMessage `json:"decoders"`
	Processors    []json.RawMessage `json:"processors"`
	Prepend       string            `json:"prepend"`
	Replacement   string            `json:"replacement"`
	PrependScheme string            `json:"prepend_scheme"`
	AddPrefix     *bool             `json:"add_prefix_space"`
	UseRegex      *bool             `json:"use_regex"`
	Pattern       struct {
		Regex  *string `json:"Regex"`
		String *string `json:"String"`
	} `json:"pattern"`
	Behavior         string `json:"behavior"`
	Invert           bool   `json:"invert"`
	IndividualDigits bool   `json:"individual_digits"`
	Single        []templatePiece   `json:"single"`
	SpecialTokens map[string]struct {
		IDs []int `json:"ids"`
	} `json:"special_tokens"`
}

type templatePiece struct {
	SpecialToken *struct {
		ID string `json:"id"`
	} `json:"SpecialToken"`
	Sequence *struct {
		ID string `json:"id"`
	} `json:"Sequence"`
}

// Load parses a tokenizer.json file.
func Load(path string) (*Tokenizer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer: %w", err)
	}
	return Parse(b)
}

// Parse builds a Tokenizer from tokenizer.json contents.
func Parse(b []byte) (*Tokenizer, error) {
	var f fileFormat
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode tokenizer: %w", err)
	}
	if f.Model.Type != "" && f.Model.Type != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model %q", f.Model.Type)
	}
	if len(f.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer has an empty vocabulary")
	}
	t := &Tokenizer{
		vocab:        f.Model.Vocab,
		ranks:        map[[2]string]int{},
		addedByID:    map[int]AddedToken{},
		byteFallback: f.Model.ByteFallback,
		unk:          -1,
		cache:        newBPECache(),
	}
	merges, err := parseMerges(f.Model.Merges)
	if err != nil {
		return nil, err
	}
	for i, m := range merges {
		if _, dup := t.ranks[m]; !dup {
			t.ranks[m] = i
		}
	}

	size := 0
	for _, id := range f.Model.Vocab {
		if id+1 > size {
			size = id + 1
		}
	}
	for _, a := range f.AddedTokens {
		if a.ID+1 > size {
			size = a.ID + 1
		}
	}
	t.inverse = make([]string, size)
	for s, id := range f.Model.Vocab {
		if id >= 0 {
			t.inverse[id] = s
		}
	}
	for _, a := range f.AddedTokens {
		if a.Content == "" || a.ID < 0 {
			continue
		}
		t.inverse[a.ID] = a.Content
		t.addedByID[a.ID] = a
		t.added = append(t.added, a)
		if _, ok := t.vocab[a.Content]; !ok {
			t.vocab[a.Content] = a.ID
		}
	}
	sort.SliceStable(t.added, func(i, j int) bool { return len(t.added[i].Content) > len(t.added[j].Content) })
	if f.Model.UnkToken != nil {
		if id, ok := t.vocab[*f.Model.UnkToken]; ok {
			t.unk = id
		}
	}

	t.mode = ModeMetaspace
	if hasType(f.PreTokenizer, "ByteLevel", preTokenizers) || hasType(f.Decoder, "ByteLevel", decoders) {
		t.mode = ModeByteLevel
	}
	switch t.mode {
	case ModeByteLevel:
		if t.pre, err = preSteps(f.PreTokenizer); err != nil {
			return nil, err
		}
		if len(t.pre) == 0 {
			t.pre = []preStep{gpt2Split}
		}
	case ModeMetaspace:
		t.spacePrefix = prefixFor(f.Normalizer, f.PreTokenizer)
	}
	t.prefix, t.suffix = template(f.PostProcessor, t.vocab)
	return t, nil
}

func parseMerges(raw json.RawMessage) ([][2]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var asStrings []string
	if err := json.Unmarshal(raw, &asStrings); err == nil {
		out := make([][2]string, 0, len(asStrings))
		for _, m := range asStrings {
			a, b, ok := strings.Cut(m, " ")
			if !ok {
				return nil, fmt.Errorf("malformed merge %q", m)
			}
			out = append(out, [2]string{a, b})
		}
		return out, nil
	}
	var pairs [][2]string
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("decode merges: %w", err)
	}
	return pairs, nil
}

func preTokenizers(c component) []json.RawMessage { return c.PreTokenizers }
func decoders(c component) []json.RawMessage      { return c.Decoders }

// hasType walks a component tree looking for a component of the given type.
func hasType(raw json.RawMessage, typ string, children func(component) []json.RawMessage) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return false
	}
	var c component
	if err := json.Unmarshal(raw, &c); err != nil {
		return false
	}
	if c.Type == typ {
		return true
	}
	for _, child := range children(c) {
		if hasType(child, typ, children) {
			return true
		}
	}
	return false
}

// prefixFor reports which segments get a leading metaspace, either from a
// Prepend normalizer or a Metaspace pre-tokenizer.
func prefixFor(normalizer, pre json.RawMessage) prefixScheme {
	scheme := prefixNever
	var walk func(raw json.RawMessage)
	walk = func(raw json.RawMessage) {
		if len(raw) == 0 || string(raw) == "null" {
			return
		}
		var c component
		if err := json.Unmarshal(raw, &c); err != nil {
			return
		}
		switch c.Type {
		case "Prepend":
			if c.Prepend == metaspace {
				scheme = prefixAlways
			}
		case "Metaspace":
			switch {
			case c.PrependScheme == "always":
				scheme = prefixAlways
			case c.PrependScheme == "first":
				scheme = max(scheme, prefixFirst)
			case c.PrependScheme == "" && c.AddPrefix != nil && *c.AddPrefix:
				scheme = prefixAlways
			}
		}
		for _, n := range c.Normalizers {
			walk(n)
		}
		for _, p := range c.PreTokenizers {
			walk(p)
		}
	}
	walk(normalizer)
	walk(pre)
	return scheme
}

// preSteps reads the pre-tokenizer pipeline of a byte-level tokenizer.
func preSteps(raw json.RawMessage) ([]preStep, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var c component
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode pre_tokenizer: %w", err)
	}
	switch c.Type {
	case "Sequence":
		var out []preStep
		for _, child := range c.PreTokenizers {
			steps, err := preSteps(child)
			if err != nil {
				return nil, err
			}
			out = append(out, steps...)
		}
		return out, nil
	case "Split":
		var pattern string
		switch {
		case c.Pattern.Regex != nil:
			pattern = *c.Pattern.Regex
		case c.Pattern.String != nil:
			pattern = regexp2.Escape(*c.Pattern.String)
		default:
			return nil, fmt.Errorf("split pre-tokenizer without a pattern")
		}
		if c.Invert {
			return nil, fmt.Errorf("inverted split pre-tokenizer is not supported")
		}
		rs, err := compileSplit(pattern)
		if err != nil {
			return nil, err
		}
		switch c.Behavior {
		case "", "Isolated":
		case "Removed":
			rs.remove = true
		default:
			return nil, fmt.Errorf("unsupported split behavior %q", c.Behavior)
		}
		return []preStep{rs}, nil
	case "Digits":
		return []preStep{digitSplit{individual: c.IndividualDigits}}, nil
	case "ByteLevel":
		var out []preStep
		if c.AddPrefix == nil || *c.AddPrefix {
			out = append(out, prefixSpace{})
		}
		if c.UseRegex == nil || *c.UseRegex {
			out = append(out, gpt2Split)
		}
		return out, nil
	}
	return nil, nil
}

// template extracts the special tokens a TemplateProcessing post-processor puts
// around a single sequence.
func template(raw json.RawMessage, vocab map[string]int) (prefix, suffix []int) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var c component
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, nil
	}
	if c.Type == "Sequence" {
		for _, p := range c.Processors {
			if pre, suf := template(p, vocab); pre != nil || suf != nil {
				return pre, suf
			}
		}
		return nil, nil
	}
	if c.Type != "TemplateProcessing" {
		return nil, nil
	}
	seen := false
	for _, piece := range c.Single {
		switch {
		case piece.Sequence != nil:
			seen = true
		case piece.SpecialToken != nil:
			ids := c.SpecialTokens[piece.SpecialToken.ID].IDs
			if len(ids) == 0 {
				if id, ok := vocab[piece.SpecialToken.ID]; ok {
					ids = []int{id}
				}
			}
			if seen {
				suffix = append(suffix, ids...)
			} else {
				prefix = append(prefix, ids...)
			}
		}
	}
	return prefix, suffix
}

// Mode reports the text mapping in use.
func (t *Tokenizer) Mode() Mode { return t.mode }

// VocabSize is one past the largest known id.
func (t *Tokenizer) VocabSize() int { return len(t.inverse) }

// TokenID looks up the id of a vocabulary or added token.
func (t *Tokenizer) TokenID(s string) (int, bool) {
	id, ok := t.vocab[s]
	return id, ok
}

// Encode converts text to ids. Added tokens appearing in text are matched
// verbatim. With addSpecial the post-processor template is applied.
func (t *Tokenizer) Encode(text string, addSpecial bool) ([]int, error) {
	var ids []int
	if addSpecial {
		ids = append(ids, t.prefix...)
	}
	first := true
	for len(text) > 0 {
		at, tok := t.nextAdded(text)
		if at > 0 {
			seg, err := t.encodeSegment(text[:at], first)
			if err != nil {
				return nil, err
			}
			ids = append(ids, seg...)
			first = false
		}
		if tok == nil {
			break
		}
		ids = append(ids, tok.ID)
		text = text[at+len(tok.Content):]
		first = false
	}
	if addSpecial {
		ids = append(ids, t.suffix...)
	}
	return ids, nil
}

// nextAdded finds the earliest added token in s, preferring the longest at a
// given offset. It returns len(s) and nil when none occurs.
func (t *Tokenizer) nextAdded(s string) (int, *AddedToken) {
	best := len(s)
	var found *AddedToken
	for i := range t.added {
		a := &t.added[i]
		if at := strings.Index(s, a.Content); at >= 0 && at < best {
			best, found = at, a
		}
	}
	return best, found
}

func (t *Tokenizer) encodeSegment(s string, first bool) ([]int, error) {
	if t.mode == ModeByteLevel {
		var ids []int
		for _, piece := range preTokenize(t.pre, s) {
			mapped := mapBytes(piece)
			for _, sym := range t.bpe(mapped) {
				id, ok := t.vocab[sym]
				if !ok {
					return nil, fmt.Errorf("symbol %q not in vocabulary", sym)
				}
				ids = append(ids, id)
			}
		}
		return ids, nil
	}
	norm := strings.ReplaceAll(s, " ", metaspace)
	if t.spacePrefix == prefixAlways || (first && t.spacePrefix == prefixFirst) {
		norm = metaspace + norm
	}
	var ids []int
	for _, sym := range t.bpe(norm) {
		if id, ok := t.vocab[sym]; ok {
			ids = append(ids, id)
			continue
		}
		if t.byteFallback {
			for i := 0; i < len(sym); i++ {
				id, ok := t.vocab[fmt.Sprintf("<0x%02X>", sym[i])]
				if !ok {
					return nil, fmt.Errorf("no byte fallback token for 0x%02X", sym[i])
				}
				ids = append(ids, id)
			}
			continue
		}
		if t.unk >= 0 {
			ids = append(ids, t.unk)
			continue
		}
		return nil, fmt.Errorf("symbol %q not in vocabulary", sym)
	}
	return ids, nil
}

// IsSpecial reports whether id is an added token flagged special.
func (t *Tokenizer) IsSpecial(id int) bool {
	a, ok := t.addedByID[id]
	return ok && a.Special
}

// Decode converts ids back to text.
func (t *Tokenizer) Decode(ids []int, skipSpecial bool) (string, error) {
	var raw []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.inverse) {
			return "", fmt.Errorf("token id %d out of range", id)
		}
		if a, ok := t.addedByID[id]; ok {
			if skipSpecial && a.Special {
				continue
			}
			raw = append(raw, a.Content...)
			continue
		}
		sym := t.inverse[id]
		if t.mode == ModeByteLevel {
			raw = append(raw, unmapBytes(sym)...)
			continue
		}
		if b, ok := byteToken(sym); ok {
			raw = append(raw, b)
			continue
		}
		raw = append(raw, strings.ReplaceAll(sym, metaspace, " ")...)
	}
	out := string(raw)
	if t.mode == ModeMetaspace && t.spacePrefix != prefixNever {
		out = strings.TrimPrefix(out, " ")
	}
	return strings.ToValidUTF8(out, "�"), nil
}

// byteToken parses "<0xNN>".
func byteToken(s string) (byte, bool) {
	if len(s) != 6 || !strings.HasPrefix(s, "<0x") || s[5] != '>' {
		return 0, false
	}
	var b byte
	for _, c := range s[3:5] {
		b <<= 4
		switch {
		case c >= '0' && c <= '9':
			b |= byte(c - '0')
		case c >= 'A' && c <= 'F':
			b |= byte(c-'A') + 10
		case c >= 'a' && c <= 'f':
			b |= byte(c-'a') + 10
		default:
			return 0, false
		}
	}
	return b, true
}
