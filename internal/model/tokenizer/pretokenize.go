package tokenizer

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/dlclark/regexp2"
)

// gpt2Pattern is the split ByteLevel applies when use_regex is set.
const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

var gpt2Split = mustCompileSplit(gpt2Pattern)

// preStep is one pre-tokenizer stage. It refines a piece into smaller pieces.
type preStep interface {
	split(s string) []string
}

// regexSplit isolates every match of a Split pattern. The patterns in
// tokenizer.json use lookahead, so they go through regexp2 rather than RE2.
type regexSplit struct {
	re     *regexp2.Regexp
	remove bool // drop matches instead of keeping them
}

func compileSplit(pattern string) (*regexSplit, error) {
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("compile split pattern: %w", err)
	}
	return &regexSplit{re: re}, nil
}

func mustCompileSplit(pattern string) *regexSplit {
	rs, err := compileSplit(pattern)
	if err != nil {
		panic(err)
	}
	return rs
}

func (rs *regexSplit) split(s string) []string {
	// regexp2 reports rune offsets; offs maps them back to bytes.
	offs := make([]int, 0, len(s)+1)
	for i := range s {
		offs = append(offs, i)
	}
	offs = append(offs, len(s))

	var out []string
	gap := 0
	m, err := rs.re.FindStringMatch(s)
	for ; m != nil && err == nil; m, err = rs.re.FindNextMatch(m) {
		if m.Length == 0 {
			continue
		}
		start, end := offs[m.Index], offs[m.Index+m.Length]
		if gap < start {
			out = append(out, s[gap:start])
		}
		if !rs.remove {
			out = append(out, s[start:end])
		}
		gap = end
	}
	if gap < len(s) {
		out = append(out, s[gap:])
	}
	return out
}

// digitSplit isolates numeric runes, one per piece or as contiguous runs.
type digitSplit struct {
	individual bool
}

func (d digitSplit) split(s string) []string {
	var out []string
	start := 0
	prevDigit := false
	for i, r := range s {
		digit := unicode.IsNumber(r)
		if i > start && (digit != prevDigit || (digit && d.individual)) {
			out = append(out, s[start:i])
			start = i
		}
		prevDigit = digit
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// prefixSpace is ByteLevel's add_prefix_space.
type prefixSpace struct{}

func (prefixSpace) split(s string) []string {
	if strings.HasPrefix(s, " ") {
		return []string{s}
	}
	return []string{" " + s}
}

// preTokenize runs s through every step in order.
func preTokenize(steps []preStep, s string) []string {
	pieces := []string{s}
	for _, st := range steps {
		next := make([]string, 0, len(pieces))
		for _, p := range pieces {
			next = append(next, st.split(p)...)
		}
		pieces = next
	}
	return pieces
}

// byteRunes is the GPT-2 reversible byte to rune table.
var byteRunes, runeBytes = buildByteTable()

func buildByteTable() ([256]rune, map[rune]byte) {
	var table [256]rune
	inverse := make(map[rune]byte, 256)
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	n := 0
	for b := 0; b < 256; b++ {
		r := rune(b)
		if !printable(b) {
			r = rune(256 + n)
			n++
		}
		table[b] = r
		inverse[r] = byte(b)
	}
	return table, inverse
}

func mapBytes(s string) string {
	var b strings.Builder
	b.Grow(len(s) * 2)
	for i := 0; i < len(s); i++ {
		b.WriteRune(byteRunes[s[i]])
	}
	return b.String()
}

func unmapBytes(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if b, ok := runeBytes[r]; ok {
			out = append(out, b)
			continue
		}
		out = append(out, string(r)...)
	}
	return out
}
