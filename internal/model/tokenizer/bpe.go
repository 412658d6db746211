package tokenizer

import (
	"sync"
	"unicode/utf8"
)

const bpeCacheLimit = 1 << 14

// bpeCache memoizes merges per pre-tokenized word.
type bpeCache struct {
	mu sync.RWMutex
	m  map[string][]string
}

func newBPECache() *bpeCache { return &bpeCache{m: make(map[string][]string)} }

func (c *bpeCache) get(word string) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[word]
	return v, ok
}

func (c *bpeCache) put(word string, syms []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.m) >= bpeCacheLimit {
		c.m = make(map[string][]string)
	}
	c.m[word] = syms
}

// bpe splits word into runes and applies merges by ascending rank until no
// ranked pair remains.
func (t *Tokenizer) bpe(word string) []string {
	if word == "" {
		return nil
	}
	if v, ok := t.cache.get(word); ok {
		return v
	}
	syms := make([]string, 0, utf8.RuneCountInString(word))
	for _, r := range word {
		syms = append(syms, string(r))
	}
	for len(syms) > 1 {
		best, at := -1, -1
		for i := 0; i+1 < len(syms); i++ {
			if r, ok := t.ranks[[2]string{syms[i], syms[i+1]}]; ok && (best < 0 || r < best) {
				best, at = r, i
			}
		}
		if at < 0 {
			break
		}
		a, b := syms[at], syms[at+1]
		merged := syms[:0:0]
		for i := 0; i < len(syms); i++ {
			if i+1 < len(syms) && syms[i] == a && syms[i+1] == b {
				merged = append(merged, a+b)
				i++
				continue
			}
			merged = append(merged, syms[i])
		}
		syms = merged
	}
	t.cache.put(word, syms)
	return syms
}
