// Package registry holds the closed catalog of model variants the assistant can run.
// Identifiers are persisted by repository name and always resolved back through
// this catalog, so a stored selection can never reference a model that does not exist.
package registry

import (
	"strings"
)

// Identifier names one supported model variant.
type Identifier uint8

const (
	Llama32_3BInstruct Identifier = iota + 1
	Llama32_1BInstruct
	SmolLM2_135MInstruct
	SmolLM2_360MInstruct
	SmolLM2_1_7BInstruct
	TinyLlama1_1BChat
	TinyLlama1_1BChatGGUF
)

// Default is used when nothing (or something unknown) was persisted.
const Default = Llama32_1BInstruct

// Backend selects the runtime that executes a variant.
type Backend uint8

const (
	// BackendNative runs safetensors weights through the in-process Go forward pass.
	BackendNative Backend = iota + 1
	// BackendLlamaCpp runs a GGUF file through go-llama.cpp (requires -tags=llama).
	BackendLlamaCpp
)

func (b Backend) String() string {
	switch b {
	case BackendNative:
		return "native"
	case BackendLlamaCpp:
		return "llamacpp"
	default:
		return "unknown"
	}
}

// Entry describes one catalog row.
type Entry struct {
	ID      Identifier
	Name    string // display name, e.g. "Llama-3.2-1B"
	Repo    string // hub repository, e.g. "meta-llama/Llama-3.2-1B-Instruct"
	Backend Backend
	// Weights is the weight file to fetch: a safetensors file, a safetensors
	// index (when Sharded), or a .gguf file.
	Weights string
	Sharded bool
	// Gated repositories require an access token.
	Gated bool
}

var catalog = []Entry{
	{ID: Llama32_3BInstruct, Name: "Llama-3.2-3B", Repo: "meta-llama/Llama-3.2-3B-Instruct", Backend: BackendNative, Weights: "model.safetensors.index.json", Sharded: true, Gated: true},
	{ID: Llama32_1BInstruct, Name: "Llama-3.2-1B", Repo: "meta-llama/Llama-3.2-1B-Instruct", Backend: BackendNative, Weights: "model.safetensors", Gated: true},
	{ID: SmolLM2_135MInstruct, Name: "SmolLM2-135M", Repo: "HuggingFaceTB/SmolLM2-135M-Instruct", Backend: BackendNative, Weights: "model.safetensors"},
	{ID: SmolLM2_360MInstruct, Name: "SmolLM2-360M", Repo: "HuggingFaceTB/SmolLM2-360M-Instruct", Backend: BackendNative, Weights: "model.safetensors"},
	{ID: SmolLM2_1_7BInstruct, Name: "SmolLM2-1.7B", Repo: "HuggingFaceTB/SmolLM2-1.7B-Instruct", Backend: BackendNative, Weights: "model.safetensors"},
	{ID: TinyLlama1_1BChat, Name: "TinyLlama-1.1B", Repo: "TinyLlama/TinyLlama-1.1B-Chat-v1.0", Backend: BackendNative, Weights: "model.safetensors"},
	{ID: TinyLlama1_1BChatGGUF, Name: "TinyLlama-1.1B (GGUF)", Repo: "TheBloke/TinyLlama-1.1B-Chat-v1.0-GGUF", Backend: BackendLlamaCpp, Weights: "tinyllama-1.1b-chat-v1.0.Q4_K_M.gguf"},
}

// All returns a copy of the catalog in display order.
func All() []Entry {
	out := make([]Entry, len(catalog))
	copy(out, catalog)
	return out
}

// Options returns the display names in catalog order.
func Options() []string {
	out := make([]string, 0, len(catalog))
	for _, e := range catalog {
		out = append(out, e.Name)
	}
	return out
}

// Lookup returns the entry for id.
func Lookup(id Identifier) (Entry, bool) {
	for _, e := range catalog {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// MustLookup is Lookup for identifiers taken from the constants above.
func MustLookup(id Identifier) Entry {
	e, ok := Lookup(id)
	if !ok {
		panic("registry: unknown identifier")
	}
	return e
}

// Parse resolves a display name or repository name (case-insensitive).
func Parse(s string) (Identifier, error) {
	key := strings.TrimSpace(s)
	if key == "" {
		return 0, unknownModelError{name: s}
	}
	for _, e := range catalog {
		if strings.EqualFold(e.Name, key) || strings.EqualFold(e.Repo, key) {
			return e.ID, nil
		}
	}
	return 0, unknownModelError{name: s}
}

// String returns the display name.
func (id Identifier) String() string {
	if e, ok := Lookup(id); ok {
		return e.Name
	}
	return "unknown"
}

// Repo returns the repository name, the persisted form of an identifier.
func (id Identifier) Repo() string {
	if e, ok := Lookup(id); ok {
		return e.Repo
	}
	return ""
}

// Valid reports whether id is part of the catalog.
func (id Identifier) Valid() bool {
	_, ok := Lookup(id)
	return ok
}
