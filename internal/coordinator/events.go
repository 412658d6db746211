package coordinator

import "sync"

// Lifecycle event names.
const (
	EventModelLoaded     = "model_loaded"
	EventModelLoadFailed = "model_load_failed"
	EventSessionCreated  = "session_created"
	EventSessionSwitched = "session_switched"
	EventSamplingChanged = "sampling_changed"
	EventGenerationEnded = "generation_ended"
)

// Event is a coordinator lifecycle notification, separate from the per-chat
// token stream. Fields carry optional key/values.
type Event struct {
	Name   string
	Model  string
	Fields map[string]any
}

// EventPublisher receives lifecycle events. Implementations must be
// non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// MemoryPublisher stores events in memory for tests and debugging.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Count returns how many events named name were published.
func (p *MemoryPublisher) Count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Name == name {
			n++
		}
	}
	return n
}
