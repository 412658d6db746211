// Package coordinator owns the loaded model, the active session and the
// sampling configuration, and serializes every chat and administrative
// operation against them.
//
// Mutating operations take one exclusive weighted semaphore in FIFO order.
// Read-only queries are served from an immutable view that is republished
// after every mutation, so they never wait behind a running generation.
package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"isotope/internal/engine"
	"isotope/internal/model"
	"isotope/internal/registry"
	"isotope/internal/settings"
	"isotope/pkg/types"
)

// State is the coordinator lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateGenerating State = "generating"
)

// Model is a loaded, runnable model. *model.Handle implements it.
type Model interface {
	ID() registry.Identifier
	Generate(ctx context.Context, prompt string, cfg engine.SamplingConfig, emit func(engine.Token) error) (engine.Result, error)
	Close() error
}

// Loader turns an identifier into a Model.
type Loader interface {
	Load(ctx context.Context, id registry.Identifier) (Model, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, id registry.Identifier) (Model, error)

func (f LoaderFunc) Load(ctx context.Context, id registry.Identifier) (Model, error) { return f(ctx, id) }

// HandleLoader adapts a *model.Loader.
func HandleLoader(l *model.Loader) Loader {
	return LoaderFunc(func(ctx context.Context, id registry.Identifier) (Model, error) {
		h, err := l.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		return h, nil
	})
}

// Sessions is the durable session log. *store.Store implements it.
type Sessions interface {
	Create(ctx context.Context, name string) (int64, error)
	Append(ctx context.Context, id int64, m types.Message) error
	Get(ctx context.Context, id int64) (types.Session, error)
	List(ctx context.Context) ([]types.SessionSummary, error)
	MostRecent(ctx context.Context) (int64, bool, error)
}

// Settings persists the selected model and sampling config.
// *settings.Store implements it.
type Settings interface {
	Snapshot() settings.Snapshot
	SetModel(id registry.Identifier) error
	SetSampling(cfg engine.SamplingConfig) error
}

// Config configures New.
type Config struct {
	Loader       Loader
	Sessions     Sessions
	Settings     Settings
	// SystemPrompt defaults to engine.DefaultSystemPrompt.
	SystemPrompt string
	// StreamBuffer bounds the per-chat event channel.
	StreamBuffer int
	Logger       zerolog.Logger
	Events       EventPublisher
}

const defaultStreamBuffer = 256

// Coordinator is created once by the process entry point and shared by every
// front end.
type Coordinator struct {
	loader       Loader
	sessions     Sessions
	settings     Settings
	systemPrompt string
	streamBuf    int
	log          zerolog.Logger
	events       EventPublisher
	started      time.Time

	sem *semaphore.Weighted
	// Guarded by sem.
	handle Model
	active int64

	view        atomic.Pointer[view]
	generations atomic.Uint64
	closed      atomic.Bool
}

// view is the immutable projection served to read-only queries.
type view struct {
	state    State
	selected registry.Identifier
	loaded   registry.Identifier
	backend  string
	sampling engine.SamplingConfig
	active   types.Session
	sessions []types.SessionSummary
	lastErr  string
}

// New restores the most recent session, if any, and publishes the initial view.
// The selected model is loaded lazily on first use.
func New(ctx context.Context, cfg Config) (*Coordinator, error) {
	if cfg.Loader == nil || cfg.Sessions == nil || cfg.Settings == nil {
		return nil, errors.New("coordinator: loader, sessions and settings are required")
	}
	c := &Coordinator{
		loader:       cfg.Loader,
		sessions:     cfg.Sessions,
		settings:     cfg.Settings,
		systemPrompt: cfg.SystemPrompt,
		streamBuf:    cfg.StreamBuffer,
		log:          cfg.Logger,
		events:       cfg.Events,
		started:      time.Now(),
		sem:          semaphore.NewWeighted(1),
	}
	if c.systemPrompt == "" {
		c.systemPrompt = engine.DefaultSystemPrompt
	}
	if c.streamBuf <= 0 {
		c.streamBuf = defaultStreamBuffer
	}
	if c.events == nil {
		c.events = noopPublisher{}
	}
	id, ok, err := c.sessions.MostRecent(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		c.active = id
		c.log.Info().Int64("session", id).Msg("restored most recent session")
	}
	snap := c.settings.Snapshot()
	c.view.Store(&view{state: StateIdle, selected: snap.Model, sampling: snap.Sampling})
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// acquire waits for exclusive access in FIFO order.
func (c *Coordinator) acquire(ctx context.Context) (func(), error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	start := time.Now()
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	lockWaitSeconds.Observe(time.Since(start).Seconds())
	if c.closed.Load() {
		c.sem.Release(1)
		return nil, ErrClosed
	}
	return func() { c.sem.Release(1) }, nil
}

// refresh rebuilds the view from the owned state. Callers hold sem, except New.
func (c *Coordinator) refresh(ctx context.Context) error {
	prev := c.view.Load()
	next := *prev
	snap := c.settings.Snapshot()
	next.selected = snap.Model
	next.sampling = snap.Sampling
	next.loaded, next.backend = 0, ""
	if c.handle != nil {
		next.loaded = c.handle.ID()
		next.backend = backendOf(c.handle)
	}
	list, err := c.sessions.List(ctx)
	if err != nil {
		return err
	}
	next.sessions = list
	next.active = types.Session{}
	if c.active != 0 {
		sess, err := c.sessions.Get(ctx, c.active)
		if err != nil {
			return err
		}
		next.active = sess
	}
	c.view.Store(&next)
	return nil
}

// republish is refresh for paths where the mutation already succeeded.
func (c *Coordinator) republish(ctx context.Context) {
	if err := c.refresh(context.WithoutCancel(ctx)); err != nil {
		c.log.Warn().Err(err).Msg("refresh coordinator view")
	}
}

func (c *Coordinator) setState(s State) {
	next := *c.view.Load()
	next.state = s
	c.view.Store(&next)
}

func (c *Coordinator) setLastError(err error) {
	next := *c.view.Load()
	next.lastErr = err.Error()
	c.view.Store(&next)
}

func backendOf(m Model) string {
	if k, ok := m.(interface{ Kind() model.Kind }); ok {
		return k.Kind().String()
	}
	return ""
}

// State reports whether a generation is in flight.
func (c *Coordinator) State() State { return c.view.Load().state }

// Status summarizes the coordinator for the status endpoint.
func (c *Coordinator) Status() types.StatusResponse {
	v := c.view.Load()
	now := time.Now()
	return types.StatusResponse{
		State:          string(v.state),
		SelectedModel:  v.selected.String(),
		ModelLoaded:    v.loaded != 0 && v.loaded == v.selected,
		Backend:        v.backend,
		ActiveSession:  v.active.ID,
		Generations:    c.generations.Load(),
		LastError:      v.lastErr,
		UptimeSeconds:  int64(now.Sub(c.started).Seconds()),
		ServerTimeUnix: now.Unix(),
	}
}

// Ready reports whether the coordinator accepts work.
func (c *Coordinator) Ready() bool { return !c.closed.Load() }

// Close waits for the running operation, if any, and releases the model.
// Queued operations fail with ErrClosed.
func (c *Coordinator) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if err := c.sem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer c.sem.Release(1)
	if c.handle == nil {
		return nil
	}
	err := c.handle.Close()
	c.handle = nil
	return err
}
