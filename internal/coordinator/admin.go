package coordinator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"isotope/internal/engine"
	"isotope/internal/registry"
	"isotope/internal/store"
	"isotope/pkg/types"
)

// load runs the loader and records the outcome. Callers hold sem.
func (c *Coordinator) load(ctx context.Context, id registry.Identifier) (Model, error) {
	start := time.Now()
	h, err := c.loader.Load(ctx, id)
	if err != nil {
		modelLoadsTotal.WithLabelValues(id.String(), outcomeError).Inc()
		c.setLastError(err)
		c.events.Publish(Event{Name: EventModelLoadFailed, Model: id.String(), Fields: map[string]any{"error": err.Error()}})
		return nil, err
	}
	modelLoadsTotal.WithLabelValues(id.String(), outcomeOK).Inc()
	c.log.Info().Str("model", id.String()).Dur("elapsed", time.Since(start)).Msg("model loaded")
	c.events.Publish(Event{Name: EventModelLoaded, Model: id.String(), Fields: map[string]any{"elapsed_ms": time.Since(start).Milliseconds()}})
	return h, nil
}

// swap installs h and closes the previous handle. Callers hold sem.
func (c *Coordinator) swap(h Model) {
	old := c.handle
	c.handle = h
	if old != nil && old != h {
		if err := old.Close(); err != nil {
			c.log.Warn().Err(err).Str("model", old.ID().String()).Msg("close previous model")
		}
	}
}

// SetModel selects and loads the model named by a display or repository
// name. Selecting the model that is already loaded does nothing. On a load
// failure the previous model and selection stay in place.
func (c *Coordinator) SetModel(ctx context.Context, name string) (err error) {
	id, err := registry.Parse(name)
	if err != nil {
		return ErrInvalidSelection("model "+name, err)
	}
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	ctx, span := tracer.Start(ctx, "coordinator.set_model")
	span.SetAttributes(attribute.String("model", id.String()))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if c.handle != nil && c.handle.ID() == id && c.settings.Snapshot().Model == id {
		c.log.Debug().Str("model", id.String()).Msg("model already loaded")
		return nil
	}
	h, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	if err := c.settings.SetModel(id); err != nil {
		_ = h.Close()
		c.setLastError(err)
		return err
	}
	c.swap(h)
	c.republish(ctx)
	return nil
}

// NewSession creates an empty session and makes it active.
func (c *Coordinator) NewSession(ctx context.Context) (types.Session, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return types.Session{}, err
	}
	defer release()
	if _, err := c.createSession(ctx); err != nil {
		return types.Session{}, err
	}
	c.republish(ctx)
	return c.view.Load().active, nil
}

// SwitchSession makes id the active session. An unknown id leaves the active
// session unchanged and reports a not-found persistence error.
func (c *Coordinator) SwitchSession(ctx context.Context, id int64) (types.Session, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return types.Session{}, err
	}
	defer release()
	sess, err := c.sessions.Get(ctx, id)
	if err != nil {
		return types.Session{}, err
	}
	c.active = id
	c.events.Publish(Event{Name: EventSessionSwitched, Fields: map[string]any{"session": id}})
	c.republish(ctx)
	return sess, nil
}

// SetSamplingConfig validates and persists cfg for subsequent chats.
func (c *Coordinator) SetSamplingConfig(ctx context.Context, cfg engine.SamplingConfig) error {
	if err := cfg.Validate(); err != nil {
		return ErrInvalidSelection("sampling config", err)
	}
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	if err := c.settings.SetSampling(cfg); err != nil {
		return err
	}
	c.events.Publish(Event{Name: EventSamplingChanged, Fields: map[string]any{"temperature": cfg.Temperature, "max_tokens": cfg.MaxTokens}})
	c.republish(ctx)
	return nil
}

// SamplingConfig returns the config the next chat will use.
func (c *Coordinator) SamplingConfig() engine.SamplingConfig {
	return c.view.Load().sampling.Clone()
}

// ModelOptions returns the catalog display names in order.
func (c *Coordinator) ModelOptions() []string { return registry.Options() }

// SelectedModel returns the display name of the selected model.
func (c *Coordinator) SelectedModel() string { return c.view.Load().selected.String() }

// ListSessions returns every session, most recent first.
func (c *Coordinator) ListSessions() []types.SessionSummary {
	v := c.view.Load()
	out := make([]types.SessionSummary, len(v.sessions))
	copy(out, v.sessions)
	return out
}

// GetActiveSession returns the active session with its full log. Before the
// first chat or NewSession there is none, reported as not found.
func (c *Coordinator) GetActiveSession() (types.Session, error) {
	v := c.view.Load()
	if v.active.ID == 0 {
		return types.Session{}, &store.PersistenceError{Op: "active", Err: store.ErrNotFound}
	}
	sess := v.active
	sess.Messages = make([]types.Message, len(v.active.Messages))
	copy(sess.Messages, v.active.Messages)
	return sess, nil
}
