package coordinator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"isotope/internal/engine"
	"isotope/pkg/types"
)

var tracer = otel.Tracer("isotope/coordinator")

func withGeneration(id string) trace.SpanStartOption {
	return trace.WithAttributes(attribute.String("generation_id", id))
}

// stream carries the events of one chat call. The channel is closed right
// after the single done or error event.
type stream struct {
	id    string
	ch    chan types.ChatEvent
	limit int
}

func newStream(limit int) *stream {
	// One slot beyond limit is reserved for the terminal event.
	return &stream{id: uuid.NewString(), ch: make(chan types.ChatEvent, limit+1), limit: limit}
}

func (s *stream) token(text string) error {
	if len(s.ch) >= s.limit {
		return ErrStreamFull
	}
	s.ch <- types.ChatEvent{Type: types.EventToken, GenerationID: s.id, Text: text}
	return nil
}

func (s *stream) done(res engine.Result, modelName string) {
	s.ch <- types.ChatEvent{
		Type:           types.EventDone,
		GenerationID:   s.id,
		FullText:       res.Text,
		TokenCount:     res.TokenCount,
		ElapsedSeconds: res.Elapsed.Seconds(),
		Model:          modelName,
	}
}

func (s *stream) fail(msg string) {
	s.ch <- types.ChatEvent{Type: types.EventError, GenerationID: s.id, Message: msg}
}

// Chat starts one generation for prompt in the active session, creating the
// session if none exists yet. It returns a bounded event channel that is
// closed after the terminal event; every event carries the same generation id.
// A consumer that falls behind by more than the stream buffer aborts the
// generation with ErrStreamFull. Input errors and lock-wait cancellation are
// returned directly; everything after that arrives as an error event.
//
// The user message is stored before generation starts. The assistant reply is
// stored only on success, so a failed or canceled turn leaves the user message
// without a reply.
func (c *Coordinator) Chat(ctx context.Context, prompt string) (<-chan types.ChatEvent, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrInvalidSelection("empty prompt", nil)
	}
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	s := newStream(c.streamBuf)
	go func() {
		defer release()
		defer close(s.ch)
		c.runChat(ctx, s, prompt)
	}()
	return s.ch, nil
}

func (c *Coordinator) runChat(ctx context.Context, s *stream, prompt string) {
	ctx, span := tracer.Start(ctx, "coordinator.chat", withGeneration(s.id))
	defer span.End()
	log := c.log.With().Str("generation", s.id).Logger()

	c.setState(StateGenerating)
	outcome, modelName := outcomeError, c.view.Load().selected.String()
	start := time.Now()
	defer func() {
		c.generations.Add(1)
		generationsTotal.WithLabelValues(modelName, outcome).Inc()
		c.republish(ctx)
		c.setState(StateIdle)
		c.events.Publish(Event{Name: EventGenerationEnded, Model: modelName, Fields: map[string]any{
			"generation_id": s.id, "outcome": outcome,
		}})
	}()

	fail := func(err error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			outcome = outcomeCanceled
			log.Info().Err(err).Msg("generation canceled")
			s.fail("canceled")
			return
		}
		log.Error().Err(err).Msg("generation failed")
		c.setLastError(err)
		s.fail(err.Error())
	}

	// Loading first keeps a failed load from leaving an empty session behind.
	h, err := c.ensureModel(ctx)
	if err != nil {
		fail(err)
		return
	}
	if err := c.ensureSession(ctx); err != nil {
		fail(err)
		return
	}
	modelName = h.ID().String()
	span.SetAttributes(attribute.String("model", modelName), attribute.Int64("session", c.active))

	if err := c.sessions.Append(ctx, c.active, types.Message{Role: types.RoleUser, Content: prompt}); err != nil {
		fail(err)
		return
	}
	c.republish(ctx)

	sess, err := c.sessions.Get(ctx, c.active)
	if err != nil {
		fail(err)
		return
	}
	formatted := engine.FormatPrompt(c.history(sess.Messages))
	cfg := c.settings.Snapshot().Sampling

	gctx, gspan := tracer.Start(ctx, "engine.generate")
	res, err := h.Generate(gctx, formatted, cfg, func(tk engine.Token) error {
		if tk.Text == "" {
			return nil
		}
		return s.token(tk.Text)
	})
	gspan.SetAttributes(attribute.Int("tokens", res.TokenCount))
	gspan.End()
	tokensGenerated.WithLabelValues(modelName).Add(float64(res.TokenCount))
	if err != nil {
		fail(err)
		return
	}

	// Storing the reply must not be skipped because the client went away
	// after the last token.
	if err := c.sessions.Append(context.WithoutCancel(ctx), c.active, types.Message{Role: types.RoleAssistant, Content: res.Text}); err != nil {
		fail(err)
		return
	}
	outcome = outcomeOK
	generationSeconds.WithLabelValues(modelName).Observe(time.Since(start).Seconds())
	log.Info().Int("tokens", res.TokenCount).Dur("elapsed", res.Elapsed).Str("finish", res.FinishReason).Msg("generation complete")
	s.done(res, modelName)
}

// history prepends the system preamble to the stored messages.
func (c *Coordinator) history(msgs []types.Message) []types.Message {
	out := make([]types.Message, 0, len(msgs)+1)
	out = append(out, types.Message{Role: types.RoleSystem, Content: c.systemPrompt})
	return append(out, msgs...)
}

// ensureSession creates the first session lazily. Callers hold sem.
func (c *Coordinator) ensureSession(ctx context.Context) error {
	if c.active != 0 {
		return nil
	}
	_, err := c.createSession(ctx)
	return err
}

// createSession makes a fresh session active. Callers hold sem.
func (c *Coordinator) createSession(ctx context.Context) (int64, error) {
	name := "Chat " + uuid.NewString()[:8]
	id, err := c.sessions.Create(ctx, name)
	if err != nil {
		return 0, err
	}
	c.active = id
	c.log.Info().Int64("session", id).Str("name", name).Msg("session created")
	c.events.Publish(Event{Name: EventSessionCreated, Fields: map[string]any{"session": id, "name": name}})
	return id, nil
}

// ensureModel loads the selected model on first use. Callers hold sem.
func (c *Coordinator) ensureModel(ctx context.Context) (Model, error) {
	selected := c.settings.Snapshot().Model
	if c.handle != nil && c.handle.ID() == selected {
		return c.handle, nil
	}
	h, err := c.load(ctx, selected)
	if err != nil {
		return nil, err
	}
	c.swap(h)
	return h, nil
}
