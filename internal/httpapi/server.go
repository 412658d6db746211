package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"isotope/internal/engine"
	"isotope/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Chat(ctx context.Context, prompt string) (<-chan types.ChatEvent, error)
	SetModel(ctx context.Context, name string) error
	ModelOptions() []string
	SelectedModel() string
	NewSession(ctx context.Context) (types.Session, error)
	SwitchSession(ctx context.Context, id int64) (types.Session, error)
	ListSessions() []types.SessionSummary
	GetActiveSession() (types.Session, error)
	SetSamplingConfig(ctx context.Context, cfg engine.SamplingConfig) error
	SamplingConfig() engine.SamplingConfig
	Status() types.StatusResponse
	Ready() bool
}

type server struct {
	svc      Service
	opts     Options
	log      zerolog.Logger
	defLevel LogLevel
}

// NewMux wires every route onto a chi router.
func NewMux(svc Service, opts Options) http.Handler {
	opts = opts.withDefaults()
	s := &server{svc: svc, opts: opts, log: opts.Logger, defLevel: parseLevel(opts.DefaultLogLevel)}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if opts.CORS.Enabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORS.AllowedOrigins,
			AllowedMethods: opts.CORS.AllowedMethods,
			AllowedHeaders: opts.CORS.AllowedHeaders,
			MaxAge:         300,
		}))
	}

	r.Post("/chat", s.handleChat)
	r.Get("/chat/ws", s.handleChatWS)

	r.Get("/models", s.handleModels)
	r.Get("/models/selected", s.handleSelectedModel)
	r.Put("/models/selected", s.handleSetModel)

	r.Get("/sessions", s.handleListSessions)
	r.Post("/sessions", s.handleNewSession)
	r.Get("/sessions/active", s.handleActiveSession)
	r.Put("/sessions/active", s.handleSwitchSession)

	r.Get("/sampling", s.handleSampling)
	r.Put("/sampling", s.handleSetSampling)

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("closing"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a size-limited JSON body into v and writes the error
// response itself when it returns false.
func (s *server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *server) reqLogger(r *http.Request) zerolog.Logger {
	l := s.log.With().Str("path", r.URL.Path)
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		l = l.Str("request_id", rid)
	}
	return l.Logger()
}

// handleChat streams one generation as NDJSON.
//
// @Summary  Send a prompt and stream the reply
// @Tags     chat
// @Accept   json
// @Produce  application/x-ndjson
// @Param    request body types.ChatRequest true "Prompt"
// @Success  200 {object} types.ChatEvent
// @Failure  400 {object} types.ErrorResponse
// @Failure  503 {object} types.ErrorResponse
// @Router   /chat [post]
func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	lvl := requestLogLevel(r, s.defLevel)
	log := s.reqLogger(r)
	start := time.Now()

	// Shutdown cancels running generations as well as client disconnects.
	ctx, cancel := joinContexts(r.Context(), s.opts.BaseContext)
	defer cancel()
	events, err := s.svc.Chat(ctx, req.Prompt)
	if err != nil {
		if lvl >= LevelError {
			log.Error().Err(err).Int("status", statusFor(err)).Msg("chat rejected")
		}
		writeError(w, err)
		return
	}
	if lvl >= LevelInfo {
		log.Info().Int("prompt_bytes", len(req.Prompt)).Msg("chat start")
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	out := io.Writer(w)
	if lvl >= LevelDebug {
		out = io.MultiWriter(w, &loggingLineWriter{log: log})
	}
	enc := json.NewEncoder(out)

	var (
		writeErr error
		last     types.ChatEvent
	)
	// The channel is always drained so the generation can release the
	// coordinator once it observes cancellation.
	for ev := range events {
		last = ev
		if writeErr != nil {
			continue
		}
		if writeErr = enc.Encode(ev); writeErr != nil {
			cancel()
			incrementChatAbort("write")
			continue
		}
		if flush != nil {
			flush()
		}
	}
	if lvl >= LevelInfo {
		e := log.Info().Str("outcome", string(last.Type)).Str("generation_id", last.GenerationID).Dur("dur", time.Since(start))
		if writeErr != nil {
			e = e.AnErr("write_err", writeErr)
		}
		e.Msg("chat end")
	}
}

// @Summary  List model options
// @Tags     models
// @Produce  json
// @Success  200 {object} types.ModelsResponse
// @Router   /models [get]
func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: s.svc.ModelOptions(), Selected: s.svc.SelectedModel()})
}

func (s *server) handleSelectedModel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.SelectedModelResponse{Model: s.svc.SelectedModel()})
}

// @Summary  Select and load a model
// @Tags     models
// @Accept   json
// @Produce  json
// @Param    request body types.SetModelRequest true "Model name"
// @Success  200 {object} types.SelectedModelResponse
// @Failure  400 {object} types.ErrorResponse
// @Failure  502 {object} types.ErrorResponse
// @Router   /models/selected [put]
func (s *server) handleSetModel(w http.ResponseWriter, r *http.Request) {
	var req types.SetModelRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	ctx, cancel := joinContexts(r.Context(), s.opts.BaseContext)
	defer cancel()
	if err := s.svc.SetModel(ctx, req.Model); err != nil {
		log := s.reqLogger(r)
		log.Warn().Err(err).Str("model", req.Model).Msg("set model failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.SelectedModelResponse{Model: s.svc.SelectedModel()})
}

// @Summary  List sessions, most recent first
// @Tags     sessions
// @Produce  json
// @Success  200 {object} types.SessionsResponse
// @Router   /sessions [get]
func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.svc.ListSessions()
	if sessions == nil {
		sessions = []types.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, types.SessionsResponse{Sessions: sessions})
}

func (s *server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := joinContexts(r.Context(), s.opts.BaseContext)
	defer cancel()
	sess, err := s.svc.NewSession(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *server) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.GetActiveSession()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// @Summary  Make another session active
// @Tags     sessions
// @Accept   json
// @Produce  json
// @Param    request body types.SwitchSessionRequest true "Session id"
// @Success  200 {object} types.Session
// @Failure  404 {object} types.ErrorResponse
// @Router   /sessions/active [put]
func (s *server) handleSwitchSession(w http.ResponseWriter, r *http.Request) {
	var req types.SwitchSessionRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.ID <= 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid session id "+strconv.FormatInt(req.ID, 10))
		return
	}
	ctx, cancel := joinContexts(r.Context(), s.opts.BaseContext)
	defer cancel()
	sess, err := s.svc.SwitchSession(ctx, req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *server) handleSampling(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.SamplingConfig())
}

// @Summary  Replace the sampling configuration
// @Tags     sampling
// @Accept   json
// @Produce  json
// @Param    request body engine.SamplingConfig true "Sampling configuration"
// @Success  200 {object} engine.SamplingConfig
// @Failure  400 {object} types.ErrorResponse
// @Router   /sampling [put]
func (s *server) handleSetSampling(w http.ResponseWriter, r *http.Request) {
	var cfg engine.SamplingConfig
	if !s.decodeJSON(w, r, &cfg) {
		return
	}
	ctx, cancel := joinContexts(r.Context(), s.opts.BaseContext)
	defer cancel()
	if err := s.svc.SetSamplingConfig(ctx, cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.SamplingConfig())
}
