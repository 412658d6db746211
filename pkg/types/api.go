package types

// EventType tags a streamed chat event.
type EventType string

const (
	EventToken EventType = "token"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// ChatRequest is the body of POST /chat and of a websocket chat frame.
type ChatRequest struct {
	// Prompt text for the next user turn.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
}

// ChatEvent is one line of the NDJSON chat stream. Exactly one done or error
// event terminates a stream.
type ChatEvent struct {
	// Event kind: token, done or error.
	// example: token
	Type EventType `json:"type" example:"token"`
	// Identifier shared by every event of one generation.
	// example: 5b0d3c1e-7f8a-4f7e-9a51-0c1d2e3f4a5b
	GenerationID string `json:"generation_id" example:"5b0d3c1e-7f8a-4f7e-9a51-0c1d2e3f4a5b"`
	// Decoded text fragment (token events).
	Text string `json:"text,omitempty"`
	// Complete assistant reply (done events).
	FullText string `json:"full_text,omitempty"`
	// Number of generated tokens (done events).
	// example: 42
	TokenCount int `json:"token_count,omitempty" example:"42"`
	// Wall time of the generation in seconds (done events).
	// example: 1.25
	ElapsedSeconds float64 `json:"elapsed_seconds,omitempty" example:"1.25"`
	// Display name of the model that produced the reply (done events).
	// example: Llama-3.2-1B
	Model string `json:"model,omitempty" example:"Llama-3.2-1B"`
	// Human readable failure description (error events).
	Message string `json:"message,omitempty"`
}

// ModelsResponse is returned by GET /models.
type ModelsResponse struct {
	// Display names in catalog order.
	Models []string `json:"models"`
	// Currently selected display name.
	// example: Llama-3.2-1B
	Selected string `json:"selected" example:"Llama-3.2-1B"`
}

// SelectedModelResponse is returned by GET /models/selected.
type SelectedModelResponse struct {
	// example: Llama-3.2-1B
	Model string `json:"model" example:"Llama-3.2-1B"`
}

// SetModelRequest is the body of PUT /models/selected. Display and repository
// names are both accepted.
type SetModelRequest struct {
	// example: SmolLM2-360M
	Model string `json:"model" example:"SmolLM2-360M"`
}

// SwitchSessionRequest is the body of PUT /sessions/active.
type SwitchSessionRequest struct {
	// example: 3
	ID int64 `json:"id" example:"3"`
}

// SessionsResponse wraps GET /sessions.
type SessionsResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Coordinator state: idle or generating.
	// example: idle
	State string `json:"state" example:"idle"`
	// Selected model display name.
	// example: Llama-3.2-1B
	SelectedModel string `json:"selected_model" example:"Llama-3.2-1B"`
	// Whether the selected model's weights are resident.
	// example: true
	ModelLoaded bool `json:"model_loaded" example:"true"`
	// Runtime of the loaded model: native or llamacpp.
	// example: native
	Backend string `json:"backend,omitempty" example:"native"`
	// Active session id, zero when none exists yet.
	// example: 3
	ActiveSession int64 `json:"active_session" example:"3"`
	// Total generations since start.
	// example: 12
	Generations uint64 `json:"generations_total" example:"12"`
	// Last error observed by the coordinator (if any).
	LastError string `json:"last_error,omitempty"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
