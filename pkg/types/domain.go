package types

import "time"

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is one immutable entry of a session log.
type Message struct {
	// Author of the message.
	// example: user
	Role Role `json:"role" example:"user"`
	// Message text.
	// example: Write a haiku about the ocean.
	Content string `json:"content" example:"Write a haiku about the ocean."`
}

// Session is a persisted conversation with its full message log.
type Session struct {
	// Opaque session identifier.
	// example: 3
	ID int64 `json:"id" example:"3"`
	// Display name.
	// example: Chat 1a2b3c4d
	Name string `json:"name" example:"Chat 1a2b3c4d"`
	// Creation time.
	CreatedAt time.Time `json:"created_at"`
	// Messages in append order.
	Messages []Message `json:"messages"`
}

// SessionSummary is the list view of a session.
type SessionSummary struct {
	ID           int64     `json:"id" example:"3"`
	Name         string    `json:"name" example:"Chat 1a2b3c4d"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"message_count" example:"4"`
}
