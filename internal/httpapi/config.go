package httpapi

import (
	"context"

	"github.com/rs/zerolog"
)

// DefaultMaxBodyBytes bounds JSON request bodies when Options leaves it unset.
const DefaultMaxBodyBytes int64 = 1 << 20

// CORSOptions configures the optional CORS middleware.
type CORSOptions struct {
	Enabled        bool
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// Options configures NewMux.
type Options struct {
	// BaseContext is canceled on shutdown; running chats are canceled with it.
	BaseContext  context.Context
	Logger       zerolog.Logger
	MaxBodyBytes int64
	CORS         CORSOptions
	// DefaultLogLevel applies when a request carries no override.
	DefaultLogLevel string
}

func (o Options) withDefaults() Options {
	if o.BaseContext == nil {
		o.BaseContext = context.Background()
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if len(o.CORS.AllowedMethods) == 0 {
		o.CORS.AllowedMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	}
	if len(o.CORS.AllowedHeaders) == 0 {
		o.CORS.AllowedHeaders = []string{"Content-Type", "X-Log-Level", "X-Request-Id"}
	}
	return o
}
