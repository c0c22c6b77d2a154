package storage

import (
	"log/slog"
	"time"
)

const (
	// DefaultConnectAttempts is how many times a backend tries to connect before giving up.
	DefaultConnectAttempts = 5

	// DefaultConnectDelay is the delay before the second connection attempt.
	// It doubles on every further attempt.
	DefaultConnectDelay = 500 * time.Millisecond
)

// Options holds settings shared by every backend constructor.
type Options struct {
	Logger          *slog.Logger
	ConnectAttempts int
	ConnectDelay    time.Duration
}

// Option configures a backend.
type Option func(*Options)

// WithLogger sets a custom logger for the backend.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithConnectRetry bounds the exponential backoff used while connecting.
func WithConnectRetry(attempts int, delay time.Duration) Option {
	return func(o *Options) {
		if attempts > 0 {
			o.ConnectAttempts = attempts
		}
		if delay >= 0 {
			o.ConnectDelay = delay
		}
	}
}

// NewOptions applies opts over the defaults.
func NewOptions(opts ...Option) *Options {
	o := &Options{
		Logger:          slog.Default(),
		ConnectAttempts: DefaultConnectAttempts,
		ConnectDelay:    DefaultConnectDelay,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
