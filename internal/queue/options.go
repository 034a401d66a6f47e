package queue

import (
	"log/slog"
	"time"
)

const (
	defaultRetryDelay = time.Second

	// DefaultVisibilityTimeout is the lease length used when a subscription
	// does not set one.
	DefaultVisibilityTimeout = 60 * time.Second
)

// RetryPolicy controls reconnection. Attempts are spaced by a fixed Delay;
// MaxAttempts of zero retries forever.
type RetryPolicy struct {
	Delay       time.Duration
	MaxAttempts int
}

type clientConfig struct {
	Retry         RetryPolicy
	SweepInterval time.Duration
	Logger        *slog.Logger
	Metrics       Metrics
}

func (c clientConfig) withDefaults() clientConfig {
	if c.Retry.Delay <= 0 {
		c.Retry.Delay = defaultRetryDelay
	}
	if c.Retry.MaxAttempts < 0 {
		c.Retry.MaxAttempts = 0
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	return c
}

// Option configures a Client.
type Option func(*clientConfig)

// WithRetryPolicy sets the reconnection policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *clientConfig) {
		c.Retry = p
	}
}

// WithSweepInterval wakes every subscription on a fixed interval while
// connected, in addition to notifications. Zero (the default) disables it and
// dispatch is purely notification driven.
func WithSweepInterval(d time.Duration) Option {
	return func(c *clientConfig) {
		c.SweepInterval = d
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *clientConfig) {
		c.Logger = l
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(c *clientConfig) {
		c.Metrics = m
	}
}

type subscribeConfig struct {
	Visibility time.Duration
}

// SubscribeOption configures a Subscription.
type SubscribeOption func(*subscribeConfig)

// WithVisibilityTimeout sets how long a claimed task stays hidden from other
// claimants before its lease lapses.
func WithVisibilityTimeout(d time.Duration) SubscribeOption {
	return func(c *subscribeConfig) {
		c.Visibility = d
	}
}
