package subscriber

import (
	"math/rand/v2"
	"time"

	"github.com/hugolhafner/dskit/backoff"
	"github.com/hugolhafner/go-subscriber/errorhandler"
	"github.com/hugolhafner/go-subscriber/kafka"
	"github.com/hugolhafner/go-subscriber/logger"
	"github.com/hugolhafner/go-subscriber/otel"
)

const (
	maxFreezeFloor   = 10 * time.Second
	maxFreezeCeiling = 20 * time.Second
)

type Config struct {
	// Topics subscribed to on Start.
	Topics []string
	// PollInterval is how often the broker expects a fetch. Unclaimed
	// messages are sought back after half of it.
	PollInterval time.Duration
	// RequestTimeout is used by RequestNext when the caller passes no timeout.
	RequestTimeout time.Duration
	// FreezeTime delays fetching after every assignment. Nil picks a random
	// delay once per subscriber, zero disables the delay.
	FreezeTime *time.Duration
	// IdleWait bounds how long the fetch loop sleeps while every assigned
	// partition is in flight.
	IdleWait time.Duration

	ReconnectAttempts int
	ReconnectBackoff  backoff.Backoff

	// FetchErrorHandler decides what happens after a failed fetch. Defaults
	// to logging, waiting a second and continuing.
	FetchErrorHandler errorhandler.Handler

	Logger    logger.Logger
	Telemetry *otel.Telemetry
}

func defaultConfig() Config {
	return Config{
		PollInterval:      10 * time.Second,
		RequestTimeout:    30 * time.Second,
		IdleWait:          250 * time.Millisecond,
		ReconnectAttempts: 10,
		ReconnectBackoff:  backoff.NewFixed(30 * time.Second),
		Logger:            logger.NewNoopLogger(),
		Telemetry:         otel.Noop(),
	}
}

type Option func(*Config)

func WithTopics(topics ...string) Option {
	return func(c *Config) {
		c.Topics = append(c.Topics, topics...)
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.PollInterval = d
		}
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.RequestTimeout = d
		}
	}
}

// WithFreezeTime fixes the post-assignment freeze. Zero disables it.
func WithFreezeTime(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.FreezeTime = &d
		}
	}
}

func WithIdleWait(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.IdleWait = d
		}
	}
}

// WithReconnect sets how many times Start pings the broker and how long it
// waits between attempts.
func WithReconnect(attempts int, b backoff.Backoff) Option {
	return func(c *Config) {
		if attempts > 0 {
			c.ReconnectAttempts = attempts
		}
		if b != nil {
			c.ReconnectBackoff = b
		}
	}
}

func WithFetchErrorHandler(h errorhandler.Handler) Option {
	return func(c *Config) {
		c.FetchErrorHandler = h
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

func WithTelemetry(t *otel.Telemetry) Option {
	return func(c *Config) {
		if t != nil {
			c.Telemetry = t
		}
	}
}

// freezeBounds returns the range the random freeze is drawn from. Both ends
// stay below the broker's max poll interval.
func freezeBounds(pollInterval time.Duration) (time.Duration, time.Duration) {
	maxPoll := pollInterval * kafka.MaxTimeMultiplier
	return min(maxPoll/2, maxFreezeFloor), min(maxPoll*3/4, maxFreezeCeiling)
}

func (c Config) freeze() time.Duration {
	if c.FreezeTime != nil {
		return *c.FreezeTime
	}

	lo, hi := freezeBounds(c.PollInterval)
	return lo + rand.N(hi-lo+1)
}
