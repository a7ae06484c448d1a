package cache

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Cache is a keyed store whose entries expire a fixed duration after
// insertion. Expired entries are evicted lazily when read; nothing sweeps
// them in the background.
type Cache[V any] interface {
	// Get returns the value stored under key, or false when it is absent or expired
	Get(key string) (V, bool)
	// Set stores a value using the cache's default TTL
	Set(key string, value V)
	// SetWithTTL stores a value with an explicit TTL. A TTL <= 0 never expires.
	SetWithTTL(key string, value V, ttl time.Duration)
	Delete(key string)
	Clear()
	Len() int
	Close() error
}

// Option configures a cache
type Option func(*options)

type options struct {
	clock clock.Clock
}

// WithClock overrides the time source used for expiry checks
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
