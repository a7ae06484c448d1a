package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/lissto-dev/imagewatch/pkg/logging"
)

const (
	DefaultMaxRetries         = 3
	DefaultBaseDelay          = time.Second
	DefaultRateLimitBaseDelay = 5 * time.Second
	DefaultThreshold          = 3
	DefaultCooldown           = time.Minute
)

// Config controls retry behaviour
type Config struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int
	// BaseDelay is the first delay for errors other than 429; it doubles on each retry
	BaseDelay time.Duration
	// RateLimitBaseDelay is the first delay after a 429; it doubles on each retry
	RateLimitBaseDelay time.Duration
	// Threshold is the number of consecutive 429s, across all callers, that aborts retrying
	Threshold int
	// Cooldown is how long calls are refused once Threshold has been reached
	Cooldown time.Duration
}

// DefaultConfig returns the retry settings used when none are configured
func DefaultConfig() Config {
	return Config{
		MaxRetries:         DefaultMaxRetries,
		BaseDelay:          DefaultBaseDelay,
		RateLimitBaseDelay: DefaultRateLimitBaseDelay,
		Threshold:          DefaultThreshold,
		Cooldown:           DefaultCooldown,
	}
}

// Option configures a Retrier
type Option func(*Retrier)

// WithClock overrides the time source
func WithClock(c clock.Clock) Option {
	return func(r *Retrier) {
		r.clock = c
	}
}

// Retrier runs calls with exponential backoff and tracks consecutive rate-limited
// responses. One Retrier is shared by every registry provider in the process
// so that a registry throttling one image stops lookups for all of them.
type Retrier struct {
	cfg   Config
	clock clock.Clock

	mu            sync.Mutex
	consecutive   int
	lastRateLimit time.Time
}

// NewRetrier creates a Retrier, filling zero config values with defaults
func NewRetrier(cfg Config, opts ...Option) *Retrier {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.RateLimitBaseDelay <= 0 {
		cfg.RateLimitBaseDelay = def.RateLimitBaseDelay
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}

	r := &Retrier{cfg: cfg, clock: clock.New()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do calls fn until it succeeds, returns a permanent error, or retries run out.
// Errors wrapped with backoff.Permanent are returned unwrapped and never retried;
// unless they are rate limits they reset the consecutive counter like a success.
func (r *Retrier) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := r.checkCooldown(); err != nil {
		return err
	}

	generic := newBackoff(r.cfg.BaseDelay)
	limited := newBackoff(r.cfg.RateLimitBaseDelay)

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			r.recordSuccess()
			return nil
		}

		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
			if !IsRateLimited(err) {
				r.recordSuccess()
			}
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		var delay time.Duration
		if IsRateLimited(err) {
			n := r.recordRateLimit()
			if n >= r.cfg.Threshold {
				logging.Logger.Warn("Consecutive rate limit threshold reached, aborting retries",
					zap.Int("consecutive", n),
					zap.Int("threshold", r.cfg.Threshold))
				return &RateLimitExceededError{Consecutive: n, RetryAfter: r.cfg.Cooldown, Err: err}
			}
			if attempt >= r.cfg.MaxRetries {
				return err
			}
			delay = limited.NextBackOff()
		} else {
			if attempt >= r.cfg.MaxRetries {
				return err
			}
			delay = generic.NextBackOff()
		}

		logging.Logger.Debug("Retrying registry call",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		if err := sleep(ctx, r.clock, delay); err != nil {
			return err
		}
	}
}

// Retry is Do for calls that return a value
func Retry[T any](ctx context.Context, r *Retrier, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Clone returns a Retrier with the same settings and clock but its own
// consecutive counter and cooldown
func (r *Retrier) Clone() *Retrier {
	return &Retrier{cfg: r.cfg, clock: r.clock}
}

// Consecutive returns the current consecutive rate-limit count
func (r *Retrier) Consecutive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consecutive
}

// Reset clears the consecutive rate-limit count
func (r *Retrier) Reset() {
	r.recordSuccess()
}

func (r *Retrier) checkCooldown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.consecutive < r.cfg.Threshold {
		return nil
	}
	remaining := r.cfg.Cooldown - r.clock.Since(r.lastRateLimit)
	if remaining <= 0 {
		return nil
	}
	return &RateLimitExceededError{Consecutive: r.consecutive, RetryAfter: remaining}
}

func (r *Retrier) recordRateLimit() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutive++
	r.lastRateLimit = r.clock.Now()
	return r.consecutive
}

func (r *Retrier) recordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutive = 0
}

// newBackoff returns an un-jittered doubling backoff starting at initial
func newBackoff(initial time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = initial << 10
	b.Reset()
	return b
}
