package ratelimit

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

var systemClock clock.Clock = clock.New()

// Delay pauses before an outbound registry call. It returns early with the
// context error if ctx is done first.
func Delay(ctx context.Context, d time.Duration) error {
	return sleep(ctx, systemClock, d)
}

func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := clk.Timer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
