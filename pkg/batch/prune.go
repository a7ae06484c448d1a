package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultRetention is how long terminal runs are kept by the prune job
const DefaultRetention = 30 * 24 * time.Hour

// PruneJob returns a job that deletes terminal runs older than retention
func PruneJob(store Store, retention time.Duration, clk clock.Clock) JobFunc {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if clk == nil {
		clk = clock.New()
	}

	return func(ctx context.Context, _ Run, log *LogBuffer) (Result, error) {
		cutoff := clk.Now().Add(-retention)
		log.Addf("Deleting runs started before %s", cutoff.UTC().Format(time.RFC3339))

		n, err := store.PruneRuns(ctx, cutoff)
		if err != nil {
			return Result{}, fmt.Errorf("failed to prune runs: %w", err)
		}

		log.Addf("Deleted %d runs", n)
		return Result{Checked: int(n)}, nil
	}
}
