package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lissto-dev/imagewatch/pkg/batch"
	"github.com/lissto-dev/imagewatch/pkg/store/sqlite"
)

var (
	runsLimit  int
	runsFormat string
	runsLatest bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Print job run history",
	RunE:  runRuns,
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Number of runs to show")
	runsCmd.Flags().StringVar(&runsFormat, "format", "table", "Output format (table, json)")
	runsCmd.Flags().BoolVar(&runsLatest, "latest", false, "Show only the latest run of each job type")
}

func runRuns(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()

	var runs []batch.Run
	if runsLatest {
		latest, err := store.LatestRunsByJobType(ctx)
		if err != nil {
			return err
		}
		for _, r := range latest {
			runs = append(runs, r)
		}
		sort.Slice(runs, func(i, j int) bool { return runs[i].JobType < runs[j].JobType })
	} else {
		runs, err = store.RecentRuns(ctx, runsLimit)
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if runsFormat == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tJOB\tSTATUS\tSTARTED\tDURATION\tCHECKED\tUPDATES\tERROR")
	for _, r := range runs {
		duration := "-"
		if r.DurationMs != nil {
			duration = (time.Duration(*r.DurationMs) * time.Millisecond).String()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.ID, r.JobType, r.Status, r.StartedAt.Local().Format(time.DateTime),
			duration, r.CheckedCount, r.UpdatedCount, r.ErrorMessage)
	}
	return w.Flush()
}
