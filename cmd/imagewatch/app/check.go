package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lissto-dev/imagewatch/pkg/batch"
)

var checkJobType string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run a job once and wait for it to finish",
	Long: `Run a job in the foreground. If a run of the same job is already in
progress, in this or another process, nothing is started and the running
run's id is printed.`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkJobType, "job", string(batch.JobUpdateCheck), "Job type (update_check, history_prune)")
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newComponents(cfg, "")
	if err != nil {
		return err
	}
	defer c.Close()

	res, run, err := c.scheduler.RunJob(ctx, batch.JobType(checkJobType), true)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if res.AlreadyRunning {
		fmt.Fprintf(out, "%s is already running (run %d)\n", checkJobType, res.ExistingRunID)
		return nil
	}

	fmt.Fprintf(out, "Run %d %s: checked %d, updates %d\n", run.ID, run.Status, run.CheckedCount, run.UpdatedCount)
	if run.ErrorMessage != "" {
		fmt.Fprintf(out, "Error: %s\n", run.ErrorMessage)
	}
	if run.Status == batch.StatusFailed {
		return fmt.Errorf("run %d failed", run.ID)
	}
	return nil
}
