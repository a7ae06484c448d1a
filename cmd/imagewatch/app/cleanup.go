package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Fail runs left running by a crashed process",
	Long: `Mark every run that has been running longer than the startup sweep
threshold as failed. serve does this on every start.`,
	RunE: runCleanup,
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	c, err := newComponents(cfg, "")
	if err != nil {
		return err
	}
	defer c.Close()

	ids, err := c.scheduler.CleanupStaleJobsOnStartup(context.Background())
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Failed %d stale runs\n", len(ids))
	for _, id := range ids {
		fmt.Fprintf(cmd.OutOrStdout(), "  run %d\n", id)
	}
	return nil
}
