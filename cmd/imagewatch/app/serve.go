package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lissto-dev/imagewatch/internal/server"
	"github.com/lissto-dev/imagewatch/pkg/batch"
	"github.com/lissto-dev/imagewatch/pkg/config"
	"github.com/lissto-dev/imagewatch/pkg/logging"
	pkgServer "github.com/lissto-dev/imagewatch/pkg/server"
)

const defaultGracefulTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and the periodic update check",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	if err := v.BindPFlag("server.address", serveCmd.Flags().Lookup("address")); err != nil {
		fmt.Fprintf(os.Stderr, "failed to bind address flag: %v\n", err)
		os.Exit(1)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The instance ID doubles as the scheduler lock owner so runs survive as "ours" across restarts
	instanceID, err := pkgServer.GetOrCreateInstanceID(cfg.Server.InstanceIDFile)
	if err != nil {
		return err
	}

	c, err := newComponents(cfg, instanceID)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logging.Logger.Warn("Failed to close cleanly", zap.Error(err))
		}
	}()

	if c.docker != nil {
		if err := c.docker.HealthCheck(ctx); err != nil {
			logging.Logger.Warn("Docker engine unreachable, update checks will fail until it is up", zap.Error(err))
		}
	}

	reaped, err := c.scheduler.CleanupStaleJobsOnStartup(ctx)
	if err != nil {
		return err
	}
	logging.Logger.Info("Startup sweep finished", zap.Int("failed_runs", len(reaped)))

	apiKeys, err := loadAPIKeys(cfg.Server.APIKeysFile)
	if err != nil {
		return err
	}

	srv := server.New(apiKeys, server.Deps{
		Scheduler:   c.scheduler,
		Store:       c.store,
		Registry:    c.registry,
		APIKeysFile: cfg.Server.APIKeysFile,
	}, instanceID, &server.VersionInfo{
		Version:   Version,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	})

	if cfg.Check.Interval > 0 {
		go c.scheduler.Every(ctx, batch.JobUpdateCheck, cfg.Check.Interval)
	}
	if cfg.Jobs.PruneInterval > 0 {
		go c.scheduler.Every(ctx, batch.JobHistoryPrune, cfg.Jobs.PruneInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Server.Address)
	}()

	select {
	case <-ctx.Done():
		logging.Logger.Info("Shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Logger.Warn("Server shutdown failed", zap.Error(err))
	}

	// Runs in flight finish on their own deadline
	c.scheduler.Wait()
	return nil
}

// loadAPIKeys loads the key file, generating and saving an admin key on first start
func loadAPIKeys(path string) ([]config.APIKey, error) {
	keys, err := config.LoadAPIKeys(path)
	if err != nil {
		return nil, err
	}

	keys, generated, err := config.EnsureAdminKey(keys)
	if err != nil {
		return nil, err
	}
	if generated {
		if err := config.SaveAPIKeys(path, keys); err != nil {
			return nil, err
		}
		logging.Logger.Info("Admin key generated and saved", zap.String("path", path))
	}

	logging.Logger.Info("API keys loaded", zap.Int("count", len(keys)))
	return keys, nil
}
