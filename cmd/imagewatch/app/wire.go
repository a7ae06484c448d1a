package app

import (
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/lissto-dev/imagewatch/internal/docker"
	"github.com/lissto-dev/imagewatch/pkg/batch"
	"github.com/lissto-dev/imagewatch/pkg/config"
	"github.com/lissto-dev/imagewatch/pkg/logging"
	"github.com/lissto-dev/imagewatch/pkg/registry"
	"github.com/lissto-dev/imagewatch/pkg/store/sqlite"
	"github.com/lissto-dev/imagewatch/pkg/updatecheck"
)

// components are the long-lived collaborators shared by every command
type components struct {
	store     *sqlite.Store
	registry  *registry.Manager
	docker    *docker.Client
	scheduler *batch.Scheduler
}

// newComponents opens the database and wires the registry, container
// sources and scheduler. owner is the scheduler's lock owner; empty picks a random one.
func newComponents(cfg *config.Config, owner string) (*components, error) {
	store, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	c := &components{store: store}

	regCfg := registry.DefaultConfig()
	regCfg.GitHubAPIURL = cfg.Registry.GitHubAPIURL
	if cfg.Cache.Dir != "" {
		regCfg = regCfg.WithCacheDir(cfg.Cache.Dir)
	}
	c.registry = registry.New(regCfg, registry.Deps{
		HTTP:       registry.NewHTTPClient(cfg.Registry.Timeout),
		Tokens:     store,
		DigestTool: registry.NewDigestTool(cfg.Registry.DigestTools, cfg.Registry.DigestToolTimeout),
	})

	var sources updatecheck.MultiSource
	if cfg.Docker.Enabled {
		cli, err := docker.NewClient(cfg.Docker.Host)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		cli.All = cfg.Docker.All
		c.docker = cli
		sources = append(sources, cli)
	}
	if len(cfg.Check.Containers) > 0 {
		sources = append(sources, cfg.Check.StaticContainers())
	}

	repos, err := config.LoadGitHubRepos(cfg.Check.GitHubReposFile)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	checker := updatecheck.NewChecker(sources, c.registry, store, updatecheck.Config{
		Concurrency:     cfg.Check.Concurrency,
		UserID:          cfg.Check.UserID,
		GitHubRepos:     repos,
		DisableFallback: cfg.Check.DisableFallback,
	})

	var opts []batch.Option
	if owner != "" {
		opts = append(opts, batch.WithOwner(owner))
	}
	c.scheduler = batch.NewScheduler(store, batch.Config{
		StaleLockThreshold:    cfg.Jobs.StaleLockThreshold,
		StartupSweepThreshold: cfg.Jobs.StartupSweepThreshold,
		JobTimeout:            cfg.Jobs.Timeout,
	}, opts...)
	c.scheduler.Register(batch.JobUpdateCheck, checker.Job())
	c.scheduler.Register(batch.JobHistoryPrune, batch.PruneJob(store, cfg.Jobs.Retention, clock.New()))

	logging.Logger.Debug("Components initialized",
		zap.Int("container_sources", len(sources)),
		zap.Int("github_mappings", len(repos)),
		zap.String("owner", c.scheduler.Owner()))

	return c, nil
}

// Close flushes registry caches and closes the database
func (c *components) Close() error {
	var errs []error
	if c.registry != nil {
		errs = append(errs, c.registry.Close())
	}
	if c.docker != nil {
		errs = append(errs, c.docker.Close())
	}
	errs = append(errs, c.store.Close())
	return errors.Join(errs...)
}
