package updatecheck

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lissto-dev/imagewatch/pkg/batch"
	"github.com/lissto-dev/imagewatch/pkg/image"
	"github.com/lissto-dev/imagewatch/pkg/logging"
	"github.com/lissto-dev/imagewatch/pkg/metrics"
	"github.com/lissto-dev/imagewatch/pkg/ratelimit"
	"github.com/lissto-dev/imagewatch/pkg/registry"
)

// DefaultConcurrency is the number of image lookups in flight at once
const DefaultConcurrency = 4

// Resolver looks up the latest upstream state of an image tag.
// *registry.Manager implements it.
type Resolver interface {
	GetLatestDigest(ctx context.Context, imageRepo, tag string, opts registry.LookupOptions) (*registry.DigestResult, error)
}

// Config tunes a Checker
type Config struct {
	Concurrency int
	// UserID selects repository tokens for lookups
	UserID string
	// GitHubRepos maps image repositories to "owner/repo" for the releases fallback
	GitHubRepos map[string]string
	// DisableFallback turns off the releases fallback
	DisableFallback bool
}

// Option configures a Checker
type Option func(*Checker)

// WithClock overrides the time source used for check timestamps
func WithClock(c clock.Clock) Option {
	return func(ch *Checker) {
		ch.clock = c
	}
}

// Checker compares every deployed image against its registry
type Checker struct {
	source   ContainerSource
	resolver Resolver
	results  ResultStore
	cfg      Config
	clock    clock.Clock
}

// NewChecker creates a Checker
func NewChecker(source ContainerSource, resolver Resolver, results ResultStore, cfg Config, opts ...Option) *Checker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	c := &Checker{
		source:   source,
		resolver: resolver,
		results:  results,
		cfg:      cfg,
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Job adapts the checker to the scheduler
func (c *Checker) Job() batch.JobFunc {
	return func(ctx context.Context, _ batch.Run, log *batch.LogBuffer) (batch.Result, error) {
		return c.Run(ctx, log)
	}
}

// imageGroup is every container running one image tag
type imageGroup struct {
	imageRepo  string
	tag        string
	githubRepo string
	containers []Container
}

func (g *imageGroup) key() string {
	return g.imageRepo + ":" + g.tag
}

// Run checks every container once. Failing to list containers or to persist
// results fails the run, as does ctx ending before every image was looked
// up; failed lookups are logged and counted.
func (c *Checker) Run(ctx context.Context, log *batch.LogBuffer) (batch.Result, error) {
	containers, err := c.source.ListContainers(ctx)
	if err != nil {
		return batch.Result{}, fmt.Errorf("failed to list containers: %w", err)
	}
	log.Addf("Found %d containers", len(containers))

	groups, invalid := c.group(containers, log)
	log.Addf("Checking %d distinct images", len(groups))

	var (
		checked     atomic.Int64
		updated     atomic.Int64
		failed      atomic.Int64
		skipped     atomic.Int64
		interrupted atomic.Int64
		stop        atomic.Bool
		failMu      sync.Mutex
		failures    []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)

	for _, grp := range groups {
		g.Go(func() error {
			if stop.Load() {
				skipped.Add(int64(len(grp.containers)))
				return nil
			}
			if gctx.Err() != nil {
				interrupted.Add(1)
				return nil
			}

			latest, err := c.resolver.GetLatestDigest(gctx, grp.imageRepo, grp.tag, registry.LookupOptions{
				UserID:          c.cfg.UserID,
				GitHubRepo:      grp.githubRepo,
				DisableFallback: c.cfg.DisableFallback,
			})
			if err != nil {
				if gctx.Err() != nil {
					interrupted.Add(1)
					return nil
				}
				if ratelimit.IsRateLimitExceeded(err) && !stop.Swap(true) {
					log.Add("Registry rate limit exceeded, skipping remaining images")
				}
				failed.Add(1)
				failMu.Lock()
				failures = append(failures, grp.key())
				failMu.Unlock()

				logging.Logger.Warn("Image check failed",
					zap.String("image", grp.imageRepo),
					zap.String("tag", grp.tag),
					zap.Error(err))
				log.Addf("Failed to check %s: %v", grp.key(), err)
				return nil
			}
			if latest == nil {
				log.Addf("No upstream information for %s", grp.key())
				return nil
			}

			n, err := c.record(gctx, grp, latest)
			if err != nil {
				return err
			}
			checked.Add(int64(len(grp.containers)))
			updated.Add(int64(n))
			if n > 0 {
				log.Addf("Update available for %s (%d containers)", grp.key(), n)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return batch.Result{Checked: int(checked.Load()), Updated: int(updated.Load())}, err
	}

	result := batch.Result{Checked: int(checked.Load()), Updated: int(updated.Load())}
	if err := ctx.Err(); err != nil {
		n := interrupted.Load()
		log.Addf("Interrupted with %d images unchecked", n)
		logging.Logger.Warn("Update check interrupted",
			zap.Int("images", len(groups)),
			zap.Int64("unchecked", n),
			zap.Error(err))
		return result, fmt.Errorf("update check interrupted, %d of %d images unchecked: %w", n, len(groups), err)
	}
	metrics.UpdatesAvailable(result.Updated)

	if n := skipped.Load(); n > 0 {
		log.Addf("Skipped %d containers after rate limiting", n)
	}
	if n := failed.Load(); n > 0 || invalid > 0 {
		sort.Strings(failures)
		result.Error = fmt.Sprintf("%d of %d images could not be checked", int(n)+invalid, len(groups)+invalid)
		if skipped.Load() > 0 {
			result.Error += "; registry rate limit exceeded"
		}
	}

	logging.Logger.Info("Update check finished",
		zap.Int("containers", len(containers)),
		zap.Int("images", len(groups)),
		zap.Int("checked", result.Checked),
		zap.Int("updated", result.Updated),
		zap.Int64("failed", failed.Load()),
		zap.Strings("failed_images", failures))

	return result, nil
}

// group normalizes container images and deduplicates them by repository and tag.
// It returns the groups in a stable order and the number of unparseable images.
func (c *Checker) group(containers []Container, log *batch.LogBuffer) ([]*imageGroup, int) {
	byKey := make(map[string]*imageGroup)
	var order []string
	invalid := 0

	for _, ctr := range containers {
		if ctr.ImageRepo == "" || ctr.Tag == "" {
			ref, err := image.ParseReference(ctr.Image)
			if err != nil {
				invalid++
				log.Addf("Skipping container %s: %v", ctr.Name, err)
				logging.Logger.Warn("Skipping container with unparseable image",
					zap.String("container", ctr.Name),
					zap.String("image", ctr.Image),
					zap.Error(err))
				continue
			}
			if ctr.ImageRepo == "" {
				ctr.ImageRepo = ref.Name()
			}
			if ctr.Tag == "" {
				ctr.Tag = ref.Tag
			}
			if ctr.CurrentDigest == "" {
				ctr.CurrentDigest = ref.Digest
			}
		}

		grp := &imageGroup{imageRepo: ctr.ImageRepo, tag: ctr.Tag}
		if existing, ok := byKey[grp.key()]; ok {
			grp = existing
		} else {
			byKey[grp.key()] = grp
			order = append(order, grp.key())
		}

		if grp.githubRepo == "" {
			grp.githubRepo = ctr.GitHubRepo
		}
		if grp.githubRepo == "" {
			grp.githubRepo = c.cfg.GitHubRepos[ctr.ImageRepo]
		}
		grp.containers = append(grp.containers, ctr)
	}

	groups := make([]*imageGroup, 0, len(order))
	for _, k := range order {
		groups = append(groups, byKey[k])
	}
	return groups, invalid
}

// record persists the lookup and each container's status. It returns the
// number of containers with an update.
func (c *Checker) record(ctx context.Context, grp *imageGroup, latest *registry.DigestResult) (int, error) {
	now := c.clock.Now()

	version := RegistryVersion{
		ImageRepo:    grp.imageRepo,
		Tag:          grp.tag,
		LatestDigest: latest.Digest,
		Provider:     latest.Provider,
		IsFallback:   latest.IsFallback,
		Method:       latest.Method,
		PublishedAt:  latest.PublishedAt,
		CheckedAt:    now,
	}
	if latest.IsFallback {
		version.LatestVersion = latest.Tag
	}
	if err := c.results.UpsertRegistryVersion(ctx, version); err != nil {
		return 0, err
	}

	updates := 0
	for _, ctr := range grp.containers {
		hasUpdate := registry.HasUpdate(ctr.CurrentDigest, ctr.Tag, latest)
		if hasUpdate {
			updates++
		}
		if err := c.results.UpsertContainerStatus(ctx, ContainerStatus{
			ContainerID:   ctr.ID,
			ContainerName: ctr.Name,
			Image:         ctr.Image,
			ImageRepo:     grp.imageRepo,
			Tag:           grp.tag,
			CurrentDigest: image.NormalizeDigest(ctr.CurrentDigest),
			LatestDigest:  latest.Digest,
			LatestVersion: version.LatestVersion,
			Provider:      latest.Provider,
			HasUpdate:     hasUpdate,
			CheckedAt:     now,
		}); err != nil {
			return updates, err
		}
	}
	return updates, nil
}
