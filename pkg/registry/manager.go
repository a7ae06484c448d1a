package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lissto-dev/imagewatch/pkg/logging"
	"github.com/lissto-dev/imagewatch/pkg/metrics"
)

// Manager routes lookups to the first provider that can handle an image and
// falls back to GitHub releases when the registry is rate limited or down.
type Manager struct {
	providers       []Provider
	defaultProvider Provider
	fallback        Provider

	mu        sync.RWMutex
	selection map[string]Provider
}

// NewManager creates a manager over providers in priority order. The last
// provider is the default used when none matches. fallback may be nil.
func NewManager(providers []Provider, fallback Provider) *Manager {
	if len(providers) == 0 {
		panic("registry: NewManager requires at least one provider")
	}
	return &Manager{
		providers:       providers,
		defaultProvider: providers[len(providers)-1],
		fallback:        fallback,
		selection:       make(map[string]Provider),
	}
}

// Providers returns the providers in priority order
func (m *Manager) Providers() []Provider {
	return append([]Provider(nil), m.providers...)
}

// GetProvider returns the provider for imageRepo. The choice is memoized.
func (m *Manager) GetProvider(imageRepo string) Provider {
	m.mu.RLock()
	p, ok := m.selection[imageRepo]
	m.mu.RUnlock()
	if ok {
		return p
	}

	p = m.defaultProvider
	for _, candidate := range m.providers {
		if candidate.CanHandle(imageRepo) {
			p = candidate
			break
		}
	}

	m.mu.Lock()
	m.selection[imageRepo] = p
	m.mu.Unlock()

	logging.Logger.Debug("Selected registry provider",
		zap.String("image", imageRepo),
		zap.String("provider", p.Name()))
	return p
}

// GetLatestDigest resolves the latest digest for imageRepo:tag.
// A nil result with a nil error means the image is unknown upstream.
func (m *Manager) GetLatestDigest(ctx context.Context, imageRepo, tag string, opts LookupOptions) (*DigestResult, error) {
	p := m.GetProvider(imageRepo)
	done := metrics.RegistryLookup(p.Name())

	result, err := p.GetLatestDigest(ctx, imageRepo, tag, opts)
	if err == nil {
		if result == nil {
			done(metrics.ResultNotFound)
			return nil, nil
		}
		done(metrics.ResultFound)
		out := *result
		out.Provider = p.Name()
		out.IsFallback = false
		return &out, nil
	}

	if IsRateLimited(err) {
		done(metrics.ResultRateLimited)
	} else {
		done(metrics.ResultError)
	}

	if opts.DisableFallback || m.fallback == nil || ctx.Err() != nil || !ShouldFallback(err) {
		return nil, err
	}

	repo := GitHubRepoFor(imageRepo, opts.GitHubRepo)
	if repo == "" {
		return nil, err
	}

	logging.Logger.Info("Registry lookup failed, trying GitHub releases",
		zap.String("image", imageRepo),
		zap.String("tag", tag),
		zap.String("provider", p.Name()),
		zap.String("github_repo", repo),
		zap.Error(err))

	fallbackOpts := opts
	fallbackOpts.GitHubRepo = repo
	fb, ferr := m.fallback.GetLatestDigest(ctx, imageRepo, tag, fallbackOpts)
	if ferr != nil {
		metrics.Fallback(metrics.ResultError)
		return nil, errors.Join(err, fmt.Errorf("github releases fallback: %w", ferr))
	}
	if fb == nil {
		metrics.Fallback(metrics.ResultNotFound)
		return nil, nil
	}

	metrics.Fallback(metrics.ResultFound)
	out := *fb
	out.Provider = m.fallback.Name()
	out.IsFallback = true
	return &out, nil
}

// GetTagPublishDate returns when tag was published, or nil when unknown
func (m *Manager) GetTagPublishDate(ctx context.Context, imageRepo, tag string, opts LookupOptions) *time.Time {
	return m.GetProvider(imageRepo).GetTagPublishDate(ctx, imageRepo, tag, opts)
}

// ImageExists reports whether imageRepo:tag exists upstream
func (m *Manager) ImageExists(ctx context.Context, imageRepo, tag string, opts LookupOptions) bool {
	return m.GetProvider(imageRepo).ImageExists(ctx, imageRepo, tag, opts)
}

// ClearCache drops cached lookups for imageRepo:tag in its provider and the fallback
func (m *Manager) ClearCache(imageRepo, tag string) {
	m.GetProvider(imageRepo).ClearCache(imageRepo, tag)
	if m.fallback != nil {
		m.fallback.ClearCache(imageRepo, tag)
	}
}

// ClearAllCaches drops every provider cache and the selection memo
func (m *Manager) ClearAllCaches() {
	for _, p := range m.providers {
		p.ClearAllCaches()
	}
	if m.fallback != nil {
		m.fallback.ClearAllCaches()
	}

	m.mu.Lock()
	m.selection = make(map[string]Provider)
	m.mu.Unlock()
}

// Close flushes providers that persist their caches
func (m *Manager) Close() error {
	var errs []error
	all := m.providers
	if m.fallback != nil {
		all = append(append([]Provider(nil), m.providers...), m.fallback)
	}
	for _, p := range all {
		if c, ok := p.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s provider: %w", p.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
