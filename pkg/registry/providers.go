package registry

import (
	"time"
)

// Config wires every provider of a Manager
type Config struct {
	Docker ProviderConfig
	GHCR   ProviderConfig
	GitLab ProviderConfig
	GCR    ProviderConfig
	GitHub ProviderConfig

	DockerHub       DockerHubEndpoints
	GHCREndpoints   GHCREndpoints
	GitLabEndpoints GitLabEndpoints
	GCREndpoints    GCREndpoints
	GitHubAPIURL    string
}

// DefaultConfig returns per-provider delays and credential variables.
// Authenticated calls are paced faster than anonymous ones.
func DefaultConfig() Config {
	return Config{
		Docker: ProviderConfig{
			AnonymousDelay:     time.Second,
			AuthenticatedDelay: 200 * time.Millisecond,
			UsernameEnv:        "DOCKERHUB_USERNAME",
			TokenEnv:           "DOCKERHUB_TOKEN",
		},
		GHCR: ProviderConfig{
			AnonymousDelay:     500 * time.Millisecond,
			AuthenticatedDelay: 100 * time.Millisecond,
			UsernameEnv:        "GITHUB_USERNAME",
			TokenEnv:           "GITHUB_TOKEN",
		},
		GitLab: ProviderConfig{
			AnonymousDelay:     500 * time.Millisecond,
			AuthenticatedDelay: 100 * time.Millisecond,
			UsernameEnv:        "GITLAB_USERNAME",
			TokenEnv:           "GITLAB_TOKEN",
		},
		GCR: ProviderConfig{
			AnonymousDelay:     500 * time.Millisecond,
			AuthenticatedDelay: 100 * time.Millisecond,
			UsernameEnv:        "GCR_USERNAME",
			TokenEnv:           "GCR_TOKEN",
		},
		GitHub: ProviderConfig{
			AnonymousDelay:     2 * time.Second,
			AuthenticatedDelay: 250 * time.Millisecond,
			TokenEnv:           "GITHUB_TOKEN",
		},
		DockerHub:    DefaultDockerHubEndpoints(),
		GitHubAPIURL: defaultGitHubAPIURL,
	}
}

// WithCacheDir persists every provider cache under dir
func (c Config) WithCacheDir(dir string) Config {
	for _, pc := range []*ProviderConfig{&c.Docker, &c.GHCR, &c.GitLab, &c.GCR, &c.GitHub} {
		pc.CacheDir = dir
	}
	return c
}

// New builds a Manager with the providers in priority order
// ghcr, gitlab, gcr, docker and the GitHub releases fallback. The fallback
// gets its own rate-limit counter so a throttled registry does not put it
// in cooldown too.
func New(cfg Config, deps Deps) *Manager {
	deps = deps.withDefaults()
	fallbackDeps := deps
	fallbackDeps.Retrier = deps.Retrier.Clone()

	docker := NewDefaultProvider(cfg.Docker, cfg.DockerHub, deps)
	providers := []Provider{
		NewGHCRProvider(cfg.GHCR, cfg.GHCREndpoints, deps),
		NewGitLabProvider(cfg.GitLab, cfg.GitLabEndpoints, deps),
		NewGCRProvider(cfg.GCR, cfg.GCREndpoints, docker, deps),
		docker,
	}

	return NewManager(providers, NewGitHubReleasesProvider(cfg.GitHub, cfg.GitHubAPIURL, fallbackDeps))
}
