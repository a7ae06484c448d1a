package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/lissto-dev/imagewatch/pkg/cache"
	"github.com/lissto-dev/imagewatch/pkg/logging"
	"github.com/lissto-dev/imagewatch/pkg/ratelimit"
)

const (
	defaultGitHubAPIURL = "https://api.github.com"
	releasesPerPage     = 30
	maxReleasePages     = 3
)

// Release is a published GitHub release
type Release struct {
	Tag         string    `json:"tag"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
}

// GitHubReleasesProvider answers lookups from a repository's GitHub releases.
// It is only used as a fallback: it reports the newest release tag, never a digest.
type GitHubReleasesProvider struct {
	baseProvider
	apiURL   string
	releases cache.Cache[Release]

	// repos remembers the repository each image was last resolved against
	repos sync.Map
}

// NewGitHubReleasesProvider creates the releases fallback provider
func NewGitHubReleasesProvider(cfg ProviderConfig, apiURL string, deps Deps) *GitHubReleasesProvider {
	if apiURL == "" {
		apiURL = defaultGitHubAPIURL
	}
	base := newBaseProvider(ProviderGitHub, cfg, deps)
	return &GitHubReleasesProvider{
		baseProvider: base,
		apiURL:       strings.TrimRight(apiURL, "/"),
		releases:     cache.New[Release](ProviderGitHub+"-releases", base.cfg.CacheDir, base.cfg.DigestTTL),
	}
}

// CanHandle matches images whose GitHub repository can be derived from the path
func (p *GitHubReleasesProvider) CanHandle(imageRepo string) bool {
	return GitHubRepoFor(imageRepo, "") != ""
}

// GetLatestDigest returns the newest stable release as a fallback result.
// opts.GitHubRepo overrides the repository derived from imageRepo.
func (p *GitHubReleasesProvider) GetLatestDigest(ctx context.Context, imageRepo, tag string, opts LookupOptions) (*DigestResult, error) {
	repo := GitHubRepoFor(imageRepo, opts.GitHubRepo)
	if repo == "" {
		return nil, nil
	}
	p.repos.Store(imageRepo, repo)

	release, err := p.GetLatestRelease(ctx, repo, opts)
	if err != nil || release == nil {
		return nil, err
	}

	published := release.PublishedAt
	return &DigestResult{
		Tag:         release.Tag,
		Provider:    p.name,
		IsFallback:  true,
		Method:      MethodRelease,
		PublishedAt: &published,
	}, nil
}

// GetLatestRelease returns the most recently published non-draft, non-prerelease
// release of repo, or nil when the repository has none
func (p *GitHubReleasesProvider) GetLatestRelease(ctx context.Context, repo string, opts LookupOptions) (*Release, error) {
	if cached, ok := p.releases.Get(repo); ok {
		return &cached, nil
	}

	creds := p.GetCredentials(ctx, opts.UserID, "")
	if err := ratelimit.Delay(ctx, p.RateLimitDelay(creds)); err != nil {
		return nil, err
	}

	target := lookupTarget{image: repo, tag: "latest", registry: "github.com"}
	var latest *Release

	err := p.retry(ctx, func(ctx context.Context) error {
		latest = nil
		next := fmt.Sprintf("%s/repos/%s/releases?per_page=%d", p.apiURL, repo, releasesPerPage)

		for page := 0; page < maxReleasePages && next != ""; page++ {
			resp, err := p.deps.HTTP.do(ctx, request{url: next, headers: githubHeaders(creds)})
			if err != nil {
				return p.transportError(target, err)
			}
			if !resp.ok() {
				return p.statusError(target, resp)
			}
			if !gjson.ValidBytes(resp.Body) {
				return &LookupError{Kind: KindUnavailable, Provider: p.name, Image: repo, Tag: "latest",
					Registry: "github.com", StatusCode: resp.StatusCode, Err: errors.New("invalid releases payload")}
			}

			for _, r := range gjson.ParseBytes(resp.Body).Array() {
				if r.Get("draft").Bool() || r.Get("prerelease").Bool() {
					continue
				}
				candidate := releaseFromJSON(r)
				if candidate.Tag == "" {
					continue
				}
				if latest == nil || candidate.PublishedAt.After(latest.PublishedAt) {
					c := candidate
					latest = &c
				}
			}

			next = nextPageURL(resp.Header.Get("Link"))
		}
		return nil
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if latest == nil {
		logging.Logger.Debug("No stable releases found", zap.String("repo", repo))
		return nil, nil
	}

	p.releases.Set(repo, *latest)
	return latest, nil
}

// GetTagPublishDate returns when the release for tag was published. Both
// "<tag>" and "v<tag>" are tried.
func (p *GitHubReleasesProvider) GetTagPublishDate(ctx context.Context, imageRepo, tag string, opts LookupOptions) *time.Time {
	repo := GitHubRepoFor(imageRepo, opts.GitHubRepo)
	if repo == "" || tag == "" {
		return nil
	}

	return p.lookupPublishDate(ctx, repo, tag, func(ctx context.Context) (*time.Time, error) {
		creds := p.GetCredentials(ctx, opts.UserID, "")
		candidates := []string{tag}
		if !strings.HasPrefix(tag, "v") {
			candidates = append(candidates, "v"+tag)
		}

		for _, t := range candidates {
			resp, err := p.deps.HTTP.do(ctx, request{
				url:     fmt.Sprintf("%s/repos/%s/releases/tags/%s", p.apiURL, repo, url.PathEscape(t)),
				headers: githubHeaders(creds),
			})
			if err != nil {
				return nil, err
			}
			if resp.StatusCode == http.StatusNotFound {
				continue
			}
			if !resp.ok() {
				return nil, p.statusError(lookupTarget{image: repo, tag: t, registry: "github.com"}, resp)
			}
			published := releaseFromJSON(gjson.ParseBytes(resp.Body)).PublishedAt
			if published.IsZero() {
				return nil, nil
			}
			return &published, nil
		}
		return nil, nil
	})
}

// ImageExists reports whether a release exists for tag
func (p *GitHubReleasesProvider) ImageExists(ctx context.Context, imageRepo, tag string, opts LookupOptions) bool {
	return p.GetTagPublishDate(ctx, imageRepo, tag, opts) != nil
}

// ClearCache drops the cached release for the repository behind imageRepo,
// including one reached through an explicit mapping
func (p *GitHubReleasesProvider) ClearCache(imageRepo, tag string) {
	repo := GitHubRepoFor(imageRepo, "")
	if mapped, ok := p.repos.Load(imageRepo); ok {
		repo = mapped.(string)
	}
	if repo != "" {
		p.releases.Delete(repo)
		p.publishDates.Delete(cacheKey(repo, tag))
	}
}

// ClearAllCaches drops every cached release
func (p *GitHubReleasesProvider) ClearAllCaches() {
	p.baseProvider.ClearAllCaches()
	p.releases.Clear()
	p.repos.Clear()
}

// Close flushes persistent caches
func (p *GitHubReleasesProvider) Close() error {
	return errors.Join(p.baseProvider.Close(), p.releases.Close())
}

func githubHeaders(creds Credentials) map[string]string {
	headers := map[string]string{
		"Accept":               "application/vnd.github+json",
		"X-GitHub-Api-Version": "2022-11-28",
	}
	if !creds.Anonymous() {
		headers["Authorization"] = "Bearer " + creds.Token
	}
	return headers
}

func releaseFromJSON(r gjson.Result) Release {
	published := r.Get("published_at").Time()
	if published.IsZero() {
		published = r.Get("created_at").Time()
	}
	return Release{
		Tag:         r.Get("tag_name").String(),
		Name:        r.Get("name").String(),
		URL:         r.Get("html_url").String(),
		PublishedAt: published,
	}
}

// nextPageURL extracts the rel="next" target from a Link header
func nextPageURL(link string) string {
	for _, part := range strings.Split(link, ",") {
		segments := strings.Split(part, ";")
		if len(segments) < 2 {
			continue
		}
		for _, attr := range segments[1:] {
			if strings.TrimSpace(attr) == `rel="next"` {
				return strings.Trim(strings.TrimSpace(segments[0]), "<>")
			}
		}
	}
	return ""
}
