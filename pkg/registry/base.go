package registry

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/lissto-dev/imagewatch/pkg/cache"
	"github.com/lissto-dev/imagewatch/pkg/image"
	"github.com/lissto-dev/imagewatch/pkg/logging"
	"github.com/lissto-dev/imagewatch/pkg/metrics"
	"github.com/lissto-dev/imagewatch/pkg/ratelimit"
)

const (
	DefaultDigestTTL       = time.Hour
	DefaultPinnedDigestTTL = 6 * time.Hour
	DefaultPublishDateTTL  = 24 * time.Hour

	defaultTokenTTL = time.Minute
)

var errMissingDigest = errors.New("registry response carried no Docker-Content-Digest header")

// ProviderConfig tunes a single provider
type ProviderConfig struct {
	// AnonymousDelay is the pause before each call without credentials
	AnonymousDelay time.Duration
	// AuthenticatedDelay is the pause before each call with credentials
	AuthenticatedDelay time.Duration
	// UsernameEnv and TokenEnv name the environment variables holding process-wide credentials
	UsernameEnv string
	TokenEnv    string
	// DigestTTL applies to moving tags, PinnedDigestTTL to version tags
	DigestTTL       time.Duration
	PinnedDigestTTL time.Duration
	PublishDateTTL  time.Duration
	// CacheDir persists caches to disk when set
	CacheDir string
}

// Deps are collaborators shared by every provider
type Deps struct {
	HTTP       *HTTPClient
	Retrier    *ratelimit.Retrier
	Tokens     TokenStore
	DigestTool *DigestTool
	LookupEnv  func(string) (string, bool)
}

func (d Deps) withDefaults() Deps {
	if d.HTTP == nil {
		d.HTTP = NewHTTPClient(DefaultTimeout)
	}
	if d.Retrier == nil {
		d.Retrier = ratelimit.NewRetrier(ratelimit.DefaultConfig())
	}
	if d.LookupEnv == nil {
		d.LookupEnv = os.LookupEnv
	}
	return d
}

// baseProvider holds the caching, credential and HTTP plumbing shared by providers
type baseProvider struct {
	name         string
	cfg          ProviderConfig
	deps         Deps
	digests      cache.Cache[DigestResult]
	publishDates cache.Cache[time.Time]
	tokens       cache.Cache[string]
}

func newBaseProvider(name string, cfg ProviderConfig, deps Deps) baseProvider {
	if cfg.DigestTTL <= 0 {
		cfg.DigestTTL = DefaultDigestTTL
	}
	if cfg.PinnedDigestTTL <= 0 {
		cfg.PinnedDigestTTL = DefaultPinnedDigestTTL
	}
	if cfg.PublishDateTTL <= 0 {
		cfg.PublishDateTTL = DefaultPublishDateTTL
	}

	return baseProvider{
		name:         name,
		cfg:          cfg,
		deps:         deps.withDefaults(),
		digests:      cache.New[DigestResult](name+"-digests", cfg.CacheDir, cfg.DigestTTL),
		publishDates: cache.New[time.Time](name+"-publish-dates", cfg.CacheDir, cfg.PublishDateTTL),
		tokens:       cache.NewMemoryCache[string](defaultTokenTTL),
	}
}

// Name identifies the provider
func (b *baseProvider) Name() string {
	return b.name
}

// GetCredentials resolves credentials in order: repository token, environment, anonymous
func (b *baseProvider) GetCredentials(ctx context.Context, userID, imageRepo string) Credentials {
	if b.deps.Tokens != nil {
		if ref, err := image.ParseReference(imageRepo); err == nil {
			creds, found, err := b.deps.Tokens.RepositoryToken(ctx, userID, ref.Registry, ref.Path())
			if err != nil {
				logging.Logger.Warn("Failed to look up repository token",
					zap.String("provider", b.name),
					zap.String("image", imageRepo),
					zap.Error(err))
			} else if found && !creds.Anonymous() {
				return creds
			}
		}
	}

	if b.cfg.TokenEnv != "" {
		if token, ok := b.deps.LookupEnv(b.cfg.TokenEnv); ok && token != "" {
			username := ""
			if b.cfg.UsernameEnv != "" {
				username, _ = b.deps.LookupEnv(b.cfg.UsernameEnv)
			}
			return Credentials{Username: username, Token: token}
		}
	}

	return Credentials{}
}

// RateLimitDelay returns the per-call pause for the given credentials
func (b *baseProvider) RateLimitDelay(creds Credentials) time.Duration {
	if creds.Anonymous() {
		return b.cfg.AnonymousDelay
	}
	return b.cfg.AuthenticatedDelay
}

// ClearCache drops cached lookups for one image tag
func (b *baseProvider) ClearCache(imageRepo, tag string) {
	key := cacheKey(imageRepo, tag)
	b.digests.Delete(key)
	b.publishDates.Delete(key)
}

// ClearAllCaches drops every cached lookup
func (b *baseProvider) ClearAllCaches() {
	b.digests.Clear()
	b.publishDates.Clear()
	b.tokens.Clear()
}

// Close flushes persistent caches
func (b *baseProvider) Close() error {
	return errors.Join(b.digests.Close(), b.publishDates.Close())
}

func cacheKey(imageRepo, tag string) string {
	if tag == "" {
		tag = image.DefaultTag
	}
	return imageRepo + ":" + tag
}

// lookupDigest serves from cache or runs fetch after the rate-limit pause.
// A not-found error from fetch becomes a nil result.
func (b *baseProvider) lookupDigest(
	ctx context.Context,
	imageRepo, tag string,
	opts LookupOptions,
	fetch func(ctx context.Context, creds Credentials) (*DigestResult, error),
) (*DigestResult, error) {
	key := cacheKey(imageRepo, tag)
	if cached, ok := b.digests.Get(key); ok {
		logging.Logger.Debug("Digest cache hit",
			zap.String("provider", b.name),
			zap.String("image", imageRepo),
			zap.String("tag", tag))
		return &cached, nil
	}

	creds := b.GetCredentials(ctx, opts.UserID, imageRepo)
	if err := ratelimit.Delay(ctx, b.RateLimitDelay(creds)); err != nil {
		return nil, err
	}

	result, err := fetch(ctx, creds)
	if err != nil {
		if IsNotFound(err) {
			logging.Logger.Debug("Image not found in registry",
				zap.String("provider", b.name),
				zap.String("image", imageRepo),
				zap.String("tag", tag))
			return nil, nil
		}
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	result.Provider = b.name
	if result.Tag == "" {
		result.Tag = tag
	}
	b.digests.SetWithTTL(key, *result, image.DigestTTL(tag, b.cfg.DigestTTL, b.cfg.PinnedDigestTTL))

	out := *result
	return &out, nil
}

// lookupPublishDate serves from cache or runs fetch. Failures are logged and yield nil.
func (b *baseProvider) lookupPublishDate(
	ctx context.Context,
	imageRepo, tag string,
	fetch func(ctx context.Context) (*time.Time, error),
) *time.Time {
	key := cacheKey(imageRepo, tag)
	if cached, ok := b.publishDates.Get(key); ok {
		return &cached
	}

	published, err := fetch(ctx)
	if err != nil {
		logging.Logger.Debug("Failed to get tag publish date",
			zap.String("provider", b.name),
			zap.String("image", imageRepo),
			zap.String("tag", tag),
			zap.Error(err))
		return nil
	}
	if published == nil || published.IsZero() {
		return nil
	}

	b.publishDates.Set(key, *published)
	return published
}

// retry runs fn under the shared retrier. Not-found and auth failures are not retried.
func (b *baseProvider) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	return b.deps.Retrier.Do(ctx, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && (IsNotFound(err) || IsAuth(err)) {
			return backoff.Permanent(err)
		}
		return err
	})
}

// fetchBearerToken exchanges credentials for a registry bearer token
func (b *baseProvider) fetchBearerToken(ctx context.Context, target lookupTarget, tokenURL string, query url.Values, creds Credentials) (string, error) {
	key := tokenURL + "?" + query.Encode() + "|" + creds.Username + "|" + fingerprint(creds.Token)
	if token, ok := b.tokens.Get(key); ok {
		return token, nil
	}

	resp, err := b.deps.HTTP.do(ctx, request{
		url:     tokenURL,
		query:   query,
		basic:   &creds,
		headers: map[string]string{"Accept": "application/json"},
	})
	if err != nil {
		return "", b.transportError(target, err)
	}
	if !resp.ok() {
		return "", b.statusError(target, resp)
	}

	parsed := gjson.ParseBytes(resp.Body)
	token := parsed.Get("token").String()
	if token == "" {
		token = parsed.Get("access_token").String()
	}
	if token == "" {
		return "", &LookupError{
			Kind:     KindUnavailable,
			Provider: b.name,
			Image:    target.image,
			Tag:      target.tag,
			Registry: target.registry,
			Err:      errors.New("token endpoint returned no token"),
		}
	}

	ttl := time.Duration(parsed.Get("expires_in").Int()) * time.Second
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	if ttl > 30*time.Second {
		ttl -= 10 * time.Second
	}
	b.tokens.SetWithTTL(key, token, ttl)

	return token, nil
}

// fetchManifestDigest requests the manifest for target and returns the
// digest the registry reports in its Docker-Content-Digest header
func (b *baseProvider) fetchManifestDigest(ctx context.Context, target lookupTarget, registryURL, path, bearer string) (string, error) {
	manifestURL := fmt.Sprintf("%s/v2/%s/manifests/%s", strings.TrimRight(registryURL, "/"), path, target.tag)

	resp, err := b.deps.HTTP.do(ctx, request{
		method:  http.MethodGet,
		url:     manifestURL,
		bearer:  bearer,
		headers: map[string]string{"Accept": manifestAcceptHeader()},
	})
	if err != nil {
		return "", b.transportError(target, err)
	}
	if !resp.ok() {
		return "", b.statusError(target, resp)
	}

	digest := resp.Header.Get(headerContentDigest)
	if digest == "" {
		return "", &LookupError{
			Kind:       KindUnavailable,
			Provider:   b.name,
			Image:      target.image,
			Tag:        target.tag,
			Registry:   target.registry,
			StatusCode: resp.StatusCode,
			Err:        errMissingDigest,
		}
	}

	logging.Logger.Debug("Resolved manifest digest",
		zap.String("provider", b.name),
		zap.String("image", target.image),
		zap.String("tag", target.tag),
		zap.String("digest", digest),
		zap.String("media_type", resp.Header.Get("Content-Type")),
		zap.Bool("multi_arch", isMultiArch(resp.Header.Get("Content-Type"))))

	return image.NormalizeDigest(digest), nil
}

// lookupTarget is the context attached to errors and logs
type lookupTarget struct {
	image    string
	tag      string
	registry string
}

func targetFor(ref image.Reference, imageRepo string) lookupTarget {
	return lookupTarget{image: imageRepo, tag: ref.Tag, registry: ref.Registry}
}

func (b *baseProvider) statusError(target lookupTarget, resp *response) error {
	kind := kindForStatus(resp.StatusCode)
	if kind == KindAuth && resp.Header.Get("X-RateLimit-Remaining") == "0" {
		kind = KindRateLimited
	}

	err := &LookupError{
		Kind:       kind,
		Provider:   b.name,
		Image:      target.image,
		Tag:        target.tag,
		Registry:   target.registry,
		StatusCode: resp.StatusCode,
		Err:        errors.New(upstreamMessage(resp)),
	}

	if kind == KindRateLimited {
		metrics.RateLimited(b.name)
	}
	if kind != KindNotFound {
		logging.LogUpstreamError(b.name, target.image, target.tag, target.registry, resp.StatusCode, err)
	}
	return err
}

func (b *baseProvider) transportError(target lookupTarget, err error) error {
	logging.LogUpstreamError(b.name, target.image, target.tag, target.registry, 0, err)
	return &LookupError{
		Kind:     KindTransient,
		Provider: b.name,
		Image:    target.image,
		Tag:      target.tag,
		Registry: target.registry,
		Err:      err,
	}
}

// upstreamMessage extracts a readable message from a registry or GitHub error body
func upstreamMessage(resp *response) string {
	if gjson.ValidBytes(resp.Body) {
		parsed := gjson.ParseBytes(resp.Body)
		if msg := parsed.Get("errors.0.message").String(); msg != "" {
			return msg
		}
		if msg := parsed.Get("message").String(); msg != "" {
			return msg
		}
	}
	return http.StatusText(resp.StatusCode)
}

func fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(secret))
	return fmt.Sprintf("%x", h.Sum64())
}

// imageExists is the shared ImageExists implementation
func imageExists(ctx context.Context, p Provider, imageRepo, tag string, opts LookupOptions) bool {
	result, err := p.GetLatestDigest(ctx, imageRepo, tag, opts)
	if err != nil {
		logging.Logger.Debug("Image existence check failed",
			zap.String("provider", p.Name()),
			zap.String("image", imageRepo),
			zap.String("tag", tag),
			zap.Error(err))
		return false
	}
	return result.HasDigest()
}
