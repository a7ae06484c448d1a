package registry_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lissto-dev/imagewatch/pkg/ratelimit"
	"github.com/lissto-dev/imagewatch/pkg/registry"
)

var _ = Describe("Manager", func() {
	Describe("GetProvider", func() {
		var manager *registry.Manager

		BeforeEach(func() {
			manager = registry.New(registry.DefaultConfig(), testDeps(env{}))
		})

		DescribeTable("selects the provider by host",
			func(imageRepo, expected string) {
				Expect(manager.GetProvider(imageRepo).Name()).To(Equal(expected))
			},
			Entry("official Docker Hub image", "nginx", registry.ProviderDocker),
			Entry("namespaced Docker Hub image", "bitnami/postgresql", registry.ProviderDocker),
			Entry("GitHub Container Registry", "ghcr.io/owner/app", registry.ProviderGHCR),
			Entry("GitLab.com registry", "registry.gitlab.com/group/app", registry.ProviderGitLab),
			Entry("self-managed GitLab", "gitlab.internal.example:5050/team/app", registry.ProviderGitLab),
			Entry("Google Container Registry", "gcr.io/project/app", registry.ProviderGCR),
			Entry("unknown OCI host", "quay.io/prometheus/node-exporter", registry.ProviderDocker),
		)

		It("orders providers ghcr, gitlab, gcr, docker", func() {
			var names []string
			for _, p := range manager.Providers() {
				names = append(names, p.Name())
			}
			Expect(names).To(Equal([]string{
				registry.ProviderGHCR, registry.ProviderGitLab, registry.ProviderGCR, registry.ProviderDocker,
			}))
		})

		It("returns the same instance for the same image", func() {
			first := manager.GetProvider("ghcr.io/owner/app")
			Expect(manager.GetProvider("ghcr.io/owner/app")).To(BeIdenticalTo(first))
		})

		It("memoizes the selection until caches are cleared", func() {
			ghcr := &stubProvider{name: "ghcr", handles: func(s string) bool { return strings.HasPrefix(s, "ghcr.io/") }}
			docker := &stubProvider{name: "docker"}
			m := registry.NewManager([]registry.Provider{ghcr, docker}, nil)

			for i := 0; i < 5; i++ {
				Expect(m.GetProvider("nginx").Name()).To(Equal("docker"))
			}
			Expect(ghcr.canHandleCount()).To(Equal(1))

			m.ClearAllCaches()
			Expect(m.GetProvider("nginx").Name()).To(Equal("docker"))
			Expect(ghcr.canHandleCount()).To(Equal(2))
			Expect(ghcr.clearedAll).To(Equal(1))
			Expect(docker.clearedAll).To(Equal(1))
		})

		It("is safe for concurrent use", func() {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					Expect(manager.GetProvider("ghcr.io/owner/app").Name()).To(Equal(registry.ProviderGHCR))
				}()
			}
			wg.Wait()
		})
	})

	Describe("GetLatestDigest", func() {
		var (
			ctx      context.Context
			primary  *stubProvider
			fallback *stubProvider
			manager  *registry.Manager
		)

		rateLimited := &registry.LookupError{
			Kind:       registry.KindRateLimited,
			Provider:   "ghcr",
			Image:      "ghcr.io/owner/app",
			Tag:        "1.2.0",
			StatusCode: http.StatusTooManyRequests,
			Err:        errors.New("too many requests"),
		}

		BeforeEach(func() {
			ctx = context.Background()
			primary = &stubProvider{name: "ghcr", handles: func(string) bool { return true }}
			fallback = &stubProvider{name: "github", result: &registry.DigestResult{Tag: "v1.3.0", Method: registry.MethodRelease}}
			manager = registry.NewManager([]registry.Provider{primary}, fallback)
		})

		It("tags the result with the provider name", func() {
			primary.result = &registry.DigestResult{Digest: digestA, Tag: "1.2.0", Provider: "something-else", IsFallback: true}

			result, err := manager.GetLatestDigest(ctx, "ghcr.io/owner/app", "1.2.0", registry.LookupOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Provider).To(Equal("ghcr"))
			Expect(result.IsFallback).To(BeFalse())
			Expect(fallback.callCount()).To(Equal(0))
		})

		It("returns nil for unknown images without falling back", func() {
			result, err := manager.GetLatestDigest(ctx, "ghcr.io/owner/app", "1.2.0", registry.LookupOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(BeNil())
			Expect(fallback.callCount()).To(Equal(0))
		})

		It("falls back to GitHub releases when rate limited", func() {
			primary.err = rateLimited

			result, err := manager.GetLatestDigest(ctx, "ghcr.io/owner/app", "1.2.0", registry.LookupOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.IsFallback).To(BeTrue())
			Expect(result.Provider).To(Equal("github"))
			Expect(result.Digest).To(BeEmpty())
			Expect(result.Tag).To(Equal("v1.3.0"))
			Expect(fallback.lastOpts.GitHubRepo).To(Equal("owner/app"))

			Expect(registry.HasUpdate("", "1.2.0", result)).To(BeTrue())
		})

		It("falls back when the retrier gave up after consecutive rate limits", func() {
			primary.err = &ratelimit.RateLimitExceededError{Consecutive: 3, Err: rateLimited}

			result, err := manager.GetLatestDigest(ctx, "ghcr.io/owner/app", "1.2.0", registry.LookupOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.IsFallback).To(BeTrue())
		})

		It("falls back for server outages", func() {
			primary.err = &registry.LookupError{Kind: registry.KindUnavailable, StatusCode: http.StatusBadGateway}

			result, err := manager.GetLatestDigest(ctx, "ghcr.io/owner/app", "1.2.0", registry.LookupOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.IsFallback).To(BeTrue())
		})

		It("uses an explicit repository mapping for non-GitHub images", func() {
			primary.err = rateLimited

			result, err := manager.GetLatestDigest(ctx, "nginx", "1.25", registry.LookupOptions{GitHubRepo: "nginx/nginx"})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.IsFallback).To(BeTrue())
			Expect(fallback.lastOpts.GitHubRepo).To(Equal("nginx/nginx"))
		})

		It("propagates the error when no GitHub repository is known", func() {
			primary.err = rateLimited

			_, err := manager.GetLatestDigest(ctx, "nginx", "1.25", registry.LookupOptions{})
			Expect(err).To(MatchError(rateLimited))
			Expect(fallback.callCount()).To(Equal(0))
		})

		It("propagates the error when fallback is disabled", func() {
			primary.err = rateLimited

			_, err := manager.GetLatestDigest(ctx, "ghcr.io/owner/app", "1.2.0", registry.LookupOptions{DisableFallback: true})
			Expect(registry.IsRateLimited(err)).To(BeTrue())
			Expect(fallback.callCount()).To(Equal(0))
		})

		It("never falls back on auth failures", func() {
			primary.err = &registry.LookupError{Kind: registry.KindAuth, StatusCode: http.StatusUnauthorized}

			_, err := manager.GetLatestDigest(ctx, "ghcr.io/owner/app", "1.2.0", registry.LookupOptions{})
			Expect(registry.IsAuth(err)).To(BeTrue())
			Expect(fallback.callCount()).To(Equal(0))
		})

		It("does not fall back once the caller has cancelled", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()
			primary.err = rateLimited

			_, err := manager.GetLatestDigest(cancelled, "ghcr.io/owner/app", "1.2.0", registry.LookupOptions{})
			Expect(err).To(HaveOccurred())
			Expect(fallback.callCount()).To(Equal(0))
		})

		It("reports nothing when the fallback finds no release", func() {
			primary.err = rateLimited
			fallback.result = nil

			result, err := manager.GetLatestDigest(ctx, "ghcr.io/owner/app", "1.2.0", registry.LookupOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(BeNil())
		})

		It("joins both errors when the fallback fails too", func() {
			primary.err = rateLimited
			fallback.result = nil
			fallback.err = errors.New("github unavailable")

			_, err := manager.GetLatestDigest(ctx, "ghcr.io/owner/app", "1.2.0", registry.LookupOptions{})
			Expect(err).To(MatchError(ContainSubstring("github releases fallback")))
			Expect(errors.Is(err, rateLimited)).To(BeTrue())
			Expect(errors.Is(err, fallback.err)).To(BeTrue())
		})
	})

	Describe("built with New", func() {
		It("falls back to GitHub releases after the registry exhausts its rate limit", func() {
			ghcr := newFakeRegistry()
			DeferCleanup(ghcr.Close)
			ghcr.failWith(http.StatusTooManyRequests, nil)

			github := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/repos/owner/app/releases" {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, `[{"tag_name":"v1.3.0","published_at":"2024-04-01T00:00:00Z"}]`)
			}))
			DeferCleanup(github.Close)

			deps := testDeps(env{})
			deps.Retrier = ratelimit.NewRetrier(ratelimit.Config{
				MaxRetries:         2,
				RateLimitBaseDelay: time.Millisecond,
				Threshold:          3,
			})
			m := registry.New(registry.Config{
				GHCREndpoints: registry.GHCREndpoints{RegistryURL: ghcr.URL, TokenURL: ghcr.URL + "/token"},
				GitHubAPIURL:  github.URL,
			}, deps)

			result, err := m.GetLatestDigest(context.Background(), "ghcr.io/owner/app", "1.2.0", registry.LookupOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(result).NotTo(BeNil())
			Expect(result.IsFallback).To(BeTrue())
			Expect(result.Tag).To(Equal("v1.3.0"))
			Expect(result.Provider).To(Equal(registry.ProviderGitHub))
			Expect(ghcr.manifestHits()).To(Equal(3))
			Expect(deps.Retrier.Consecutive()).To(Equal(3))
		})
	})

	Describe("ClearCache", func() {
		It("clears the selected provider and the fallback", func() {
			primary := &stubProvider{name: "docker"}
			fallback := &stubProvider{name: "github"}
			m := registry.NewManager([]registry.Provider{primary}, fallback)

			m.ClearCache("nginx", "latest")
			Expect(primary.cleared).To(Equal([]string{"nginx:latest"}))
			Expect(fallback.cleared).To(Equal([]string{"nginx:latest"}))
		})
	})
})
