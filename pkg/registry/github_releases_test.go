package registry_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lissto-dev/imagewatch/pkg/registry"
)

var _ = Describe("GitHubReleasesProvider", func() {
	var (
		ctx      context.Context
		server   *httptest.Server
		mu       sync.Mutex
		authSeen []string
		status   int
		provider *registry.GitHubReleasesProvider
	)

	BeforeEach(func() {
		ctx = context.Background()
		authSeen = nil
		status = 0

		mux := http.NewServeMux()
		mux.HandleFunc("/repos/owner/app/releases", func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			authSeen = append(authSeen, r.Header.Get("Authorization"))
			forced := status
			mu.Unlock()

			if forced != 0 {
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.WriteHeader(forced)
				_, _ = io.WriteString(w, `{"message":"API rate limit exceeded"}`)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			if r.URL.Query().Get("page") == "2" {
				_, _ = io.WriteString(w, `[
					{"tag_name":"v1.1.0","published_at":"2024-02-01T00:00:00Z"},
					{"tag_name":"v1.0.0","published_at":"2024-01-01T00:00:00Z"}
				]`)
				return
			}
			w.Header().Set("Link", fmt.Sprintf(`<http://%s/repos/owner/app/releases?per_page=30&page=2>; rel="next", <http://%s/repos/owner/app/releases?per_page=30&page=2>; rel="last"`, r.Host, r.Host))
			_, _ = io.WriteString(w, `[
				{"tag_name":"v2.0.0-rc.1","prerelease":true,"published_at":"2024-06-01T00:00:00Z"},
				{"tag_name":"v3.0.0","draft":true,"published_at":"2024-07-01T00:00:00Z"},
				{"tag_name":"v1.3.0","name":"Spring release","html_url":"https://github.com/owner/app/releases/tag/v1.3.0","published_at":"2024-04-01T00:00:00Z"},
				{"tag_name":"v1.2.1","published_at":"2024-03-15T00:00:00Z"}
			]`)
		})
		mux.HandleFunc("/repos/owner/app/releases/tags/v1.3.0", func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"tag_name":"v1.3.0","published_at":"2024-04-01T00:00:00Z"}`)
		})
		mux.HandleFunc("/repos/owner/empty/releases", func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `[{"tag_name":"v0.1.0","draft":true,"published_at":"2024-01-01T00:00:00Z"}]`)
		})

		server = httptest.NewServer(mux)
		DeferCleanup(server.Close)

		provider = registry.NewGitHubReleasesProvider(registry.ProviderConfig{TokenEnv: "GITHUB_TOKEN"},
			server.URL, testDeps(env{"GITHUB_TOKEN": "ghp_token"}))
	})

	It("can handle ghcr images only", func() {
		Expect(provider.CanHandle("ghcr.io/owner/app")).To(BeTrue())
		Expect(provider.CanHandle("nginx")).To(BeFalse())
	})

	It("returns the newest stable release across pages", func() {
		result, err := provider.GetLatestDigest(ctx, "ghcr.io/owner/app", "1.2.0", registry.LookupOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(result).NotTo(BeNil())
		Expect(result.Tag).To(Equal("v1.3.0"))
		Expect(result.Digest).To(BeEmpty())
		Expect(result.IsFallback).To(BeTrue())
		Expect(result.Provider).To(Equal(registry.ProviderGitHub))
		Expect(result.Method).To(Equal(registry.MethodRelease))
		Expect(*result.PublishedAt).To(BeTemporally("==", time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)))

		mu.Lock()
		defer mu.Unlock()
		Expect(authSeen).To(HaveLen(2))
		Expect(authSeen[0]).To(Equal("Bearer ghp_token"))
	})

	It("caches the latest release per repository", func() {
		_, err := provider.GetLatestRelease(ctx, "owner/app", registry.LookupOptions{})
		Expect(err).NotTo(HaveOccurred())
		release, err := provider.GetLatestRelease(ctx, "owner/app", registry.LookupOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(release.Name).To(Equal("Spring release"))
		Expect(release.URL).To(Equal("https://github.com/owner/app/releases/tag/v1.3.0"))

		mu.Lock()
		defer mu.Unlock()
		Expect(authSeen).To(HaveLen(2))
	})

	It("honours an explicit repository for other registries", func() {
		result, err := provider.GetLatestDigest(ctx, "nginx", "1.2.0", registry.LookupOptions{GitHubRepo: "owner/app"})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Tag).To(Equal("v1.3.0"))
	})

	It("clears a release cached through an explicit mapping", func() {
		opts := registry.LookupOptions{GitHubRepo: "owner/app"}
		_, err := provider.GetLatestDigest(ctx, "nginx", "1.2.0", opts)
		Expect(err).NotTo(HaveOccurred())
		_, err = provider.GetLatestDigest(ctx, "nginx", "1.2.0", opts)
		Expect(err).NotTo(HaveOccurred())

		provider.ClearCache("nginx", "1.2.0")
		_, err = provider.GetLatestDigest(ctx, "nginx", "1.2.0", opts)
		Expect(err).NotTo(HaveOccurred())

		mu.Lock()
		defer mu.Unlock()
		Expect(authSeen).To(HaveLen(4), "two pages before and after clearing")
	})

	It("returns nil when only drafts exist", func() {
		result, err := provider.GetLatestDigest(ctx, "ghcr.io/owner/empty", "1.0.0", registry.LookupOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(BeNil())
	})

	It("returns nil for unknown repositories", func() {
		result, err := provider.GetLatestDigest(ctx, "ghcr.io/owner/missing", "1.0.0", registry.LookupOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(BeNil())
	})

	It("reports GitHub API quota exhaustion as a rate limit", func() {
		mu.Lock()
		status = http.StatusForbidden
		mu.Unlock()

		_, err := provider.GetLatestDigest(ctx, "ghcr.io/owner/app", "1.2.0", registry.LookupOptions{})
		Expect(registry.IsRateLimited(err)).To(BeTrue())
	})

	It("finds publish dates with or without the v prefix", func() {
		published := provider.GetTagPublishDate(ctx, "ghcr.io/owner/app", "1.3.0", registry.LookupOptions{})
		Expect(published).NotTo(BeNil())
		Expect(*published).To(BeTemporally("==", time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)))

		Expect(provider.GetTagPublishDate(ctx, "ghcr.io/owner/app", "9.9.9", registry.LookupOptions{})).To(BeNil())
	})
})
