package cache_test

import (
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lissto-dev/imagewatch/pkg/cache"
)

type digestEntry struct {
	Digest   string `json:"digest"`
	Provider string `json:"provider"`
}

var _ = Describe("MemoryCache", func() {
	var (
		mock *clock.Mock
		c    *cache.MemoryCache[digestEntry]
	)

	BeforeEach(func() {
		mock = clock.NewMock()
		c = cache.NewMemoryCache[digestEntry](time.Minute, cache.WithClock(mock))
	})

	It("returns a stored value before the TTL elapses", func() {
		value := digestEntry{Digest: "sha256:abc", Provider: "docker"}
		c.Set("nginx:latest", value)

		mock.Add(59 * time.Second)
		got, ok := c.Get("nginx:latest")
		Expect(ok).To(BeTrue())
		Expect(got).To(Equal(value))
	})

	It("reports a miss once the TTL has elapsed and evicts on read", func() {
		c.Set("nginx:latest", digestEntry{Digest: "sha256:abc"})
		mock.Add(time.Minute)

		Expect(c.Len()).To(Equal(1))
		_, ok := c.Get("nginx:latest")
		Expect(ok).To(BeFalse())
		Expect(c.Len()).To(Equal(0))
	})

	It("never sweeps expired entries on its own", func() {
		c.Set("a", digestEntry{})
		c.Set("b", digestEntry{})
		mock.Add(time.Hour)
		Expect(c.Len()).To(Equal(2))
	})

	It("honours explicit TTLs and non-expiring entries", func() {
		c.SetWithTTL("short", digestEntry{Digest: "1"}, time.Second)
		c.SetWithTTL("forever", digestEntry{Digest: "2"}, 0)
		mock.Add(24 * time.Hour)

		_, ok := c.Get("short")
		Expect(ok).To(BeFalse())
		got, ok := c.Get("forever")
		Expect(ok).To(BeTrue())
		Expect(got.Digest).To(Equal("2"))
	})

	It("refreshes the insertion time when a key is overwritten", func() {
		c.Set("k", digestEntry{Digest: "old"})
		mock.Add(50 * time.Second)
		c.Set("k", digestEntry{Digest: "new"})
		mock.Add(50 * time.Second)

		got, ok := c.Get("k")
		Expect(ok).To(BeTrue())
		Expect(got.Digest).To(Equal("new"))
	})

	It("deletes and clears entries", func() {
		c.Set("a", digestEntry{})
		c.Set("b", digestEntry{})
		c.Delete("a")
		_, ok := c.Get("a")
		Expect(ok).To(BeFalse())

		c.Clear()
		Expect(c.Len()).To(Equal(0))
	})
})

var _ = Describe("FileCache", func() {
	It("persists live entries across instances", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "digests.json")
		mock := clock.NewMock()

		first, err := cache.NewFileCache[digestEntry](path, time.Hour, cache.WithClock(mock))
		Expect(err).NotTo(HaveOccurred())
		first.Set("ghcr.io/owner/app:v1", digestEntry{Digest: "sha256:111", Provider: "ghcr"})
		first.SetWithTTL("stale", digestEntry{Digest: "sha256:222"}, time.Second)
		mock.Add(2 * time.Second)
		Expect(first.Close()).To(Succeed())

		second, err := cache.NewFileCache[digestEntry](path, time.Hour, cache.WithClock(mock))
		Expect(err).NotTo(HaveOccurred())
		got, ok := second.Get("ghcr.io/owner/app:v1")
		Expect(ok).To(BeTrue())
		Expect(got.Provider).To(Equal("ghcr"))
		_, ok = second.Get("stale")
		Expect(ok).To(BeFalse())
	})

	It("expires loaded entries relative to their original insertion time", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "digests.json")
		mock := clock.NewMock()

		first, err := cache.NewFileCache[digestEntry](path, time.Minute, cache.WithClock(mock))
		Expect(err).NotTo(HaveOccurred())
		first.Set("k", digestEntry{Digest: "sha256:1"})
		Expect(first.Save()).To(Succeed())

		second, err := cache.NewFileCache[digestEntry](path, time.Minute, cache.WithClock(mock))
		Expect(err).NotTo(HaveOccurred())
		mock.Add(time.Minute)
		_, ok := second.Get("k")
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("New", func() {
	It("returns a memory cache when no directory is configured", func() {
		c := cache.New[string]("digests", "", time.Minute)
		_, isMemory := c.(*cache.MemoryCache[string])
		Expect(isMemory).To(BeTrue())
	})

	It("returns a file cache when a directory is configured", func() {
		c := cache.New[string]("digests", GinkgoT().TempDir(), time.Minute)
		_, isFile := c.(*cache.FileCache[string])
		Expect(isFile).To(BeTrue())
	})
})
