package image_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lissto-dev/imagewatch/pkg/image"
)

var _ = Describe("ParseReference", func() {
	DescribeTable("canonical fields",
		func(raw string, expected image.Reference) {
			ref, err := image.ParseReference(raw)
			Expect(err).NotTo(HaveOccurred())
			Expect(ref).To(Equal(expected))
		},
		Entry("official image without tag", "nginx",
			image.Reference{Registry: "docker.io", Namespace: "library", Repository: "nginx", Tag: "latest"}),
		Entry("official image with tag", "nginx:1.27-alpine",
			image.Reference{Registry: "docker.io", Namespace: "library", Repository: "nginx", Tag: "1.27-alpine"}),
		Entry("user image", "bitnami/redis:7.2",
			image.Reference{Registry: "docker.io", Namespace: "bitnami", Repository: "redis", Tag: "7.2"}),
		Entry("docker.io alias", "docker.io/bitnami/redis",
			image.Reference{Registry: "docker.io", Namespace: "bitnami", Repository: "redis", Tag: "latest"}),
		Entry("index.docker.io alias", "index.docker.io/library/postgres:16",
			image.Reference{Registry: "docker.io", Namespace: "library", Repository: "postgres", Tag: "16"}),
		Entry("registry-1 alias", "registry-1.docker.io/library/alpine:3",
			image.Reference{Registry: "docker.io", Namespace: "library", Repository: "alpine", Tag: "3"}),
		Entry("ghcr image", "ghcr.io/owner/app:v2",
			image.Reference{Registry: "ghcr.io", Namespace: "owner", Repository: "app", Tag: "v2"}),
		Entry("gitlab nested group", "registry.gitlab.com/group/sub/proj:latest",
			image.Reference{Registry: "registry.gitlab.com", Namespace: "group/sub", Repository: "proj", Tag: "latest"}),
		Entry("registry with port", "localhost:5000/tools/app:1.0",
			image.Reference{Registry: "localhost:5000", Namespace: "tools", Repository: "app", Tag: "1.0"}),
		Entry("digest pinned", "nginx@sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
			image.Reference{Registry: "docker.io", Namespace: "library", Repository: "nginx", Tag: "latest",
				Digest: "sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"}),
	)

	It("rejects empty input", func() {
		_, err := image.ParseReference("   ")
		Expect(err).To(MatchError(image.ErrEmptyReference))
	})

	It("rejects malformed digests", func() {
		_, err := image.ParseReference("nginx@sha256:nothex")
		Expect(err).To(HaveOccurred())
	})

	DescribeTable("Name and String",
		func(raw, expectedName, expectedString string) {
			ref, err := image.ParseReference(raw)
			Expect(err).NotTo(HaveOccurred())
			Expect(ref.Name()).To(Equal(expectedName))
			Expect(ref.String()).To(Equal(expectedString))
		},
		Entry("official", "docker.io/library/nginx", "nginx", "nginx:latest"),
		Entry("hub user", "bitnami/redis:7", "bitnami/redis", "bitnami/redis:7"),
		Entry("ghcr", "ghcr.io/owner/app:v2", "ghcr.io/owner/app", "ghcr.io/owner/app:v2"),
	)
})

var _ = Describe("SplitHost", func() {
	DescribeTable("host detection",
		func(repo, host, path string) {
			h, p := image.SplitHost(repo)
			Expect(h).To(Equal(host))
			Expect(p).To(Equal(path))
		},
		Entry("no slash", "nginx", "", "nginx"),
		Entry("hub namespace", "library/nginx", "", "library/nginx"),
		Entry("dotted host", "ghcr.io/owner/app", "ghcr.io", "owner/app"),
		Entry("port host", "localhost:5000/app", "localhost:5000", "app"),
		Entry("localhost", "localhost/app", "localhost", "app"),
	)
})
