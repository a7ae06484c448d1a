package image_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lissto-dev/imagewatch/pkg/image"
)

var _ = Describe("Digests", func() {
	DescribeTable("NormalizeDigest",
		func(in, expected string) {
			Expect(image.NormalizeDigest(in)).To(Equal(expected))
		},
		Entry("bare hex", "abc123", "sha256:abc123"),
		Entry("already prefixed", "sha256:abc123", "sha256:abc123"),
		Entry("upper case and spaces", "  SHA256:ABC123 ", "sha256:abc123"),
		Entry("repo digest", "nginx@sha256:abc123", "sha256:abc123"),
		Entry("other algorithm", "sha512:abc", "sha512:abc"),
		Entry("empty", "", ""),
	)

	It("is idempotent", func() {
		once := image.NormalizeDigest("abc123")
		Expect(image.NormalizeDigest(once)).To(Equal(once))
	})

	It("treats digests differing only in prefix as equal", func() {
		Expect(image.DigestsEqual("abc123", "sha256:abc123")).To(BeTrue())
		Expect(image.DigestsEqual("abc123", "sha256:def456")).To(BeFalse())
		Expect(image.DigestsEqual("", "")).To(BeFalse())
	})

	It("validates well-formed digests", func() {
		Expect(image.IsValidDigest("sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")).To(BeTrue())
		Expect(image.IsValidDigest("abc123")).To(BeFalse())
	})
})
