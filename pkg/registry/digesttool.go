package registry

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lissto-dev/imagewatch/pkg/image"
	"github.com/lissto-dev/imagewatch/pkg/logging"
)

// DefaultDigestToolTimeout bounds a single external tool invocation
const DefaultDigestToolTimeout = 30 * time.Second

// toolSpec describes how to ask one CLI for a digest
type toolSpec struct {
	name string
	args func(ref string) []string
}

// knownDigestTools in preference order
var knownDigestTools = []toolSpec{
	{name: "crane", args: func(ref string) []string { return []string{"digest", ref} }},
	{name: "regctl", args: func(ref string) []string { return []string{"image", "digest", ref} }},
	{name: "skopeo", args: func(ref string) []string {
		return []string{"inspect", "--format", "{{.Digest}}", "docker://" + ref}
	}},
}

// commandRunner runs an external command and returns its stdout
type commandRunner func(ctx context.Context, path string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, path string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, path, args...).Output()
}

// DigestTool resolves digests by shelling out to an installed registry CLI.
// It is advisory: a missing tool or a failed run is reported as "not resolved".
type DigestTool struct {
	tools    []toolSpec
	timeout  time.Duration
	lookPath func(string) (string, error)
	run      commandRunner
}

// DigestToolOption configures a DigestTool
type DigestToolOption func(*DigestTool)

// WithCommandRunner replaces process execution, for tests
func WithCommandRunner(lookPath func(string) (string, error), run commandRunner) DigestToolOption {
	return func(t *DigestTool) {
		t.lookPath = lookPath
		t.run = run
	}
}

// NewDigestTool creates a DigestTool restricted to the named tools, in the
// given order. An empty list enables every known tool.
func NewDigestTool(names []string, timeout time.Duration, opts ...DigestToolOption) *DigestTool {
	if timeout <= 0 {
		timeout = DefaultDigestToolTimeout
	}

	tools := knownDigestTools
	if len(names) > 0 {
		tools = nil
		for _, n := range names {
			for _, spec := range knownDigestTools {
				if spec.name == strings.TrimSpace(n) {
					tools = append(tools, spec)
				}
			}
		}
	}

	t := &DigestTool{
		tools:    tools,
		timeout:  timeout,
		lookPath: exec.LookPath,
		run:      runCommand,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Resolve returns the digest of ref from the first tool that answers with a
// valid digest, along with that tool's name
func (t *DigestTool) Resolve(ctx context.Context, ref string) (digest, tool string, ok bool) {
	if t == nil {
		return "", "", false
	}

	for _, spec := range t.tools {
		path, err := t.lookPath(spec.name)
		if err != nil {
			continue
		}

		runCtx, cancel := context.WithTimeout(ctx, t.timeout)
		out, err := t.run(runCtx, path, spec.args(ref)...)
		cancel()
		if err != nil {
			logging.Logger.Debug("Digest tool failed, trying next",
				zap.String("tool", spec.name),
				zap.String("image", ref),
				zap.Error(err))
			continue
		}

		candidate := lastLine(string(out))
		if !image.IsValidDigest(candidate) {
			logging.Logger.Debug("Digest tool returned unexpected output",
				zap.String("tool", spec.name),
				zap.String("image", ref),
				zap.String("output", candidate))
			continue
		}

		return image.NormalizeDigest(candidate), spec.name, true
	}

	return "", "", false
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
