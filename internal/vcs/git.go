// Package vcs is the thin adapter over the version-control engine. The core
// never parses repository internals; it only asks whether a remote is
// configured, how far local and remote have diverged, and whether push or
// pull succeeds, treating the engine as an opaque command runner.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"mixlock/internal/resilience"
)

// Collaborator is what the conflict detector and queue executor consume.
type Collaborator interface {
	HasRemote(ctx context.Context) bool
	// AheadBehind fetches and reports commit counts unique to the local and
	// remote sides of branch. Errors are classified: unreachable remotes are
	// transient, everything else permanent.
	AheadBehind(ctx context.Context, branch string) (localAhead, remoteAhead int, err error)
	Push(ctx context.Context, branch string) error
	Pull(ctx context.Context, branch string) error
}

// Git shells out to the git binary in a working copy.
type Git struct {
	dir    string
	remote string
	run    func(ctx context.Context, dir string, args ...string) (string, error)
}

func NewGit(dir string) *Git {
	return &Git{dir: dir, remote: "origin", run: runGit}
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", classifyGitErr(err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

// classifyGitErr marks unreachable-remote failures transient. git does not
// give structured errors, so this is substring matching on the usual
// network-failure messages.
func classifyGitErr(err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	wrapped := fmt.Errorf("git: %s: %w", msg, err)

	lower := strings.ToLower(msg)
	for _, marker := range []string{
		"could not resolve host",
		"could not read from remote",
		"connection timed out",
		"connection refused",
		"connection reset",
		"operation timed out",
		"network is unreachable",
		"early eof",
	} {
		if strings.Contains(lower, marker) {
			return resilience.MarkTransient(wrapped)
		}
	}
	return wrapped
}

func (g *Git) HasRemote(ctx context.Context) bool {
	out, err := g.run(ctx, g.dir, "remote")
	if err != nil {
		return false
	}
	for _, r := range strings.Fields(out) {
		if r == g.remote {
			return true
		}
	}
	return false
}

func (g *Git) AheadBehind(ctx context.Context, branch string) (int, int, error) {
	if _, err := g.run(ctx, g.dir, "fetch", g.remote, branch); err != nil {
		return 0, 0, err
	}

	spec := fmt.Sprintf("%s...%s/%s", branch, g.remote, branch)
	out, err := g.run(ctx, g.dir, "rev-list", "--left-right", "--count", spec)
	if err != nil {
		return 0, 0, err
	}

	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("git: unexpected rev-list output %q", out)
	}
	local, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("git: bad local count %q", fields[0])
	}
	remote, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, fmt.Errorf("git: bad remote count %q", fields[1])
	}
	return local, remote, nil
}

// CurrentBranch is a convenience for callers that default to the checked-out
// branch. Not part of Collaborator; the detector is always told the branch.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	return g.run(ctx, g.dir, "rev-parse", "--abbrev-ref", "HEAD")
}

func (g *Git) Push(ctx context.Context, branch string) error {
	_, err := g.run(ctx, g.dir, "push", g.remote, branch)
	return err
}

func (g *Git) Pull(ctx context.Context, branch string) error {
	// --ff-only: project files are binary and unmergeable, so a pull that
	// would need a merge must fail loudly rather than attempt one.
	_, err := g.run(ctx, g.dir, "pull", "--ff-only", g.remote, branch)
	return err
}
