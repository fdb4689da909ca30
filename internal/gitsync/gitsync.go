// Package gitsync wraps the git command line for course repository
// synchronization. Every operation returns the combined git output so
// the builder can persist it in the build log, and failures short-
// circuit the remaining steps of a compound operation.
package gitsync

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/courseman/courseman/internal/errors"
	"github.com/courseman/courseman/internal/logging"
)

// Client runs git operations against course checkouts.
type Client struct {
	sshKey string
	log    logging.Logger
}

// New creates a git client. sshKey, when non-empty, is the private key
// used for fetches over SSH.
func New(sshKey string, log logging.Logger) *Client {
	if log == nil {
		log = logging.NopLogger{}
	}

	return &Client{sshKey: sshKey, log: log.WithComponent("gitsync")}
}

// run executes one git command in dir and returns its combined output.
func (c *Client) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	if c.sshKey != "" {
		cmd.Env = append(cmd.Env,
			fmt.Sprintf("GIT_SSH_COMMAND=ssh -i %s -o StrictHostKeyChecking=accept-new", c.sshKey))
	}

	out, err := cmd.CombinedOutput()
	text := string(out)
	if err != nil {
		return text, &errors.Error{
			Type:        errors.ErrorTypeGit,
			Code:        errors.ErrCodeBuildFailed,
			Message:     fmt.Sprintf("git %s failed", strings.Join(args, " ")),
			Cause:       err,
			Recoverable: true,
		}
	}

	return text, nil
}

// Clone makes a fresh clone of branch into dir.
func (c *Client) Clone(ctx context.Context, dir, origin, branch string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", err
	}

	return c.run(ctx, filepath.Dir(dir),
		"clone", "-b", branch, "--recursive", origin, filepath.Base(dir))
}

// Checkout forces the work tree in dir to the tip of the remote branch:
// fetch, clean, hard reset, then the recursive submodule
// sync/clean/reset/update chain. The combined log of all steps is
// returned; the first failing step stops the chain.
func (c *Client) Checkout(ctx context.Context, dir, origin, branch string) (string, error) {
	var combined strings.Builder

	steps := [][]string{
		{"fetch", "origin", branch},
		{"clean", "-xfd"},
		{"reset", "-q", "--hard", "origin/" + branch},
		{"submodule", "sync", "--recursive"},
		{"submodule", "foreach", "--recursive", "git", "clean", "-xfd"},
		{"submodule", "foreach", "--recursive", "git", "reset", "-q", "--hard"},
		{"submodule", "update", "--init", "--recursive"},
	}
	for _, step := range steps {
		out, err := c.run(ctx, dir, step...)
		combined.WriteString(out)
		if err != nil {
			return combined.String(), err
		}
	}

	return combined.String(), nil
}

// Pull brings dir up to date with the remote branch. A missing checkout
// is cloned; a checkout whose origin no longer matches is removed and
// recloned from scratch.
func (c *Client) Pull(ctx context.Context, dir, origin, branch string) (string, error) {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		c.log.Info(ctx, "no checkout, cloning", "dir", dir, "origin", origin)
		return c.Clone(ctx, dir, origin, branch)
	}

	current, err := c.originURL(ctx, dir)
	if err != nil || current != origin {
		c.log.Info(ctx, "origin changed, recloning",
			"dir", dir, "old", current, "new", origin)
		if err := os.RemoveAll(dir); err != nil {
			return "", err
		}
		return c.Clone(ctx, dir, origin, branch)
	}

	return c.Checkout(ctx, dir, origin, branch)
}

func (c *Client) originURL(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, "remote", "get-url", "origin")
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(out), nil
}

// CommitHash returns the full hash of HEAD.
func (c *Client) CommitHash(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(out), nil
}

// CommitMetadata returns a one-line description of HEAD for logs.
func (c *Client) CommitMetadata(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, "log", "-1", "--format=%H %an %ai %s")
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(out), nil
}
