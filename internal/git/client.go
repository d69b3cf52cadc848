// Package git shells out to the git binary for the dist-git operations the
// pipelines need.
package git

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Client handles git interactions.
type Client struct {
	// AuthorName and AuthorEmail identify commits made by the pipeline.
	AuthorName  string
	AuthorEmail string
}

// NewClient creates a new git client.
func NewClient(authorName, authorEmail string) *Client {
	return &Client{AuthorName: authorName, AuthorEmail: authorEmail}
}

// maskingWriter wraps an io.Writer and masks credentials embedded in URLs.
type maskingWriter struct {
	w io.Writer
}

var reBasicAuth = regexp.MustCompile(`https://[^:/]+:[^@/]+@`)

func (mw *maskingWriter) Write(p []byte) (n int, err error) {
	s := reBasicAuth.ReplaceAllString(string(p), "https://[REDACTED]@")
	_, err = mw.w.Write([]byte(s))
	return len(p), err
}

func (c *Client) run(ctx context.Context, dir string, args ...string) (string, error) {
	var outBuf, errBuf bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	// Enforce no prompting
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=/bin/true")
	cmd.Stdout = &maskingWriter{w: &outBuf}
	cmd.Stderr = &maskingWriter{w: &errBuf}

	if err := cmd.Run(); err != nil {
		return outBuf.String(), fmt.Errorf("git %s failed: %w\nstderr: %s", args[0], err, errBuf.String())
	}
	return outBuf.String(), nil
}

// Clone clones a repository branch into a destination directory.
func (c *Client) Clone(ctx context.Context, url, dest, branch string) error {
	cloneCtx, cancel := context.WithTimeout(ctx, 15*time.Minute)
	defer cancel()
	args := []string{"clone"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, url, dest)
	_, err := c.run(cloneCtx, "", args...)
	return err
}

// CheckoutNewBranch creates and switches to a new branch.
func (c *Client) CheckoutNewBranch(ctx context.Context, dir, branch string) error {
	_, err := c.run(ctx, dir, "checkout", "-B", branch)
	return err
}

// Add stages the given paths. Globs are expanded by git itself.
func (c *Client) Add(ctx context.Context, dir string, paths ...string) error {
	if len(paths) == 0 {
		return fmt.Errorf("nothing to stage")
	}
	args := append([]string{"add", "--"}, paths...)
	_, err := c.run(ctx, dir, args...)
	return err
}

// Commit records staged changes with the pipeline author identity.
func (c *Client) Commit(ctx context.Context, dir, message string) error {
	_, err := c.run(ctx, dir,
		"-c", "user.name="+c.AuthorName,
		"-c", "user.email="+c.AuthorEmail,
		"commit", "-m", message)
	return err
}

// Push publishes a branch to the given remote URL.
func (c *Client) Push(ctx context.Context, dir, remoteURL, branch string, force bool) error {
	pushCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	args := []string{"push"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, remoteURL, "HEAD:"+branch)
	_, err := c.run(pushCtx, dir, args...)
	return err
}

// HeadSHA returns the current commit hash.
func (c *Client) HeadSHA(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// LsRemoteBranches lists branch names on a remote repository.
func (c *Client) LsRemoteBranches(ctx context.Context, url string) ([]string, error) {
	out, err := c.run(ctx, "", "ls-remote", "--heads", url)
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		if _, ref, ok := strings.Cut(line, "refs/heads/"); ok {
			branches = append(branches, strings.TrimSpace(ref))
		}
	}
	return branches, nil
}
