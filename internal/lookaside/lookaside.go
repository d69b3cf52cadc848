// Package lookaside moves large source artifacts between a dist-git clone
// and the content-addressed lookaside cache via the packaging helper
// command. Uploads require a Kerberos ticket.
package lookaside

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"jotnar/internal/krb"
)

// Client drives the packaging helper (centpkg/rhpkg style) in a clone.
type Client struct {
	// Command is the packaging helper binary.
	Command string
	// Broker supplies Kerberos tickets for uploads.
	Broker *krb.Broker

	runCommand func(ctx context.Context, dir string, env []string, name string, args ...string) (string, error)
}

// NewClient builds a lookaside client around the named helper command.
func NewClient(command string, broker *krb.Broker) *Client {
	return &Client{
		Command: command,
		Broker:  broker,
		runCommand: func(ctx context.Context, dir string, env []string, name string, args ...string) (string, error) {
			cmd := exec.CommandContext(ctx, name, args...)
			cmd.Dir = dir
			if len(env) > 0 {
				cmd.Env = append(os.Environ(), env...)
			}
			out, err := cmd.CombinedOutput()
			return string(out), err
		},
	}
}

// env carries the broker's credentials cache into the helper command.
func (c *Client) env() []string {
	if c.Broker == nil {
		return nil
	}
	return c.Broker.Env()
}

// DownloadSources fetches the sources referenced by the clone's sources
// file into the clone.
func (c *Client) DownloadSources(ctx context.Context, clonePath, branch string) error {
	args := []string{"sources"}
	if branch != "" {
		args = append([]string{"--release", branch}, args...)
	}
	if out, err := c.runCommand(ctx, clonePath, c.env(), c.Command, args...); err != nil {
		return fmt.Errorf("failed to download sources: %w\noutput: %s", err, strings.TrimSpace(out))
	}
	return nil
}

// UploadSources pushes new source files to the cache and updates the
// sources file in the clone.
func (c *Client) UploadSources(ctx context.Context, clonePath string, files []string) error {
	if len(files) == 0 {
		return fmt.Errorf("no files to upload")
	}
	if c.Broker != nil {
		if _, err := c.Broker.EnsureTicket(ctx); err != nil {
			return fmt.Errorf("failed to authenticate for upload: %w", err)
		}
	}
	args := append([]string{"upload"}, files...)
	if out, err := c.runCommand(ctx, clonePath, c.env(), c.Command, args...); err != nil {
		return fmt.Errorf("failed to upload sources: %w\noutput: %s", err, strings.TrimSpace(out))
	}
	return nil
}
