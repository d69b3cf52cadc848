// Package builder submits scratch builds to the build service and polls
// them to completion.
package builder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"jotnar/internal/krb"
)

// Client handles build service interactions.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Broker     *krb.Broker

	// PollInterval is the delay between build state checks.
	PollInterval time.Duration
	// Deadline bounds the whole build; Grace extends it once the build has
	// been observed running so a nearly finished build is not abandoned.
	Deadline time.Duration
	Grace    time.Duration
}

// NewClient builds a build-service client.
func NewClient(baseURL string, broker *krb.Broker) *Client {
	return &Client{
		BaseURL:      baseURL,
		Broker:       broker,
		HTTPClient:   &http.Client{Timeout: 60 * time.Second},
		PollInterval: 30 * time.Second,
		Deadline:     3 * time.Hour,
		Grace:        10 * time.Minute,
	}
}

// Request describes a build submission. TicketID scopes the build target
// name so resubmissions are externally idempotent.
type Request struct {
	SRPMPath string `json:"srpm_path"`
	Branch   string `json:"branch"`
	TicketID string `json:"ticket_id"`
}

// Result is the terminal outcome of a build.
type Result struct {
	Success      bool     `json:"success"`
	ErrorMessage string   `json:"error_message,omitempty"`
	ArtifactURLs []string `json:"artifact_urls,omitempty"`
}

type buildRecord struct {
	ID           string   `json:"id"`
	State        string   `json:"state"`
	ErrorMessage string   `json:"error_message"`
	ArtifactURLs []string `json:"artifact_urls"`
}

// Build submits an SRPM and polls until the build finishes or its deadline
// expires. Builds stuck in the queue get Deadline; once observed running the
// deadline stretches by Grace so a nearly finished build is not abandoned.
func (c *Client) Build(ctx context.Context, req Request) (*Result, error) {
	if c.Broker != nil {
		if _, err := c.Broker.EnsureTicket(ctx); err != nil {
			return nil, fmt.Errorf("failed to authenticate with build service: %w", err)
		}
	}

	var submitted buildRecord
	if err := c.postJSON(ctx, "/api/v1/builds", req, &submitted); err != nil {
		return nil, fmt.Errorf("failed to submit build: %w", err)
	}

	deadline := time.Now().Add(c.Deadline)
	graceGranted := false
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		var record buildRecord
		if err := c.getJSON(ctx, "/api/v1/builds/"+submitted.ID, &record); err != nil {
			return nil, fmt.Errorf("failed to poll build %s: %w", submitted.ID, err)
		}
		switch record.State {
		case "complete":
			return &Result{Success: true, ArtifactURLs: record.ArtifactURLs}, nil
		case "failed", "canceled":
			return &Result{Success: false, ErrorMessage: record.ErrorMessage}, nil
		case "running":
			if !graceGranted {
				deadline = deadline.Add(c.Grace)
				graceGranted = true
			}
		}

		if time.Now().After(deadline) {
			return &Result{Success: false, ErrorMessage: fmt.Sprintf("build %s timed out", submitted.ID)}, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// DownloadArtifacts fetches build artifacts into the target directory.
func (c *Client) DownloadArtifacts(ctx context.Context, urls []string, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	for _, u := range urls {
		if err := c.downloadOne(ctx, u, dir); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) downloadOne(ctx context.Context, u, dir string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: status %d", u, resp.StatusCode)
	}

	dest := filepath.Join(dir, filepath.Base(u))
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	return doJSON(ctx, c.HTTPClient, http.MethodPost, c.BaseURL+path, payload, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return doJSON(ctx, c.HTTPClient, http.MethodGet, c.BaseURL+path, nil, out)
}
