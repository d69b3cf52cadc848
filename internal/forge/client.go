// Package forge implements the dist-git forge REST client: forking, merge
// requests and merge request labels.
package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client handles forge API interactions.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client

	// Namespace is the fork target namespace (the bot account or group).
	Namespace string
}

// NewClient creates a new forge client.
func NewClient(baseURL, token, namespace string) *Client {
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		Token:     token,
		Namespace: namespace,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) (int, error) {
	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal payload: %w", err)
		}
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("PRIVATE-TOKEN", c.Token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
			}
		} else {
			io.Copy(io.Discard, resp.Body)
		}
		return resp.StatusCode, nil
	}

	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, fmt.Errorf("forge returned status %d for %s %s: %s",
		resp.StatusCode, method, path, string(raw))
}

// ProjectPath extracts the namespace/name path from a clonable URL. Only
// URLs on the configured forge host are accepted.
func (c *Client) ProjectPath(repoURL string) (string, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse repository URL: %w", err)
	}
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse forge URL: %w", err)
	}
	if u.Host != base.Host {
		return "", fmt.Errorf("repository %s is not on the expected forge %s", repoURL, base.Host)
	}
	return strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git"), nil
}

func encodeProject(path string) string {
	return url.PathEscape(path)
}

type project struct {
	ID                int    `json:"id"`
	PathWithNamespace string `json:"path_with_namespace"`
	HTTPURLToRepo     string `json:"http_url_to_repo"`
	WebURL            string `json:"web_url"`
}

// Fork ensures a fork of the upstream repository exists in the client's
// namespace and returns its clonable URL. An existing fork is reused.
func (c *Client) Fork(ctx context.Context, upstreamURL string) (string, error) {
	path, err := c.ProjectPath(upstreamURL)
	if err != nil {
		return "", err
	}

	var forked project
	status, err := c.do(ctx, http.MethodPost,
		"/api/v4/projects/"+encodeProject(path)+"/fork",
		map[string]string{"namespace_path": c.Namespace}, &forked)
	if err == nil {
		return forked.HTTPURLToRepo, nil
	}
	if status != http.StatusConflict {
		return "", fmt.Errorf("failed to fork %s: %w", path, err)
	}

	// 409: the fork already exists, look it up.
	name := path[strings.LastIndex(path, "/")+1:]
	var existing project
	if _, err := c.do(ctx, http.MethodGet,
		"/api/v4/projects/"+encodeProject(c.Namespace+"/"+name), nil, &existing); err != nil {
		return "", fmt.Errorf("failed to look up existing fork of %s: %w", path, err)
	}
	return existing.HTTPURLToRepo, nil
}

// MergeRequest describes an MR to open.
type MergeRequest struct {
	ForkURL      string
	TargetURL    string
	Title        string
	Description  string
	SourceBranch string
	TargetBranch string
}

type mergeRequestRecord struct {
	IID          int    `json:"iid"`
	WebURL       string `json:"web_url"`
	SourceBranch string `json:"source_branch"`
}

// OpenMergeRequest opens an MR from the fork branch against the upstream
// target. A 409 conflict means an MR for the branch already exists; it is
// found and reused.
func (c *Client) OpenMergeRequest(ctx context.Context, mr MergeRequest) (string, error) {
	forkPath, err := c.ProjectPath(mr.ForkURL)
	if err != nil {
		return "", err
	}
	targetPath, err := c.ProjectPath(mr.TargetURL)
	if err != nil {
		return "", err
	}

	var targetProj project
	if _, err := c.do(ctx, http.MethodGet,
		"/api/v4/projects/"+encodeProject(targetPath), nil, &targetProj); err != nil {
		return "", fmt.Errorf("failed to resolve target project %s: %w", targetPath, err)
	}

	var created mergeRequestRecord
	status, err := c.do(ctx, http.MethodPost,
		"/api/v4/projects/"+encodeProject(forkPath)+"/merge_requests",
		map[string]any{
			"title":             mr.Title,
			"description":       mr.Description,
			"source_branch":     mr.SourceBranch,
			"target_branch":     mr.TargetBranch,
			"target_project_id": targetProj.ID,
		}, &created)
	if err == nil {
		return created.WebURL, nil
	}
	if status != http.StatusConflict {
		return "", fmt.Errorf("failed to open merge request for %s: %w", mr.SourceBranch, err)
	}

	// 409: reuse the MR already open for this source branch.
	var existing []mergeRequestRecord
	q := url.Values{}
	q.Set("source_branch", mr.SourceBranch)
	q.Set("state", "opened")
	if _, err := c.do(ctx, http.MethodGet,
		"/api/v4/projects/"+encodeProject(forkPath)+"/merge_requests?"+q.Encode(),
		nil, &existing); err != nil {
		return "", fmt.Errorf("failed to list merge requests for %s: %w", mr.SourceBranch, err)
	}
	if len(existing) == 0 {
		return "", fmt.Errorf("merge request for %s conflicted but none found", mr.SourceBranch)
	}
	return existing[0].WebURL, nil
}

// AddMergeRequestLabel adds a label to an MR identified by its web URL.
// Best-effort with bounded retry: the MR itself is already published.
func (c *Client) AddMergeRequestLabel(ctx context.Context, mrURL, label string) error {
	projPath, iid, err := parseMergeRequestURL(mrURL)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		_, lastErr = c.do(ctx, http.MethodPut,
			fmt.Sprintf("/api/v4/projects/%s/merge_requests/%s", encodeProject(projPath), iid),
			map[string]string{"add_labels": label}, nil)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to label merge request %s: %w", mrURL, lastErr)
}

func parseMergeRequestURL(mrURL string) (string, string, error) {
	u, err := url.Parse(mrURL)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse merge request URL: %w", err)
	}
	path, iid, ok := strings.Cut(strings.Trim(u.Path, "/"), "/-/merge_requests/")
	if !ok {
		return "", "", fmt.Errorf("unrecognized merge request URL %s", mrURL)
	}
	return path, iid, nil
}
