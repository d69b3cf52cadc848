// Package tracker implements the issue tracker REST client used by the
// triage and pipeline tools.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"jotnar/internal/schema"
)

// Client handles issue tracker API interactions.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client

	// VerifiedGroup is the tracker group a reporter must belong to for
	// rebase requests to be honored without clarification.
	VerifiedGroup string

	// CommentGroup restricts private comments to the named group.
	CommentGroup string

	// maxAttempts bounds internal retries on 429/5xx responses.
	maxAttempts int
	backoff     func(attempt int) time.Duration
}

// NewClient creates a new tracker client authenticated with a bearer token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxAttempts: 3,
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt)) * time.Second
		},
	}
}

// Issue is the subset of an issue record the pipelines consume.
type Issue struct {
	Key         string
	Summary     string
	Description string
	Status      string
	Labels      []string
	FixVersions []string
	Severity    string
	Reporter    string
	RemoteLinks []RemoteLink
}

// RemoteLink is an external URL attached to an issue.
type RemoteLink struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// IssueRef is the minimal record returned by the ingestion search: key and
// labels only, for throughput.
type IssueRef struct {
	Key    string
	Labels []string
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.Token)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("failed to execute request: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("tracker returned status %d for %s %s", resp.StatusCode, method, path)
			continue
		}

		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("tracker returned status %d for %s %s: %s", resp.StatusCode, method, path, string(raw))
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
		} else {
			io.Copy(io.Discard, resp.Body)
		}
		return nil
	}
	return fmt.Errorf("tracker request failed after %d attempts: %w", c.maxAttempts, lastErr)
}

type rawIssue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Labels      []string `json:"labels"`
		Status      struct {
			Name string `json:"name"`
		} `json:"status"`
		FixVersions []struct {
			Name string `json:"name"`
		} `json:"fixVersions"`
		Priority struct {
			Name string `json:"name"`
		} `json:"priority"`
		Reporter struct {
			Name         string `json:"name"`
			EmailAddress string `json:"emailAddress"`
		} `json:"reporter"`
	} `json:"fields"`
}

func (r rawIssue) toIssue() Issue {
	issue := Issue{
		Key:         schema.CanonicalKey(r.Key),
		Summary:     r.Fields.Summary,
		Description: r.Fields.Description,
		Status:      r.Fields.Status.Name,
		Labels:      r.Fields.Labels,
		Severity:    r.Fields.Priority.Name,
		Reporter:    r.Fields.Reporter.Name,
	}
	for _, fv := range r.Fields.FixVersions {
		issue.FixVersions = append(issue.FixVersions, fv.Name)
	}
	return issue
}

// GetIssue fetches an issue record together with its remote links.
func (c *Client) GetIssue(ctx context.Context, key string) (*Issue, error) {
	key = schema.CanonicalKey(key)
	var raw rawIssue
	if err := c.do(ctx, http.MethodGet, "/rest/api/2/issue/"+key, nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to fetch issue %s: %w", key, err)
	}
	issue := raw.toIssue()

	var links []struct {
		Object struct {
			URL   string `json:"url"`
			Title string `json:"title"`
		} `json:"object"`
	}
	if err := c.do(ctx, http.MethodGet, "/rest/api/2/issue/"+key+"/remotelink", nil, &links); err != nil {
		return nil, fmt.Errorf("failed to fetch remote links for %s: %w", key, err)
	}
	for _, l := range links {
		issue.RemoteLinks = append(issue.RemoteLinks, RemoteLink{Title: l.Object.Title, URL: l.Object.URL})
	}
	return &issue, nil
}

// SearchPage runs a JQL query returning one page of key+labels records.
func (c *Client) SearchPage(ctx context.Context, jql string, startAt, pageSize int) ([]IssueRef, int, error) {
	q := url.Values{}
	q.Set("jql", jql)
	q.Set("startAt", strconv.Itoa(startAt))
	q.Set("maxResults", strconv.Itoa(pageSize))
	q.Set("fields", "key,labels")

	var out struct {
		Total  int        `json:"total"`
		Issues []rawIssue `json:"issues"`
	}
	if err := c.do(ctx, http.MethodGet, "/rest/api/2/search?"+q.Encode(), nil, &out); err != nil {
		return nil, 0, fmt.Errorf("failed to search issues: %w", err)
	}

	refs := make([]IssueRef, 0, len(out.Issues))
	for _, i := range out.Issues {
		refs = append(refs, IssueRef{Key: schema.CanonicalKey(i.Key), Labels: i.Fields.Labels})
	}
	return refs, out.Total, nil
}

// AddComment posts a comment, optionally restricted to the client's comment
// group.
func (c *Client) AddComment(ctx context.Context, key, body string, private bool) error {
	key = schema.CanonicalKey(key)
	payload := map[string]any{"body": body}
	if private && c.CommentGroup != "" {
		payload["visibility"] = map[string]string{
			"type":  "group",
			"value": c.CommentGroup,
		}
	}
	if err := c.do(ctx, http.MethodPost, "/rest/api/2/issue/"+key+"/comment", payload, nil); err != nil {
		return fmt.Errorf("failed to add comment to %s: %w", key, err)
	}
	return nil
}

// EditLabels applies label additions and removals in a single update.
func (c *Client) EditLabels(ctx context.Context, key string, add, remove []string) error {
	key = schema.CanonicalKey(key)
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}
	var ops []map[string]string
	for _, l := range add {
		ops = append(ops, map[string]string{"add": l})
	}
	for _, l := range remove {
		ops = append(ops, map[string]string{"remove": l})
	}
	payload := map[string]any{"update": map[string]any{"labels": ops}}
	if err := c.do(ctx, http.MethodPut, "/rest/api/2/issue/"+key, payload, nil); err != nil {
		return fmt.Errorf("failed to edit labels on %s: %w", key, err)
	}
	return nil
}

// FieldUpdate carries the optional fields SetFields may write.
type FieldUpdate struct {
	FixVersions []string
	Severity    string
	TargetEnd   string
}

// SetFields writes the given fields, skipping any that already have a
// value on the issue.
func (c *Client) SetFields(ctx context.Context, key string, update FieldUpdate) error {
	key = schema.CanonicalKey(key)
	issue, err := c.GetIssue(ctx, key)
	if err != nil {
		return err
	}

	fields := map[string]any{}
	if len(update.FixVersions) > 0 && len(issue.FixVersions) == 0 {
		var fvs []map[string]string
		for _, fv := range update.FixVersions {
			fvs = append(fvs, map[string]string{"name": fv})
		}
		fields["fixVersions"] = fvs
	}
	if update.Severity != "" && issue.Severity == "" {
		fields["priority"] = map[string]string{"name": update.Severity}
	}
	if update.TargetEnd != "" {
		fields["duedate"] = update.TargetEnd
	}
	if len(fields) == 0 {
		return nil
	}
	if err := c.do(ctx, http.MethodPut, "/rest/api/2/issue/"+key, map[string]any{"fields": fields}, nil); err != nil {
		return fmt.Errorf("failed to set fields on %s: %w", key, err)
	}
	return nil
}

// TransitionStatus moves an issue to the target status. Already being in
// the target status is a no-op, not an error.
func (c *Client) TransitionStatus(ctx context.Context, key, target string) error {
	key = schema.CanonicalKey(key)
	issue, err := c.GetIssue(ctx, key)
	if err != nil {
		return err
	}
	if strings.EqualFold(issue.Status, target) {
		return nil
	}

	var out struct {
		Transitions []struct {
			ID string `json:"id"`
			To struct {
				Name string `json:"name"`
			} `json:"to"`
		} `json:"transitions"`
	}
	if err := c.do(ctx, http.MethodGet, "/rest/api/2/issue/"+key+"/transitions", nil, &out); err != nil {
		return fmt.Errorf("failed to list transitions for %s: %w", key, err)
	}
	for _, tr := range out.Transitions {
		if strings.EqualFold(tr.To.Name, target) {
			payload := map[string]any{"transition": map[string]string{"id": tr.ID}}
			if err := c.do(ctx, http.MethodPost, "/rest/api/2/issue/"+key+"/transitions", payload, nil); err != nil {
				return fmt.Errorf("failed to transition %s to %s: %w", key, target, err)
			}
			return nil
		}
	}
	return fmt.Errorf("no transition to %q available for %s", target, key)
}

// VerifyAuthor reports whether the issue reporter belongs to the verified
// group.
func (c *Client) VerifyAuthor(ctx context.Context, key string) (bool, error) {
	key = schema.CanonicalKey(key)
	issue, err := c.GetIssue(ctx, key)
	if err != nil {
		return false, err
	}
	if c.VerifiedGroup == "" || issue.Reporter == "" {
		return false, nil
	}

	q := url.Values{}
	q.Set("username", issue.Reporter)
	q.Set("expand", "groups")
	var out struct {
		Groups struct {
			Items []struct {
				Name string `json:"name"`
			} `json:"items"`
		} `json:"groups"`
	}
	if err := c.do(ctx, http.MethodGet, "/rest/api/2/user?"+q.Encode(), nil, &out); err != nil {
		return false, fmt.Errorf("failed to look up reporter of %s: %w", key, err)
	}
	for _, g := range out.Groups.Items {
		if g.Name == c.VerifiedGroup {
			return true, nil
		}
	}
	return false, nil
}
