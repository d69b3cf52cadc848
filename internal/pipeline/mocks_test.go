package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"jotnar/internal/agent"
	"jotnar/internal/forge"
	"jotnar/internal/queue"
	"jotnar/internal/schema"
	"jotnar/internal/tracker"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	return queue.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

type labelEdit struct {
	add, remove []string
}

type mockTracker struct {
	issue       *tracker.Issue
	eligibility *schema.CVEEligibility
	verified    bool

	getErr    error
	verifyErr error

	comments    []string
	labelEdits  map[string][]labelEdit
	transitions []string
}

func newMockTracker() *mockTracker {
	return &mockTracker{
		issue:       &tracker.Issue{Key: "RHEL-100", Summary: "Rebase openssl", FixVersions: []string{"rhel-9.4"}},
		eligibility: &schema.CVEEligibility{IsCVE: false, IsEligibleForTriage: true, Reason: "not a CVE ticket"},
		verified:    true,
		labelEdits:  map[string][]labelEdit{},
	}
}

func (m *mockTracker) GetIssue(ctx context.Context, key string) (*tracker.Issue, error) {
	return m.issue, m.getErr
}

func (m *mockTracker) CheckCVEEligibility(ctx context.Context, key string) (*schema.CVEEligibility, error) {
	return m.eligibility, nil
}

func (m *mockTracker) VerifyAuthor(ctx context.Context, key string) (bool, error) {
	return m.verified, m.verifyErr
}

func (m *mockTracker) AddComment(ctx context.Context, key, body string, private bool) error {
	m.comments = append(m.comments, body)
	return nil
}

func (m *mockTracker) EditLabels(ctx context.Context, key string, add, remove []string) error {
	m.labelEdits[key] = append(m.labelEdits[key], labelEdit{add: add, remove: remove})
	return nil
}

func (m *mockTracker) TransitionStatus(ctx context.Context, key, target string) error {
	m.transitions = append(m.transitions, target)
	return nil
}

// addedLabels flattens the add sides of all edits for an issue.
func (m *mockTracker) addedLabels(key string) []string {
	var out []string
	for _, e := range m.labelEdits[key] {
		out = append(out, e.add...)
	}
	return out
}

type mockForge struct {
	forkURL string
	mrURL   string

	forks    []string
	mrs      []forge.MergeRequest
	mrLabels []string
}

func (m *mockForge) Fork(ctx context.Context, upstreamURL string) (string, error) {
	m.forks = append(m.forks, upstreamURL)
	return m.forkURL, nil
}

func (m *mockForge) OpenMergeRequest(ctx context.Context, mr forge.MergeRequest) (string, error) {
	m.mrs = append(m.mrs, mr)
	return m.mrURL, nil
}

func (m *mockForge) AddMergeRequestLabel(ctx context.Context, mrURL, label string) error {
	m.mrLabels = append(m.mrLabels, label)
	return nil
}

type mockGit struct {
	branches []string

	clones, checkouts, commits, pushes int
	added                              [][]string
	commitMsg                          string
}

func (m *mockGit) Clone(ctx context.Context, url, dest, branch string) error {
	m.clones++
	return nil
}

func (m *mockGit) CheckoutNewBranch(ctx context.Context, dir, branch string) error {
	m.checkouts++
	return nil
}

func (m *mockGit) Add(ctx context.Context, dir string, paths ...string) error {
	m.added = append(m.added, paths)
	return nil
}

func (m *mockGit) Commit(ctx context.Context, dir, message string) error {
	m.commits++
	m.commitMsg = message
	return nil
}

func (m *mockGit) Push(ctx context.Context, dir, remoteURL, branch string, force bool) error {
	m.pushes++
	return nil
}

func (m *mockGit) LsRemoteBranches(ctx context.Context, url string) ([]string, error) {
	return m.branches, nil
}

// scriptedRunner returns canned outputs per agent name, in call order.
type scriptedRunner struct {
	outputs map[string][]string
	calls   map[string]int
	prompts map[string][]string
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{
		outputs: map[string][]string{},
		calls:   map[string]int{},
		prompts: map[string][]string{},
	}
}

func (r *scriptedRunner) script(agentName string, outputs ...string) {
	r.outputs[agentName] = append(r.outputs[agentName], outputs...)
}

func (r *scriptedRunner) Run(ctx context.Context, req agent.Request) (json.RawMessage, error) {
	r.prompts[req.Agent] = append(r.prompts[req.Agent], req.Prompt)
	i := r.calls[req.Agent]
	r.calls[req.Agent]++
	queue := r.outputs[req.Agent]
	if i >= len(queue) {
		return nil, fmt.Errorf("unexpected %s agent call %d", req.Agent, i+1)
	}
	return json.RawMessage(queue[i]), nil
}
