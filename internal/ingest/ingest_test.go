package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jotnar/internal/queue"
	"jotnar/internal/schema"
	"jotnar/internal/tracker"
)

type fakeSearch struct {
	refs       []tracker.IssueRef
	pageSize   int
	labelEdits map[string][][2][]string
}

func (f *fakeSearch) SearchPage(ctx context.Context, jql string, startAt, pageSize int) ([]tracker.IssueRef, int, error) {
	f.pageSize = pageSize
	end := startAt + pageSize
	if end > len(f.refs) {
		end = len(f.refs)
	}
	if startAt >= len(f.refs) {
		return nil, len(f.refs), nil
	}
	return f.refs[startAt:end], len(f.refs), nil
}

func (f *fakeSearch) EditLabels(ctx context.Context, key string, add, remove []string) error {
	if f.labelEdits == nil {
		f.labelEdits = map[string][][2][]string{}
	}
	f.labelEdits[key] = append(f.labelEdits[key], [2][]string{add, remove})
	return nil
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	return queue.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func listKeys(t *testing.T, q *queue.Queue, name string) []string {
	t.Helper()
	entries, err := q.List(context.Background(), name)
	require.NoError(t, err)
	var keys []string
	for _, raw := range entries {
		keys = append(keys, schema.ExtractIssueKey(raw))
	}
	return keys
}

func TestRunOnce_DedupAgainstQueues(t *testing.T) {
	// PROJ-1 already queued, so only PROJ-2 is pushed.
	q := newTestQueue(t)
	ctx := context.Background()
	existing, err := schema.NewTask(schema.TriageInput{Issue: "PROJ-1"})
	require.NoError(t, err)
	require.NoError(t, q.Push(ctx, queue.Triage, existing))

	ing := &Ingester{
		Tracker: &fakeSearch{refs: []tracker.IssueRef{
			{Key: "PROJ-1"},
			{Key: "PROJ-2"},
		}},
		Queue: q,
		Query: "project = PROJ",
	}

	n, err := ing.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"PROJ-1", "PROJ-2"}, listKeys(t, q, queue.Triage))

	// The pushed task is a fresh envelope with zero attempts.
	entries, err := q.List(ctx, queue.Triage)
	require.NoError(t, err)
	var task schema.Task
	require.NoError(t, json.Unmarshal(entries[1], &task))
	assert.Zero(t, task.Attempts)
	assert.JSONEq(t, `{"issue":"PROJ-2"}`, string(task.Metadata))
}

func TestRunOnce_RetryNeededOverridesStaleEntries(t *testing.T) {
	// retry_needed forces a fresh task even though a stale record for
	// the same issue sits in error_list.
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, queue.ErrorList, schema.ErrorRecord{
		JiraIssue: "PROJ-3", Queue: queue.BackportC9s, Attempts: 3, Error: "boom",
	}))

	search := &fakeSearch{refs: []tracker.IssueRef{
		{Key: "PROJ-3", Labels: []string{"retry_needed", "backport_errored"}},
	}}
	ing := &Ingester{Tracker: search, Queue: q}

	n, err := ing.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"PROJ-3"}, listKeys(t, q, queue.Triage))

	// The stale error entry is gone and the retrigger label consumed.
	entries, err := q.List(ctx, queue.ErrorList)
	require.NoError(t, err)
	assert.Empty(t, entries)
	require.Len(t, search.labelEdits["PROJ-3"], 1)
	assert.Equal(t, []string{"retry_needed"}, search.labelEdits["PROJ-3"][0][1])
}

func TestRunOnce_StateLabelSkips(t *testing.T) {
	q := newTestQueue(t)
	ing := &Ingester{
		Tracker: &fakeSearch{refs: []tracker.IssueRef{
			{Key: "PROJ-4", Labels: []string{"rebase_in_progress"}},
			{Key: "PROJ-5", Labels: []string{"no_action_needed"}},
			{Key: "PROJ-6", Labels: []string{"unrelated_team_label"}},
		}},
		Queue: q,
	}

	n, err := ing.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"PROJ-6"}, listKeys(t, q, queue.Triage))
}

func TestRunOnce_BatchCannotDuplicate(t *testing.T) {
	q := newTestQueue(t)
	ing := &Ingester{
		Tracker: &fakeSearch{refs: []tracker.IssueRef{
			{Key: "proj-7"},
			{Key: "PROJ-7"},
		}},
		Queue: q,
	}

	n, err := ing.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"PROJ-7"}, listKeys(t, q, queue.Triage))
}

func TestRunOnce_Paginates(t *testing.T) {
	q := newTestQueue(t)
	var refs []tracker.IssueRef
	for _, k := range []string{"A-1", "A-2", "A-3", "A-4", "A-5"} {
		refs = append(refs, tracker.IssueRef{Key: k})
	}
	ing := &Ingester{
		Tracker:  &fakeSearch{refs: refs},
		Queue:    q,
		PageSize: 2,
		Pace:     time.Millisecond,
	}

	n, err := ing.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Len(t, listKeys(t, q, queue.Triage), 5)
}

func TestRunOnce_DedupCoversLegacyQueues(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	stale, err := schema.NewTask(schema.TriageInput{Issue: "PROJ-8"})
	require.NoError(t, err)
	require.NoError(t, q.Push(ctx, queue.LegacyRebase, stale))

	ing := &Ingester{
		Tracker: &fakeSearch{refs: []tracker.IssueRef{{Key: "PROJ-8"}}},
		Queue:   q,
	}

	n, err := ing.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
