// Package ingest periodically queries the issue tracker and enqueues fresh
// triage tasks, skipping anything already represented in a queue or by a
// state label.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"jotnar/internal/labels"
	"jotnar/internal/queue"
	"jotnar/internal/schema"
	"jotnar/internal/telemetry"
	"jotnar/internal/tracker"
)

// SearchAPI is the slice of the tracker the ingester consumes. Satisfied by
// *tracker.Client.
type SearchAPI interface {
	SearchPage(ctx context.Context, jql string, startAt, pageSize int) ([]tracker.IssueRef, int, error)
	EditLabels(ctx context.Context, key string, add, remove []string) error
}

// Ingester is the periodic fetcher.
type Ingester struct {
	Tracker  SearchAPI
	Queue    *queue.Queue
	Query    string
	PageSize int
	// Pace is the delay between search pages; rate limiting beyond that is
	// the tracker client's backoff.
	Pace   time.Duration
	Logger *slog.Logger
}

// Run executes ingestion passes until the context is canceled.
func (i *Ingester) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := i.RunOnce(ctx); err != nil {
			i.logger().Error("ingestion pass failed", "error", err)
		} else {
			i.logger().Info("ingestion pass complete", "enqueued", n)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunOnce performs a single fetch-dedup-enqueue pass and returns the number
// of tasks pushed.
func (i *Ingester) RunOnce(ctx context.Context) (int, error) {
	existing, err := i.existingKeys(ctx)
	if err != nil {
		return 0, err
	}
	candidates, err := i.fetchCandidates(ctx)
	if err != nil {
		return 0, err
	}

	pushed := 0
	for _, ref := range candidates {
		key := schema.CanonicalKey(ref.Key)
		if key == "" {
			continue
		}

		retry := hasLabel(ref.Labels, labels.RetryNeeded)
		if retry {
			if n := stateLabelCount(ref.Labels); n > 0 {
				// Ambiguous: retry_needed alongside state labels. Treated as
				// a retry; the stale labels are replaced downstream.
				i.logger().Warn("retry_needed coexists with state labels, forcing retry",
					"issue", key, "labels", ref.Labels)
			}
			delete(existing, key)
			if err := i.dropStaleErrorEntries(ctx, key); err != nil {
				i.logger().Warn("failed to drop stale error entries", "issue", key, "error", err)
			}
		} else if stateLabelCount(ref.Labels) > 0 {
			// Already claimed by a previous pass.
			continue
		}

		if existing[key] {
			continue
		}

		task, err := schema.NewTask(schema.TriageInput{Issue: key})
		if err != nil {
			return pushed, err
		}
		if err := i.Queue.Push(ctx, queue.Triage, task); err != nil {
			return pushed, err
		}
		telemetry.TrackEnqueue(queue.Triage)
		existing[key] = true
		pushed++
		i.logger().Info("enqueued triage task", "issue", key)

		if retry {
			// The retrigger label is consumed so the next pass does not
			// re-enqueue.
			if err := i.Tracker.EditLabels(ctx, key, nil, []string{labels.RetryNeeded}); err != nil {
				i.logger().Warn("failed to consume retry label", "issue", key, "error", err)
			}
		}
	}
	return pushed, nil
}

// existingKeys scans every queue and recovers the issue keys represented
// anywhere in the system. The scan is the ground truth; no parallel index
// is maintained.
func (i *Ingester) existingKeys(ctx context.Context) (map[string]bool, error) {
	existing := make(map[string]bool)
	for _, name := range queue.AllQueues() {
		entries, err := i.Queue.List(ctx, name)
		if err != nil {
			return nil, err
		}
		for _, raw := range entries {
			if key := schema.ExtractIssueKey(raw); key != "" {
				existing[key] = true
			} else {
				i.logger().Warn("unparseable queue entry during dedup scan", "queue", name)
			}
		}
	}
	return existing, nil
}

func (i *Ingester) fetchCandidates(ctx context.Context) ([]tracker.IssueRef, error) {
	pageSize := i.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	var out []tracker.IssueRef
	for startAt := 0; ; {
		refs, total, err := i.Tracker.SearchPage(ctx, i.Query, startAt, pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, refs...)
		startAt += len(refs)
		if startAt >= total || len(refs) == 0 {
			return out, nil
		}
		if i.Pace > 0 {
			select {
			case <-time.After(i.Pace):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
}

// dropStaleErrorEntries removes error-list records left over from the run
// the retrigger is asking to redo.
func (i *Ingester) dropStaleErrorEntries(ctx context.Context, key string) error {
	entries, err := i.Queue.List(ctx, queue.ErrorList)
	if err != nil {
		return err
	}
	for _, raw := range entries {
		if schema.ExtractIssueKey(raw) == key {
			if _, err := i.Queue.Remove(ctx, queue.ErrorList, raw); err != nil {
				return err
			}
		}
	}
	return nil
}

func hasLabel(labelSet []string, label string) bool {
	for _, l := range labelSet {
		if l == label {
			return true
		}
	}
	return false
}

func stateLabelCount(labelSet []string) int {
	n := 0
	for _, l := range labelSet {
		if labels.IsState(l) {
			n++
		}
	}
	return n
}

func (i *Ingester) logger() *slog.Logger {
	if i.Logger != nil {
		return i.Logger
	}
	return slog.Default()
}
