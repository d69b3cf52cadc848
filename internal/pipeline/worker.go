package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"jotnar/internal/labels"
	"jotnar/internal/notify"
	"jotnar/internal/queue"
	"jotnar/internal/schema"
	"jotnar/internal/telemetry"
)

// Handler processes one dequeued task. A returned error triggers the
// task-level retry bookkeeping; business outcomes are not errors.
type Handler func(ctx context.Context, queueName string, task schema.Task) error

// LabelWriter is the slice of the tracker the worker needs on retry
// exhaustion.
type LabelWriter interface {
	EditLabels(ctx context.Context, key string, add, remove []string) error
	AddComment(ctx context.Context, key, body string, private bool) error
}

// Worker is an infinite consumer loop over one or more queues. Shutdown is
// cooperative: the context is only checked between tasks, so an in-flight
// task always finishes.
type Worker struct {
	Name       string
	Queue      *queue.Queue
	Queues     []string
	Handler    Handler
	MaxRetries int
	PopTimeout time.Duration
	// ErrorLabel is the terminal label applied when retries are exhausted.
	ErrorLabel string
	// Tracker is optional; without it exhaustion skips the label and comment.
	Tracker LabelWriter
	// Notify is optional; exhaustion pings the operators when set.
	Notify notify.Notifier
	Logger *slog.Logger
}

// Run consumes tasks until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	logger := w.logger()
	logger.Info("worker started", "queues", w.Queues)
	for {
		if err := ctx.Err(); err != nil {
			logger.Info("worker stopping")
			return err
		}
		name, raw, ok, err := w.Queue.BlockingPop(ctx, w.Queues, w.popTimeout())
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("worker stopping")
				return ctx.Err()
			}
			logger.Error("queue pop failed", "error", err)
			continue
		}
		if !ok {
			continue
		}
		w.process(ctx, name, raw)
	}
}

// ProcessOne pops and handles at most one task. Used by tests and one-shot
// invocations.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	name, raw, ok, err := w.Queue.BlockingPop(ctx, w.Queues, w.popTimeout())
	if err != nil || !ok {
		return false, err
	}
	w.process(ctx, name, raw)
	return true, nil
}

func (w *Worker) process(ctx context.Context, queueName string, raw []byte) {
	logger := w.logger()

	var task schema.Task
	if err := task.UnmarshalFrom(raw); err != nil {
		// A payload that is not a Task envelope cannot be retried; it goes
		// straight to the error list.
		logger.Error("discarding malformed task", "queue", queueName, "error", err)
		w.exhaust(ctx, queueName, schema.Task{Metadata: raw}, err)
		return
	}

	err := w.Handler(ctx, queueName, task)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		// Shutdown mid-task: the next ingestion pass re-derives the work.
		logger.Warn("task interrupted by shutdown", "queue", queueName)
		return
	}

	task.Attempts++
	key := schema.ExtractIssueKey(raw)
	if task.Attempts < w.MaxRetries {
		logger.Warn("task failed, requeueing",
			"queue", queueName, "issue", key, "attempts", task.Attempts, "error", err)
		telemetry.TrackRetry(queueName)
		if pushErr := w.Queue.PushHead(ctx, queueName, task); pushErr != nil {
			logger.Error("failed to requeue task", "queue", queueName, "error", pushErr)
		}
		return
	}
	logger.Error("task exhausted retries",
		"queue", queueName, "issue", key, "attempts", task.Attempts, "error", err)
	w.exhaust(ctx, queueName, task, err)
}

func (w *Worker) exhaust(ctx context.Context, queueName string, task schema.Task, cause error) {
	logger := w.logger()
	telemetry.TrackExhausted(queueName)

	record := schema.ErrorRecord{
		JiraIssue: schema.ExtractIssueKey(task.Metadata),
		Queue:     queueName,
		Attempts:  task.Attempts,
		Error:     cause.Error(),
	}
	if err := w.Queue.Push(ctx, queue.ErrorList, record); err != nil {
		logger.Error("failed to record error entry", "queue", queueName, "error", err)
	}

	if w.Notify != nil {
		msg := fmt.Sprintf("%s gave up on %s after %d attempts: %s",
			w.Name, record.JiraIssue, task.Attempts, cause.Error())
		if err := w.Notify.Notify(ctx, msg); err != nil {
			logger.Warn("failed to send exhaustion notification", "error", err)
		}
	}

	if w.Tracker == nil || record.JiraIssue == "" || w.ErrorLabel == "" {
		return
	}
	remove := removeAllExcept(w.ErrorLabel)
	if err := w.Tracker.EditLabels(ctx, record.JiraIssue, []string{w.ErrorLabel}, remove); err != nil {
		logger.Error("failed to apply terminal error label", "issue", record.JiraIssue, "error", err)
	}
	body := fmt.Sprintf("Automated processing failed after %d attempts on %s: %s",
		task.Attempts, queueName, cause.Error())
	if err := w.Tracker.AddComment(ctx, record.JiraIssue, body, true); err != nil {
		logger.Error("failed to post failure comment", "issue", record.JiraIssue, "error", err)
	}
}

// removeAllExcept returns the label vocabulary minus the one being added,
// preserving the single-label invariant in one edit.
func removeAllExcept(keep string) []string {
	var out []string
	for _, l := range labels.All() {
		if l != keep {
			out = append(out, l)
		}
	}
	return out
}

func (w *Worker) popTimeout() time.Duration {
	if w.PopTimeout > 0 {
		return w.PopTimeout
	}
	return 30 * time.Second
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger.With("worker", w.Name)
	}
	return slog.Default().With("worker", w.Name)
}
