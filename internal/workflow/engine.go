// Package workflow executes a named directed graph of steps over a mutable
// state record. Each step returns the name of the next step; End terminates
// the run.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
)

// End is the terminal sentinel a step returns to finish the run.
const End = "__end__"

// Step advances the state and names its successor. Returning End stops the
// run; returning an unregistered name aborts it.
type Step[S any] func(ctx context.Context, state *S) (string, error)

// UnknownStepError reports a jump to a step that was never registered. It
// is a programming error, not a retryable condition.
type UnknownStepError struct {
	Step string
	From string
}

func (e *UnknownStepError) Error() string {
	if e.From == "" {
		return fmt.Sprintf("unknown workflow step %q", e.Step)
	}
	return fmt.Sprintf("unknown workflow step %q (from %q)", e.Step, e.From)
}

// Engine holds the step graph. Registration order matters only for the
// entry point: Run starts at the first registered step.
type Engine[S any] struct {
	steps  map[string]Step[S]
	order  []string
	logger *slog.Logger
}

// NewEngine returns an empty engine.
func NewEngine[S any](logger *slog.Logger) *Engine[S] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine[S]{steps: make(map[string]Step[S]), logger: logger}
}

// Register adds a named step. Re-registering a name replaces the step but
// keeps its position in the entry order.
func (e *Engine[S]) Register(name string, step Step[S]) {
	if _, exists := e.steps[name]; !exists {
		e.order = append(e.order, name)
	}
	e.steps[name] = step
}

// Run drives the state through the graph starting at the first registered
// step. The state is owned exclusively by the run; the engine yields to the
// context between steps.
func (e *Engine[S]) Run(ctx context.Context, state *S) error {
	if len(e.order) == 0 {
		return fmt.Errorf("workflow has no steps")
	}
	current := e.order[0]
	previous := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		step, ok := e.steps[current]
		if !ok {
			return &UnknownStepError{Step: current, From: previous}
		}
		e.logger.Debug("running workflow step", "step", current)
		next, err := step(ctx, state)
		if err != nil {
			return fmt.Errorf("step %s: %w", current, err)
		}
		if next == End {
			return nil
		}
		previous, current = current, next
	}
}
