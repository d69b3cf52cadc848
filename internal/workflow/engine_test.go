package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countState struct {
	visits []string
	n      int
}

func TestEngine_RunsToEnd(t *testing.T) {
	eng := NewEngine[countState](nil)
	eng.Register("first", func(ctx context.Context, s *countState) (string, error) {
		s.visits = append(s.visits, "first")
		return "second", nil
	})
	eng.Register("second", func(ctx context.Context, s *countState) (string, error) {
		s.visits = append(s.visits, "second")
		return End, nil
	})

	var state countState
	require.NoError(t, eng.Run(context.Background(), &state))
	assert.Equal(t, []string{"first", "second"}, state.visits)
}

func TestEngine_ConditionalRouting(t *testing.T) {
	eng := NewEngine[countState](nil)
	eng.Register("loop", func(ctx context.Context, s *countState) (string, error) {
		s.n++
		if s.n < 3 {
			return "loop", nil
		}
		return "done", nil
	})
	eng.Register("done", func(ctx context.Context, s *countState) (string, error) {
		return End, nil
	})

	var state countState
	require.NoError(t, eng.Run(context.Background(), &state))
	assert.Equal(t, 3, state.n)
}

func TestEngine_UnknownStep(t *testing.T) {
	eng := NewEngine[countState](nil)
	eng.Register("start", func(ctx context.Context, s *countState) (string, error) {
		return "nowhere", nil
	})

	var state countState
	err := eng.Run(context.Background(), &state)

	var unknown *UnknownStepError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "nowhere", unknown.Step)
	assert.Equal(t, "start", unknown.From)
}

func TestEngine_StepErrorWrapped(t *testing.T) {
	eng := NewEngine[countState](nil)
	eng.Register("boom", func(ctx context.Context, s *countState) (string, error) {
		return "", assert.AnError
	})

	var state countState
	err := eng.Run(context.Background(), &state)
	require.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "step boom")
}

func TestEngine_CanceledBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	eng := NewEngine[countState](nil)
	eng.Register("first", func(c context.Context, s *countState) (string, error) {
		cancel()
		return "second", nil
	})
	eng.Register("second", func(c context.Context, s *countState) (string, error) {
		t.Fatal("second step must not run after cancellation")
		return End, nil
	})

	var state countState
	assert.ErrorIs(t, eng.Run(ctx, &state), context.Canceled)
}

func TestEngine_NoSteps(t *testing.T) {
	eng := NewEngine[countState](nil)
	var state countState
	assert.Error(t, eng.Run(context.Background(), &state))
}
