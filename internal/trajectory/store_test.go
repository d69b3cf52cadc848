package trajectory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "trajectory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_RunLifecycle(t *testing.T) {
	store := newTestStore(t)

	runID, err := store.StartRun("rebase", "RHEL-100")
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	require.NoError(t, store.RecordEvent(runID, KindToolCall, "download_sources",
		map[string]string{"branch": "c9s"}))
	require.NoError(t, store.RecordEvent(runID, KindToolResult, "download_sources", "ok"))
	require.NoError(t, store.RecordEvent(runID, KindFinal, "", nil))
	require.NoError(t, store.FinishRun(runID, "success"))

	events, err := store.Events(runID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, KindToolCall, events[0].Kind)
	assert.Equal(t, "download_sources", events[0].Name)
	assert.JSONEq(t, `{"branch":"c9s"}`, string(events[0].Payload))
	assert.Empty(t, events[2].Payload)
}

func TestRecorder_NilSafe(t *testing.T) {
	rec, err := NewRecorder(nil, "triage", "RHEL-1")
	require.NoError(t, err)
	require.Nil(t, rec)

	// None of these may panic.
	rec.Record(KindModelTurn, "", nil)
	rec.Finish("success")
	assert.Empty(t, rec.RunID())
}

func TestRecorder_Records(t *testing.T) {
	store := newTestStore(t)

	rec, err := NewRecorder(store, "backport", "RHEL-200")
	require.NoError(t, err)
	require.NotNil(t, rec)

	rec.Record(KindModelTurn, "", map[string]int{"iteration": 1})
	rec.Finish("error")

	events, err := store.Events(rec.RunID())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, KindModelTurn, events[0].Kind)
}
