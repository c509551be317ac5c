package ninja_go

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestHistory(t *testing.T) *HistoryStore {
	t.Helper()
	store, err := OpenHistory(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestHistoryRecordAndRecent(t *testing.T) {
	store := openTestHistory(t)
	started := time.UnixMilli(1_700_000_000_000)

	first, err := store.Record(BuildSummary{
		Outcome:         OutcomeBuilt,
		EdgesConsidered: 3,
		EdgesExecuted:   3,
		Elapsed:         1500 * time.Millisecond,
	}, started, "build.ninja", []string{"all"})
	require.NoError(t, err)

	second, err := store.Record(BuildSummary{
		Outcome:         OutcomeFailed,
		EdgesConsidered: 2,
		EdgesExecuted:   1,
		Failures: []CommandFailure{{
			Outputs: []string{"a.o", "a.d"},
			Command: "cc -c a.c",
			Output:  "a.c:1: error\n",
			Status:  ExitFailure,
		}},
	}, started.Add(time.Minute), "build.ninja", []string{"a.o", "b.o"})
	require.NoError(t, err)
	assert.Greater(t, second, first)

	records, err := store.Recent(10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	latest := records[0]
	assert.Equal(t, second, latest.ID)
	assert.Equal(t, "failed", latest.Outcome)
	assert.Equal(t, "a.o b.o", latest.Targets)
	assert.Equal(t, 1, latest.EdgesFailed)
	require.Len(t, latest.Failures, 1)
	assert.Equal(t, "a.o a.d", latest.Failures[0].Outputs)
	assert.Equal(t, "failure", latest.Failures[0].Status)
	assert.Equal(t, "a.c:1: error\n", latest.Failures[0].Output)

	assert.Equal(t, "built", records[1].Outcome)
	assert.Equal(t, int64(1500), records[1].ElapsedMs)
	assert.Equal(t, started.UnixMilli(), records[1].StartedAt)
	assert.Empty(t, records[1].Failures)

	records, err = store.Recent(1)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestHistoryExpire(t *testing.T) {
	store := openTestHistory(t)
	old := time.UnixMilli(1_000)
	recent := time.UnixMilli(5_000)

	_, err := store.Record(BuildSummary{
		Outcome:  OutcomeFailed,
		Failures: []CommandFailure{{Outputs: []string{"x"}, Command: "false", Status: ExitFailure}},
	}, old, "build.ninja", nil)
	require.NoError(t, err)
	keep, err := store.Record(BuildSummary{Outcome: OutcomeUpToDate}, recent, "build.ninja", nil)
	require.NoError(t, err)

	expired, err := store.Expire(time.UnixMilli(2_000))
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)

	records, err := store.Recent(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, keep, records[0].ID)

	expired, err = store.Expire(time.UnixMilli(2_000))
	require.NoError(t, err)
	assert.Zero(t, expired)
}
