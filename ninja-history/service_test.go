package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"ninja-hashbuild/model"
	ninja_go "ninja-hashbuild/ninja-go"
)

type historyFixture struct {
	history *ninja_go.HistoryStore
	store   *Store
	logger  *slog.Logger
}

func newHistoryFixture(t *testing.T) *historyFixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	history, err := OpenDb(path)
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })

	store, err := OpenStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &historyFixture{
		history: history,
		store:   store,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (f *historyFixture) record(t *testing.T, started time.Time, outcome ninja_go.Outcome, failures ...ninja_go.CommandFailure) int64 {
	t.Helper()
	summary := ninja_go.BuildSummary{
		Outcome:         outcome,
		EdgesConsidered: 3,
		EdgesExecuted:   2,
		Failures:        failures,
		Elapsed:         1500 * time.Millisecond,
	}
	id, err := f.history.Record(summary, started, "build.ninja", []string{"all"})
	require.NoError(t, err)
	return id
}

func get(svc *RestService, uri string) *fasthttp.RequestCtx {
	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI(uri)
	svc.Handle(&ctx)
	return &ctx
}

func TestStoreRecentBuilds(t *testing.T) {
	f := newHistoryFixture(t)
	now := time.Now()
	first := f.record(t, now.Add(-2*time.Minute), ninja_go.OutcomeBuilt)
	second := f.record(t, now.Add(-time.Minute), ninja_go.OutcomeFailed, ninja_go.CommandFailure{
		Outputs: []string{"out.o"},
		Command: "cc -c in.c",
		Output:  "in.c:1: error",
		Status:  ninja_go.ExitFailure,
	})

	builds, err := f.store.RecentBuilds(10, "")
	require.NoError(t, err)
	require.Len(t, builds, 2)
	assert.Equal(t, second, builds[0].ID)
	assert.Equal(t, first, builds[1].ID)
	assert.Equal(t, "failed", builds[0].Outcome)
	assert.Equal(t, 1, builds[0].EdgesFailed)
	assert.Equal(t, int64(1500), builds[0].ElapsedMs)
	assert.Equal(t, "all", builds[0].Targets)

	failed, err := f.store.RecentBuilds(10, "failed")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, second, failed[0].ID)

	failures, err := f.store.Failures(second)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "out.o", failures[0].Outputs)
	assert.Equal(t, "cc -c in.c", failures[0].Command)
}

func TestExpireHidesOldBuilds(t *testing.T) {
	f := newHistoryFixture(t)
	now := time.Now()
	f.record(t, now.Add(-48*time.Hour), ninja_go.OutcomeFailed, ninja_go.CommandFailure{
		Outputs: []string{"old.o"}, Status: ninja_go.ExitFailure,
	})
	recent := f.record(t, now.Add(-time.Hour), ninja_go.OutcomeUpToDate)

	expirer := NewExpirer(f.history, 24*time.Hour, f.logger)
	expirer.now = func() time.Time { return now }
	expired, err := expirer.Expire()
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)

	builds, err := f.store.RecentBuilds(10, "")
	require.NoError(t, err)
	require.Len(t, builds, 1)
	assert.Equal(t, recent, builds[0].ID)

	stats, err := f.store.Stats()
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "up to date", stats[0].Outcome)
	assert.Equal(t, int64(0), stats[0].EdgesFailed)

	// A second pass finds nothing left to expire.
	expired, err = expirer.Expire()
	require.NoError(t, err)
	assert.Zero(t, expired)
}

func TestExpirerTaskSkipsWhileRunning(t *testing.T) {
	f := newHistoryFixture(t)
	now := time.Now()
	f.record(t, now.Add(-48*time.Hour), ninja_go.OutcomeBuilt)

	expirer := NewExpirer(f.history, 24*time.Hour, f.logger)
	expirer.running.Set()
	expirer.Task()

	builds, err := f.store.RecentBuilds(10, "")
	require.NoError(t, err)
	assert.Len(t, builds, 1)

	expirer.running.UnSet()
	expirer.Task()
	builds, err = f.store.RecentBuilds(10, "")
	require.NoError(t, err)
	assert.Empty(t, builds)
	assert.False(t, expirer.running.IsSet())
}

func TestRestBuilds(t *testing.T) {
	f := newHistoryFixture(t)
	now := time.Now()
	for i := 0; i < 3; i++ {
		f.record(t, now.Add(time.Duration(i)*time.Second), ninja_go.OutcomeBuilt)
	}
	svc := &RestService{store: f.store, logger: f.logger}

	ctx := get(svc, "/builds?limit=2")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "application/json", string(ctx.Response.Header.ContentType()))
	var builds []*model.BuildRecord
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &builds))
	assert.Len(t, builds, 2)

	ctx = get(svc, "/builds?limit=nope")
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())

	ctx = get(svc, "/builds?id=999")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())

	ctx = get(svc, "/nowhere")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestRestBuildWithFailures(t *testing.T) {
	f := newHistoryFixture(t)
	id := f.record(t, time.Now(), ninja_go.OutcomeFailed,
		ninja_go.CommandFailure{Outputs: []string{"a"}, Command: "false", Status: ninja_go.ExitFailure},
		ninja_go.CommandFailure{Outputs: []string{"b", "c"}, Command: "false", Status: ninja_go.ExitFailure},
	)
	svc := &RestService{store: f.store, logger: f.logger}

	ctx := get(svc, "/builds?id="+itoa(id))
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	var build model.BuildRecord
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &build))
	assert.Equal(t, id, build.ID)
	require.Len(t, build.Failures, 2)
	assert.Equal(t, "b c", build.Failures[1].Outputs)

	ctx = get(svc, "/builds/failures?build="+itoa(id))
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	var failures []*model.FailureRecord
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &failures))
	assert.Len(t, failures, 2)

	ctx = get(svc, "/stats")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	var stats []*OutcomeStats
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &stats))
	require.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats[0].EdgesFailed)
}

func TestCLIParse(t *testing.T) {
	var cli CLI
	parser, err := newParser(&cli)
	require.NoError(t, err)
	kongCtx, err := parser.Parse([]string{"serve", "--db", "x.db", "--retention", "1h"})
	require.NoError(t, err)
	assert.Equal(t, "serve", kongCtx.Command())
	assert.Equal(t, "x.db", cli.Serve.DB)
	assert.Equal(t, time.Hour, cli.Serve.Retention)
	assert.Equal(t, 5*time.Minute, cli.Serve.ExpireInterval)
}

func itoa(i int64) string {
	return strconv.FormatInt(i, 10)
}
