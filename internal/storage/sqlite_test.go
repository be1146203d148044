package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostbot/internal/job"
	"ghostbot/pkg/logx"
)

func openTest(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCreateAndFetchPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	created, err := st.CreateJob(ctx, NewJob{
		AccountID: 1, ProcessID: "p-1", Command: "auto_reply",
		Details: job.Details{"keywords": []any{"hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, created.Status)
	assert.False(t, created.StartTime.IsZero())

	_, err = st.CreateJob(ctx, NewJob{AccountID: 1, ProcessID: "p-1", Command: "auto_reply"})
	assert.True(t, errors.Is(err, ErrDuplicateProcess))

	pending, err := st.FetchPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "p-1", pending[0].ProcessID)
	assert.Equal(t, []string{"hello"}, pending[0].Details.Strings("keywords"))
}

func TestMergeDetailsKeepsOtherKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	j, err := st.CreateJob(ctx, NewJob{AccountID: 1, ProcessID: "p", Command: "watcher", Details: job.Details{"a": "x"}})
	require.NoError(t, err)

	require.NoError(t, st.MergeDetails(ctx, j.ID, map[string]any{"b": 2}))
	require.NoError(t, st.MergeDetails(ctx, j.ID, map[string]any{"b": 3, "c": true}))

	got, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "x", got.Details["a"])
	assert.Equal(t, float64(3), got.Details["b"])
	assert.Equal(t, true, got.Details["c"])

	assert.True(t, errors.Is(st.MergeDetails(ctx, 999, map[string]any{"x": 1}), ErrNotFound))
}

func TestConcurrentMergesDoNotLoseUpdates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	j, err := st.CreateJob(ctx, NewJob{AccountID: 1, ProcessID: "p", Command: "watcher"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, st.MergeDetails(ctx, j.ID, map[string]any{fmt.Sprintf("k%d", i): i}))
		}(i)
	}
	wg.Wait()

	got, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Len(t, got.Details, 20)
}

func TestSetStatusRecordsNote(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	j, err := st.CreateJob(ctx, NewJob{AccountID: 1, ProcessID: "p", Command: "broadcast"})
	require.NoError(t, err)

	require.NoError(t, st.SetStatus(ctx, j.ID, job.StatusScheduled, "waiting 5 minutes"))
	status, err := st.GetStatus(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusScheduled, status)

	got, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "waiting 5 minutes", got.Details.String("status_note"))

	require.Error(t, st.SetStatus(ctx, j.ID, "bogus", ""))

	require.NoError(t, st.MarkError(ctx, j.ID, "boom"))
	got, err = st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusError, got.Status)
	assert.Equal(t, "boom", got.Details.String("error"))
}

func TestTransitionStatusLosesToStop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	j, err := st.CreateJob(ctx, NewJob{AccountID: 1, ProcessID: "p", Command: "x"})
	require.NoError(t, err)

	ok, err := st.TransitionStatus(ctx, j.ID, []job.Status{job.StatusPending}, job.StatusRunning, "")
	require.NoError(t, err)
	require.True(t, ok)

	// A second claim of the same row finds it already running.
	ok, err = st.TransitionStatus(ctx, j.ID, []job.Status{job.StatusPending}, job.StatusRunning, "")
	require.NoError(t, err)
	assert.False(t, ok)

	stopped, err := st.RequestStop(ctx, "p")
	require.NoError(t, err)
	require.True(t, stopped)

	ok, err = st.TransitionStatus(ctx, j.ID, []job.Status{job.StatusPending, job.StatusRunning}, job.StatusCompleted, "done")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, st.MarkError(ctx, j.ID, "late failure"))

	got, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusStopped, got.Status)
	assert.NotEqual(t, "done", got.Details.String("status_note"))
	assert.Empty(t, got.Details.String("error"))

	_, err = st.TransitionStatus(ctx, j.ID, nil, job.StatusPending, "")
	require.Error(t, err)
	_, err = st.TransitionStatus(ctx, 9999, []job.Status{job.StatusPending}, job.StatusRunning, "")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestClaimAcrossHandlesHasOneWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")
	a, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	j, err := a.CreateJob(ctx, NewJob{AccountID: 1, ProcessID: "shared", Command: "x"})
	require.NoError(t, err)

	// b read the row as pending before a claimed it.
	pending, err := b.FetchPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	ok, err := a.TransitionStatus(ctx, j.ID, []job.Status{job.StatusPending}, job.StatusRunning, "")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TransitionStatus(ctx, pending[0].ID, []job.Status{job.StatusPending}, job.StatusRunning, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecoverInflight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	statuses := []job.Status{job.StatusRunning, job.StatusScheduled, job.StatusInterval, job.StatusCompleted, job.StatusPending}
	for i, s := range statuses {
		j, err := st.CreateJob(ctx, NewJob{AccountID: 1, ProcessID: fmt.Sprintf("p%d", i), Command: "x"})
		require.NoError(t, err)
		require.NoError(t, st.SetStatus(ctx, j.ID, s, ""))
	}

	n, err := st.RecoverInflight(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	pending, err := st.FetchPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 4)
}

func TestRequestStopOnlyFromStoppable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	running, err := st.CreateJob(ctx, NewJob{AccountID: 1, ProcessID: "run", Command: "x"})
	require.NoError(t, err)
	require.NoError(t, st.SetStatus(ctx, running.ID, job.StatusRunning, ""))
	done, err := st.CreateJob(ctx, NewJob{AccountID: 1, ProcessID: "done", Command: "x"})
	require.NoError(t, err)
	require.NoError(t, st.SetStatus(ctx, done.ID, job.StatusCompleted, ""))

	changed, err := st.RequestStop(ctx, "run")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = st.RequestStop(ctx, "run")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = st.RequestStop(ctx, "done")
	require.NoError(t, err)
	assert.False(t, changed)
	status, err := st.GetStatus(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, status)

	stopped, err := st.FetchStopped(ctx)
	require.NoError(t, err)
	require.Len(t, stopped, 1)
	assert.Equal(t, "run", stopped[0].ProcessID)
}

func TestAccountCredential(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	id, err := st.UpsertAccount(ctx, job.Account{Session: "token-a", Active: true})
	require.NoError(t, err)
	cred, err := st.FetchAccountCredential(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "token-a", cred)

	_, err = st.UpsertAccount(ctx, job.Account{ID: id, Session: "token-a", Active: false})
	require.NoError(t, err)
	_, err = st.FetchAccountCredential(ctx, id)
	assert.True(t, errors.Is(err, ErrAccountInactive))

	_, err = st.FetchAccountCredential(ctx, 42)
	assert.True(t, errors.Is(err, ErrAccountNotFound))

	require.NoError(t, st.UpdateAccountProfile(ctx, id, 777, "ghost"))
	a, err := st.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(777), a.TelegramID)
	assert.Equal(t, "ghost", a.Username)
}

func TestReplaceGroups(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	require.NoError(t, st.ReplaceGroups(ctx, 1, []job.Group{
		{ChatID: -100, Title: "B", Kind: "group"},
		{ChatID: -200, Title: "A", Kind: "channel"},
	}))
	require.NoError(t, st.ReplaceGroups(ctx, 1, []job.Group{{ChatID: -300, Title: "C", Kind: "supergroup"}}))

	groups, err := st.ListGroups(ctx, 1)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, int64(-300), groups[0].ChatID)
	assert.Equal(t, int64(1), groups[0].AccountID)
}

func TestListJobsFilter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	for i := 0; i < 3; i++ {
		_, err := st.CreateJob(ctx, NewJob{AccountID: int64(i%2 + 1), ProcessID: fmt.Sprintf("p%d", i), Command: "x"})
		require.NoError(t, err)
	}
	jobs, err := st.ListJobs(ctx, JobFilter{AccountID: 1})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = st.ListJobs(ctx, JobFilter{Statuses: []job.Status{job.StatusPending}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "p2", jobs[0].ProcessID)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	assert.True(t, errors.Is(err, ErrUnsupportedDriver))
}
