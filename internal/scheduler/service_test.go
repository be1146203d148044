package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostbot/internal/command"
	"ghostbot/internal/command/autoreply"
	"ghostbot/internal/connmgr"
	"ghostbot/internal/job"
	"ghostbot/internal/platform"
	"ghostbot/internal/platform/platformtest"
	"ghostbot/internal/storage"
	"ghostbot/pkg/logx"
)

type started struct {
	processID string
	details   job.Details
}

// recorder backs the test commands and records what they saw.
type recorder struct {
	mu     sync.Mutex
	starts []started
	fail   chan error
}

func (p *recorder) record(jc *command.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts = append(p.starts, started{processID: jc.ProcessID, details: jc.Details.Clone()})
}

func (p *recorder) Starts() []started {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]started(nil), p.starts...)
}

type funcCommand struct {
	command.HandleStopper
	start func(ctx context.Context, jc *command.Context) (*command.Handle, error)
}

func (f funcCommand) Start(ctx context.Context, jc *command.Context) (*command.Handle, error) {
	return f.start(ctx, jc)
}

func register(reg *command.Registry, name string, fn func(ctx context.Context, jc *command.Context) (*command.Handle, error)) {
	reg.Register(name, func() command.Command { return funcCommand{start: fn} })
}

type harness struct {
	st      storage.Store
	conn    *platformtest.Conn
	expired *platformtest.Conn
	mgr   *connmgr.Manager
	svc   *Service
	recorder *recorder
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	_, err = st.UpsertAccount(ctx, job.Account{Session: "tok-1", Active: true})
	require.NoError(t, err)
	_, err = st.UpsertAccount(ctx, job.Account{Session: "tok-2", Active: true})
	require.NoError(t, err)
	_, err = st.UpsertAccount(ctx, job.Account{Session: "tok-expired", Active: true})
	require.NoError(t, err)

	conn := platformtest.New()
	expired := platformtest.New()
	expired.Authorized = false
	dialer := platform.DialerFunc(func(_ context.Context, accountID int64, _ string) (platform.Conn, error) {
		switch accountID {
		case 2:
			return nil, errors.New("network unreachable")
		case 3:
			return expired, nil
		}
		return conn, nil
	})
	mgr := connmgr.New(st, dialer, logx.Nop())

	p := &recorder{fail: make(chan error, 1)}
	reg := command.NewRegistry()
	reg.Register(autoreply.Name, autoreply.New)
	register(reg, "sync", func(ctx context.Context, jc *command.Context) (*command.Handle, error) {
		p.record(jc)
		return nil, jc.MergeDetails(ctx, map[string]any{"ran": true})
	})
	register(reg, "bad_config", func(context.Context, *command.Context) (*command.Handle, error) {
		return nil, command.Configf("bad details")
	})
	register(reg, "panics", func(context.Context, *command.Context) (*command.Handle, error) {
		panic("kaboom")
	})
	register(reg, "self_error", func(ctx context.Context, jc *command.Context) (*command.Handle, error) {
		return nil, jc.UpdateStatus(ctx, job.StatusError, "gave up")
	})
	register(reg, "bg", func(ctx context.Context, jc *command.Context) (*command.Handle, error) {
		p.record(jc)
		h := command.NewHandle(jc.Log)
		h.Go("bg", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		return h, jc.UpdateStatus(ctx, job.StatusInterval, "")
	})
	register(reg, "bg_fail", func(ctx context.Context, jc *command.Context) (*command.Handle, error) {
		h := command.NewHandle(jc.Log)
		h.Go("bg_fail", func(ctx context.Context) error {
			select {
			case err := <-p.fail:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		return h, nil
	})
	register(reg, "bg_done", func(ctx context.Context, jc *command.Context) (*command.Handle, error) {
		h := command.NewHandle(jc.Log)
		h.Go("bg_done", func(context.Context) error { return nil })
		return h, nil
	})

	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	svc := New(cfg, st, reg, mgr, logx.Nop())
	return &harness{st: st, conn: conn, expired: expired, mgr: mgr, svc: svc, recorder: p}
}

func (h *harness) create(t *testing.T, account int64, pid, cmd string, d job.Details) job.Job {
	t.Helper()
	j, err := h.st.CreateJob(context.Background(), storage.NewJob{AccountID: account, ProcessID: pid, Command: cmd, Details: d})
	require.NoError(t, err)
	return j
}

func (h *harness) job(t *testing.T, id int64) job.Job {
	t.Helper()
	j, err := h.st.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (h *harness) eventuallyStatus(t *testing.T, id int64, want job.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		_ = h.svc.Poll(context.Background())
		return h.job(t, id).Status == want
	}, 2*time.Second, 10*time.Millisecond, "job %d never reached %s", id, want)
}

func TestSyncCommandCompletes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	j := h.create(t, 1, "p-sync", "sync", nil)

	require.NoError(t, h.svc.Poll(context.Background()))

	got := h.job(t, j.ID)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, true, got.Details["ran"])
	assert.Zero(t, h.svc.Len())
}

func TestStartFailuresMarkError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	bad := h.create(t, 1, "p-bad", "bad_config", nil)
	unknown := h.create(t, 1, "p-unknown", "teleport", nil)
	boom := h.create(t, 1, "p-panic", "panics", nil)
	ok := h.create(t, 1, "p-ok", "sync", nil)

	require.NoError(t, h.svc.Poll(context.Background()))

	got := h.job(t, bad.ID)
	assert.Equal(t, job.StatusError, got.Status)
	assert.Equal(t, "bad details", got.Details.String("status_note"))

	got = h.job(t, unknown.ID)
	assert.Equal(t, job.StatusError, got.Status)
	assert.Contains(t, got.Details.String("error"), "unknown command")

	got = h.job(t, boom.ID)
	assert.Equal(t, job.StatusError, got.Status)
	assert.Contains(t, got.Details.String("error"), "kaboom")

	assert.Equal(t, job.StatusCompleted, h.job(t, ok.ID).Status, "one failing job does not abort the cycle")
}

func TestCommandTerminalStatusIsKept(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	j := h.create(t, 1, "p-self", "self_error", nil)

	require.NoError(t, h.svc.Poll(context.Background()))
	got := h.job(t, j.ID)
	assert.Equal(t, job.StatusError, got.Status)
	assert.Equal(t, "gave up", got.Details.String("status_note"))
}

func TestConnectionFailureMarksError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	flaky := h.create(t, 2, "p-flaky", "sync", nil)
	missing := h.create(t, 42, "p-missing", "sync", nil)

	require.NoError(t, h.svc.Poll(context.Background()))
	got := h.job(t, flaky.ID)
	assert.Equal(t, job.StatusError, got.Status)
	assert.Contains(t, got.Details.String("error"), "network unreachable")
	assert.Equal(t, job.StatusError, h.job(t, missing.ID).Status)
	assert.Empty(t, h.recorder.Starts())
}

func TestUnauthorizedSessionIsNotRedialed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{})
	j := h.create(t, 3, "p-expired", "sync", nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.svc.Poll(ctx))
	}

	got := h.job(t, j.ID)
	assert.Equal(t, job.StatusError, got.Status)
	assert.Contains(t, got.Details.String("error"), "not authorized")
	assert.Equal(t, int32(1), h.expired.Connects.Load())
	assert.Equal(t, int32(1), h.expired.Disconnects.Load())
	assert.Empty(t, h.recorder.Starts())
}

func TestClosedManagerLeavesJobPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{})
	j := h.create(t, 1, "p-late", "sync", nil)

	h.mgr.CloseAll(ctx)
	require.NoError(t, h.svc.Poll(ctx))
	assert.Equal(t, job.StatusPending, h.job(t, j.ID).Status)
	assert.Empty(t, h.recorder.Starts())
}

func TestConnectRetryable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	assert.True(t, connectRetryable(ctx, connmgr.ErrClosed))
	assert.True(t, connectRetryable(ctx, errors.Wrap(errors.New("database is locked"), "account 1 credential")))
	assert.True(t, connectRetryable(cancelled, errors.Mark(errors.New("dial"), connmgr.ErrConnectFailed)))
	assert.False(t, connectRetryable(ctx, errors.Mark(errors.New("dial"), connmgr.ErrConnectFailed)))
	assert.False(t, connectRetryable(ctx, errors.Wrap(storage.ErrAccountInactive, "account 1")))
}

func TestClaimSkipsJobTakenElsewhere(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{})
	j := h.create(t, 1, "p-taken", "sync", nil)

	// Another instance claims the row after this one fetched it.
	pending, err := h.st.FetchPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, h.st.SetStatus(ctx, j.ID, job.StatusRunning, "claimed elsewhere"))

	h.svc.dispatch(ctx, pending[0])
	assert.Empty(t, h.recorder.Starts())
	got := h.job(t, j.ID)
	assert.Equal(t, job.StatusRunning, got.Status)
	assert.Equal(t, "claimed elsewhere", got.Details.String("status_note"))
}

func TestOperatorStopIsProcessedOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{})
	j := h.create(t, 1, "p-bg", "bg", nil)

	require.NoError(t, h.svc.Poll(ctx))
	require.Equal(t, 1, h.svc.Len())
	assert.Equal(t, job.StatusInterval, h.job(t, j.ID).Status)
	assert.Equal(t, "p-bg", h.svc.Active()[0].ProcessID)

	stopped, err := h.st.RequestStop(ctx, "p-bg")
	require.NoError(t, err)
	require.True(t, stopped)

	require.NoError(t, h.svc.Poll(ctx))
	assert.Zero(t, h.svc.Len())
	got := h.job(t, j.ID)
	assert.Equal(t, job.StatusStopped, got.Status)
	firstStop := got.Details.String("stopped_at")
	assert.NotEmpty(t, firstStop)

	again, err := h.st.RequestStop(ctx, "p-bg")
	require.NoError(t, err)
	assert.False(t, again)
	require.NoError(t, h.svc.Poll(ctx))
	assert.Equal(t, job.StatusStopped, h.job(t, j.ID).Status)
	assert.Len(t, h.recorder.Starts(), 1)
}

func TestBackgroundFailureMarksError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	j := h.create(t, 1, "p-fail", "bg_fail", nil)

	require.NoError(t, h.svc.Poll(context.Background()))
	require.Equal(t, 1, h.svc.Len())

	h.recorder.fail <- errors.New("lost connection")
	h.eventuallyStatus(t, j.ID, job.StatusError)
	assert.Contains(t, h.job(t, j.ID).Details.String("error"), "lost connection")
	assert.Zero(t, h.svc.Len())
}

func TestBackgroundCompletionFinalizes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	j := h.create(t, 1, "p-done", "bg_done", nil)
	h.eventuallyStatus(t, j.ID, job.StatusCompleted)
	assert.Zero(t, h.svc.Len())
}

func TestRecoveryRedispatchesSameJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{DrainOnShutdown: true})
	j := h.create(t, 1, "p-crashed", "bg", job.Details{"targets": []any{float64(5)}})
	require.NoError(t, h.st.SetStatus(ctx, j.ID, job.StatusRunning, ""))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(runCtx) }()

	require.Eventually(t, func() bool { return len(h.recorder.Starts()) == 1 }, 2*time.Second, 5*time.Millisecond)
	s := h.recorder.Starts()[0]
	assert.Equal(t, "p-crashed", s.processID)
	assert.Equal(t, []int64{5}, s.details.Int64s("targets"))

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, h.svc.Shutdown(ctx))
}

func TestShutdownDrainsToPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{DrainOnShutdown: true})
	j := h.create(t, 1, "p-drain", "bg", nil)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(runCtx) }()
	require.Eventually(t, func() bool { return h.svc.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.svc.Shutdown(ctx))
	require.NoError(t, <-done)

	got := h.job(t, j.ID)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Equal(t, "requeued on shutdown", got.Details.String("status_note"))
	assert.NotEmpty(t, got.Details.String("requeued_at"))
	assert.Equal(t, int32(1), h.conn.Disconnects.Load())

	_, err := h.mgr.Get(ctx, 1)
	assert.True(t, errors.Is(err, connmgr.ErrClosed))
}

func TestShutdownWithoutDrainLeavesStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{DrainOnShutdown: false})
	j := h.create(t, 1, "p-nodrain", "bg", nil)

	require.NoError(t, h.svc.Poll(ctx))
	require.NoError(t, h.svc.Shutdown(ctx))
	assert.Equal(t, job.StatusInterval, h.job(t, j.ID).Status)
}

func TestAutoReplyThroughScheduler(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{})
	j := h.create(t, 1, "p-ar", autoreply.Name, job.Details{
		"targets":    []any{float64(100)},
		"keywords":   []any{"hello"},
		"reply_text": "hi",
	})

	require.NoError(t, h.svc.Poll(ctx))
	assert.Equal(t, job.StatusRunning, h.job(t, j.ID).Status)

	h.conn.Emit(ctx, platform.Message{ID: 3, ChatID: 100, SenderID: 42, Text: "well hello there"})
	require.Len(t, h.conn.Sent(), 1)
	n, _ := h.job(t, j.ID).Details.Int64("replied_count")
	assert.Equal(t, int64(1), n)

	_, err := h.st.RequestStop(ctx, "p-ar")
	require.NoError(t, err)
	require.NoError(t, h.svc.Poll(ctx))
	assert.Zero(t, h.conn.Subscriptions())
}

func TestApplyChangesPollInterval(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{PollInterval: time.Second})
	h.svc.Apply(Config{PollInterval: 50 * time.Millisecond})
	assert.Equal(t, 50*time.Millisecond, h.svc.config().PollInterval)
	h.svc.Apply(Config{})
	assert.Equal(t, DefaultPollInterval, h.svc.config().PollInterval)
}
