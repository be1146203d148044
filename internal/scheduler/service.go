package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"ghostbot/internal/clock"
	"ghostbot/internal/command"
	"ghostbot/internal/connmgr"
	"ghostbot/internal/job"
	"ghostbot/internal/storage"
	"ghostbot/pkg/logx"
)

type Service struct {
	store storage.JobStore
	reg   *command.Registry
	conns Connections
	clk   clock.Clock
	met   Metrics
	log   logx.Logger
	noisy logx.Logger

	cfgMu sync.Mutex
	cfg   Config

	// cycle serializes loop iterations with Shutdown.
	cycle chan struct{}

	mu     sync.Mutex
	active map[int64]*active
	procs  map[string]int64

	done      chan completion
	quit      chan struct{}
	quitOnce  sync.Once
	recovered bool
}

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clk = c } }

func WithMetrics(m Metrics) Option { return func(s *Service) { s.met = m } }

func New(cfg Config, store storage.JobStore, reg *command.Registry, conns Connections, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "scheduler"))
	s := &Service{
		store:  store,
		reg:    reg,
		conns:  conns,
		clk:    clock.Real{},
		met:    nopMetrics{},
		log:    log,
		noisy:  log.Sampled(rate.NewLimiter(rate.Every(10*time.Second), 3)),
		cfg:    cfg.withDefaults(),
		cycle:  make(chan struct{}, 1),
		active: map[int64]*active{},
		procs:  map[string]int64{},
		done:   make(chan completion, 64),
		quit:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps the config. The new poll interval takes effect on the next wait.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfgMu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.cfgMu.Unlock()
	if old.PollInterval != cfg.PollInterval {
		s.log.Info("poll interval changed", logx.Duration("from", old.PollInterval), logx.Duration("to", cfg.PollInterval))
	}
}

func (s *Service) config() Config {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg
}

// Run recovers in-flight jobs once, then polls until ctx ends. It is safe to
// call again after a panic restart; recovery does not repeat.
func (s *Service) Run(ctx context.Context) error {
	if err := s.recoverOnce(ctx); err != nil {
		return err
	}
	s.log.Info("scheduler started", logx.Duration("poll_interval", s.config().PollInterval))
	for {
		if err := s.Poll(ctx); err != nil && ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.quit:
			return nil
		case c := <-s.done:
			if s.acquire(ctx) == nil {
				s.finish(ctx, c)
				s.release()
			}
		case <-s.clk.After(s.config().PollInterval):
		}
	}
}

func (s *Service) recoverOnce(ctx context.Context) error {
	if s.recovered {
		return nil
	}
	n, err := s.store.RecoverInflight(ctx)
	if err != nil {
		return errors.Wrap(err, "recover in-flight jobs")
	}
	s.recovered = true
	s.log.Info("in-flight jobs reset to pending", logx.Int64("count", n))
	return nil
}

var errShutdown = errors.New("scheduler: shutting down")

// acquire takes the cycle slot for the loop. It gives up once Shutdown began.
func (s *Service) acquire(ctx context.Context) error {
	select {
	case <-s.quit:
		return errShutdown
	default:
	}
	select {
	case s.cycle <- struct{}{}:
		return nil
	case <-s.quit:
		return errShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) release() { <-s.cycle }

// Poll runs one cycle: dispatch pending jobs, stop jobs marked stopped and
// finalize finished handles. Store failures are logged and retried next cycle.
func (s *Service) Poll(ctx context.Context) error {
	if err := s.acquire(ctx); errors.Is(err, errShutdown) {
		return nil
	} else if err != nil {
		return err
	}
	defer s.release()

	start := time.Now()
	defer func() {
		s.met.PollDuration(time.Since(start))
		s.met.ActiveJobs(s.Len())
	}()

	pending, err := s.store.FetchPending(ctx)
	if err != nil {
		s.met.PollError("fetch_pending")
		s.noisy.Warn("fetch pending failed", logx.Err(err))
	}
	for _, j := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.tracked(j) {
			continue
		}
		s.dispatch(ctx, j)
	}

	stopped, err := s.store.FetchStopped(ctx)
	if err != nil {
		s.met.PollError("fetch_stopped")
		s.noisy.Warn("fetch stopped failed", logx.Err(err))
	}
	for _, j := range stopped {
		if a := s.get(j.ID); a != nil {
			s.stop(ctx, a)
		}
	}

	for {
		select {
		case c := <-s.done:
			s.finish(ctx, c)
		default:
			return nil
		}
	}
}

func (s *Service) tracked(j job.Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[j.ID]; ok {
		return true
	}
	_, ok := s.procs[j.ProcessID]
	return ok
}

func (s *Service) get(jobID int64) *active {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[jobID]
}

func (s *Service) track(a *active) {
	s.mu.Lock()
	s.active[a.job.ID] = a
	s.procs[a.job.ProcessID] = a.job.ID
	s.mu.Unlock()
}

func (s *Service) untrack(jobID int64, h *command.Handle) *active {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.active[jobID]
	if !ok || (h != nil && a.h != h) {
		return nil
	}
	delete(s.active, jobID)
	delete(s.procs, a.job.ProcessID)
	return a
}

// Len returns the number of tracked jobs.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Active returns the tracked jobs ordered by job id.
func (s *Service) Active() []ActiveJob {
	s.mu.Lock()
	out := make([]ActiveJob, 0, len(s.active))
	for _, a := range s.active {
		out = append(out, ActiveJob{
			JobID:     a.job.ID,
			ProcessID: a.job.ProcessID,
			AccountID: a.job.AccountID,
			Command:   a.job.Command,
			Since:     a.since,
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

func (s *Service) dispatch(ctx context.Context, j job.Job) {
	log := s.log.With(logx.Job(j.ID, j.ProcessID, j.AccountID, j.Command)...)

	cmd, err := s.reg.Resolve(j.Command)
	if err != nil {
		s.met.JobDispatched(j.Command, OutcomeUnknownCommand)
		s.markError(ctx, log, j, err)
		return
	}

	conn, err := s.conns.Get(ctx, j.AccountID)
	if err != nil {
		if connectRetryable(ctx, err) {
			s.met.JobDispatched(j.Command, OutcomeDeferred)
			s.noisy.Warn("connection unavailable, job stays pending", logx.Int64("job_id", j.ID), logx.Err(err))
			return
		}
		s.met.JobDispatched(j.Command, OutcomeStartError)
		s.markError(ctx, log, j, err)
		return
	}

	jc := &command.Context{
		AccountID: j.AccountID,
		ProcessID: j.ProcessID,
		JobID:     j.ID,
		Command:   j.Command,
		Details:   j.Details.Clone(),
		Conn:      conn,
		Log:       log,
		Reporter:  &jobContext{store: s.store, jobID: j.ID, log: log},
		Clock:     s.clk,
	}

	claimed, err := s.store.TransitionStatus(ctx, j.ID, []job.Status{job.StatusPending}, job.StatusRunning, "")
	if err != nil {
		s.met.PollError("set_running")
		s.noisy.Warn("claim failed, job stays pending", logx.Int64("job_id", j.ID), logx.Err(err))
		return
	}
	if !claimed {
		s.met.JobDispatched(j.Command, OutcomeSkipped)
		log.Debug("job no longer pending, skipped")
		return
	}

	h, err := s.start(ctx, cmd, jc)
	if err != nil {
		s.met.JobDispatched(j.Command, OutcomeStartError)
		s.met.JobFinished(j.Command, OutcomeError)
		s.markError(ctx, log, j, err)
		return
	}
	if h == nil {
		s.met.JobDispatched(j.Command, OutcomeCompletedSync)
		s.met.JobFinished(j.Command, s.complete(ctx, log, j.ID))
		return
	}

	s.met.JobDispatched(j.Command, OutcomeStarted)
	s.track(&active{job: j, cmd: cmd, jc: jc, h: h, since: s.clk.Now()})
	go s.observe(j.ID, h)
	log.Info("job started")
}

// start calls cmd.Start, turning a panic into an error.
func (s *Service) start(ctx context.Context, cmd command.Command, jc *command.Context) (h *command.Handle, err error) {
	defer func() {
		if r := recover(); r != nil {
			jc.Log.Error("panic in command start", logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 32)))
			h, err = nil, errors.Newf("%s start panicked: %v", jc.Command, r)
		}
	}()
	return cmd.Start(ctx, jc)
}

func (s *Service) observe(jobID int64, h *command.Handle) {
	select {
	case <-h.Done():
	case <-s.quit:
		return
	}
	select {
	case s.done <- completion{jobID: jobID, h: h}:
	case <-s.quit:
	}
}

// finish handles a completion report from an observer.
func (s *Service) finish(ctx context.Context, c completion) {
	a := s.untrack(c.jobID, c.h)
	if a == nil || a.h.Stopped() {
		return
	}
	log := a.jc.Log
	cause := a.h.Err()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config().StopTimeout)
	if err := a.cmd.Stop(stopCtx, a.h, a.jc); err != nil {
		log.Warn("cleanup after completion failed", logx.Err(err))
	}
	cancel()

	if cause != nil && !errors.Is(cause, context.Canceled) {
		s.met.JobFinished(a.job.Command, OutcomeError)
		s.markError(ctx, log, a.job, cause)
		return
	}
	if cause != nil {
		log.Info("job background work cancelled")
	}
	s.met.JobFinished(a.job.Command, s.complete(ctx, log, a.job.ID))
}

// complete sets completed unless the job already reached a terminal status.
func (s *Service) complete(ctx context.Context, log logx.Logger, jobID int64) string {
	ok, err := s.store.TransitionStatus(ctx, jobID, job.LiveStatuses(), job.StatusCompleted, "")
	if err != nil {
		log.Error("set completed failed", logx.Err(err))
		return OutcomeCompleted
	}
	if !ok {
		st, err := s.store.GetStatus(ctx, jobID)
		if err != nil {
			log.Warn("read status failed", logx.Err(err))
			return OutcomeCompleted
		}
		return string(st)
	}
	log.Info("job completed")
	return OutcomeCompleted
}

// connectRetryable reports whether a failed connection lookup should leave
// the job pending: the poll was cancelled, the manager is closing, or the
// credential store could not be read. Missing or inactive accounts and
// failed dials, connects and authorizations are final.
func connectRetryable(ctx context.Context, err error) bool {
	switch {
	case ctx.Err() != nil, errors.Is(err, context.Canceled), errors.Is(err, connmgr.ErrClosed):
		return true
	case errors.Is(err, storage.ErrAccountNotFound), errors.Is(err, storage.ErrAccountInactive):
		return false
	case errors.Is(err, connmgr.ErrConnectFailed):
		return false
	default:
		return true
	}
}

func (s *Service) markError(ctx context.Context, log logx.Logger, j job.Job, cause error) {
	note := command.Note(cause)
	log.Error("job failed", logx.String("note", note))
	if err := s.store.MarkError(ctx, j.ID, note); err != nil {
		log.Error("mark error failed", logx.Err(err))
	}
}

// stop handles an operator stop for a tracked job.
func (s *Service) stop(ctx context.Context, a *active) {
	if s.untrack(a.job.ID, a.h) == nil {
		return
	}
	log := a.jc.Log
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config().StopTimeout)
	defer cancel()
	if err := a.cmd.Stop(stopCtx, a.h, a.jc); err != nil {
		log.Warn("stop returned error", logx.Err(err))
	}
	if err := s.store.MergeDetails(ctx, a.job.ID, map[string]any{"stopped_at": s.clk.Now().UTC().Format(time.RFC3339)}); err != nil {
		log.Warn("record stop failed", logx.Err(err))
	}
	s.met.JobFinished(a.job.Command, OutcomeStopped)
	log.Info("job stopped")
}

// Shutdown ends polling, stops every active job and closes all connections.
// With DrainOnShutdown the stopped jobs go back to pending with a note.
func (s *Service) Shutdown(ctx context.Context) error {
	cfg := s.config()
	ctx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()

	s.quitOnce.Do(func() { close(s.quit) })
	select {
	case s.cycle <- struct{}{}:
	case <-ctx.Done():
		s.conns.CloseAll(ctx)
		return errors.Wrap(ctx.Err(), "waiting for poll cycle")
	}
	defer s.release()

	s.mu.Lock()
	jobs := make([]*active, 0, len(s.active))
	for _, a := range s.active {
		jobs = append(jobs, a)
	}
	s.active = map[int64]*active{}
	s.procs = map[string]int64{}
	s.mu.Unlock()

	s.log.Info("shutting down", logx.Int("active", len(jobs)), logx.Bool("drain", cfg.DrainOnShutdown))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, a := range jobs {
		g.Go(func() error {
			return s.drain(gctx, a, cfg)
		})
	}
	err := g.Wait()

	s.conns.CloseAll(ctx)
	s.met.ActiveJobs(0)
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Service) drain(ctx context.Context, a *active, cfg Config) error {
	log := a.jc.Log
	stopCtx, cancel := context.WithTimeout(ctx, cfg.StopTimeout)
	defer cancel()
	if err := a.cmd.Stop(stopCtx, a.h, a.jc); err != nil {
		log.Warn("stop on shutdown returned error", logx.Err(err))
	}
	if !cfg.DrainOnShutdown {
		return nil
	}

	requeued, err := s.store.TransitionStatus(ctx, a.job.ID, job.InflightStatuses(), job.StatusPending, "requeued on shutdown")
	if err != nil {
		return errors.Wrapf(err, "requeue job %d", a.job.ID)
	}
	if !requeued {
		return nil
	}
	if err := s.store.MergeDetails(ctx, a.job.ID, map[string]any{
		"requeued_at": s.clk.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		log.Warn("record requeue failed", logx.Err(err))
	}
	s.met.JobFinished(a.job.Command, OutcomeRequeued)
	log.Info("job requeued")
	return nil
}
