package app

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"ghostbot/internal/command"
	"ghostbot/internal/command/commands"
	"ghostbot/internal/config"
	"ghostbot/internal/connmgr"
	"ghostbot/internal/metrics"
	"ghostbot/internal/observability/ops"
	"ghostbot/internal/platform"
	"ghostbot/internal/platform/telegram"
	"ghostbot/internal/runtime/pidlock"
	rtsup "ghostbot/internal/runtime/supervisor"
	"ghostbot/internal/scheduler"
	"ghostbot/internal/sink/sheets"
	"ghostbot/internal/storage"
	"ghostbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	lock *pidlock.Lock

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	conns   *connmgr.Manager
	reg     *command.Registry
	sched   *scheduler.Service
	ops     *ops.Service
	metrics *metrics.Metrics
	prom    *prometheus.Registry

	startedAt time.Time
}

// Option overrides a collaborator, mainly for tests.
type Option func(*options)

type options struct {
	dialer platform.Dialer
}

// WithDialer replaces the Telegram dialer.
func WithDialer(d platform.Dialer) Option { return func(o *options) { o.dialer = d } }

// NewApp loads the config at cfgPath, takes the instance lock and wires
// every component. Nothing runs until Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath, logx.NewConsole("info"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLoggingConfig(cfg))
	cfgm.SetLogger(log)

	lock, err := pidlock.Acquire(cfg.Storage.LockFile)
	if err != nil {
		_ = logs.Close()
		return nil, errors.Wrap(err, "single instance")
	}

	store, err := openStore(cfg, log)
	if err != nil {
		_ = lock.Release()
		_ = logs.Close()
		return nil, err
	}

	a := &App{
		cfgm:  cfgm,
		lock:  lock,
		log:   log.With(logx.String("comp", "app")),
		logs:  logs,
		store: store,
		prom:  prometheus.NewRegistry(),
	}
	if err := a.wire(cfg, o); err != nil {
		_ = store.Close()
		_ = lock.Release()
		_ = logs.Close()
		return nil, err
	}
	a.log.Debug("instance lock held", logx.String("path", lock.Path()))
	return a, nil
}

func openStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, errors.Wrap(err, "open storage")
	}
	return st, nil
}

// OpenStore loads the config and opens only the store, for CLI commands
// that edit jobs and accounts without running the scheduler.
func OpenStore(cfgPath string) (storage.Store, error) {
	cfg, err := config.NewConfigManager(cfgPath, logx.Nop()).Parse()
	if err != nil {
		return nil, err
	}
	return openStore(cfg, logx.NewConsole(cfg.Logging.Level))
}

func (a *App) wire(cfg *config.Config, o options) error {
	a.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.prom)

	dialer := o.dialer
	if dialer == nil {
		pc, err := mapPlatformConfig(cfg)
		if err != nil {
			return err
		}
		dialer = telegram.NewDialer(pc, a.log.With(logx.String("comp", "telegram")))
	}
	a.conns = connmgr.New(a.store, dialer, a.log, connmgr.WithObserver(a.metrics))

	a.reg = commands.Default(commands.Deps{
		Groups:           a.store,
		Sheets:           sheets.NewOpener(mapSheetsConfig(cfg)),
		WatcherLogDir:    cfg.Watcher.LogDir,
		SyncLogDir:       cfg.Sync.LogDir,
		BroadcastLimiter: broadcastLimiter(cfg),
	})

	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(sc, a.store, a.reg, a.conns, a.log, scheduler.WithMetrics(a.metrics))

	oc, err := mapOpsConfig(cfg)
	if err != nil {
		return err
	}
	a.ops = ops.New(oc, a.prom, a.health, a.log)
	return nil
}

func (a *App) Logger() logx.Logger { return a.log }
func (a *App) Store() storage.Store { return a.store }
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// OpsAddr is the bound ops address while serving, or "".
func (a *App) OpsAddr() string { return a.ops.Addr() }

// Done is closed when the run context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.startedAt = time.Now()

	a.sup.GoRestart("scheduler", a.sched.Run,
		rtsup.WithRestartBackoff(500*time.Millisecond, 30*time.Second),
		rtsup.WithPublishFirstError(true),
	)
	a.ops.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started", logx.Strings("commands", a.reg.Names()))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		dl, hasDL := ctx.Deadline()
		max = stepBudget(max, dl, hasDL)

		stepCtx, cancel := ctx, context.CancelFunc(func() {})
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
		}
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v\n%s", name, r, debug.Stack())
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	// The scheduler drains first: it needs the store, and its loop must
	// notice the shutdown before the run context is canceled.
	shutdownBudget := scheduler.DefaultShutdownTimeout
	if sc, err := mapSchedulerConfig(a.cfgm.Get()); err == nil && sc.ShutdownTimeout > 0 {
		shutdownBudget = sc.ShutdownTimeout
	}
	step("scheduler", shutdownBudget+time.Second, a.sched.Shutdown)

	a.sup.Cancel()

	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	if err := a.lock.Release(); err != nil {
		a.log.Warn("release instance lock failed", logx.Err(err))
	}

	if err := a.sup.Err(); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("stopped after error", logx.Err(err))
	} else {
		a.log.Info("stopped", logx.Duration("uptime", time.Since(a.startedAt)))
	}
	_ = a.logs.Close()
	return nil
}

// Close releases what NewApp opened when Start was never called.
func (a *App) Close() error {
	err := errors.CombineErrors(a.store.Close(), a.lock.Release())
	_ = a.logs.Close()
	return err
}

type healthReport struct {
	Status     string                `json:"status"`
	Uptime     string                `json:"uptime"`
	ActiveJobs []scheduler.ActiveJob `json:"active_jobs"`
	Conns      int                   `json:"connections"`
	Supervisor rtsup.Snapshot        `json:"supervisor"`
	Error      string                `json:"error,omitempty"`
}

func (a *App) health(ctx context.Context) (any, error) {
	rep := healthReport{
		Status:     "ok",
		Uptime:     time.Since(a.startedAt).Truncate(time.Second).String(),
		ActiveJobs: a.sched.Active(),
		Conns:      a.conns.Len(),
	}
	if a.sup != nil {
		rep.Supervisor = a.sup.Snapshot()
	}
	if _, err := a.store.ListJobs(ctx, storage.JobFilter{Limit: 1}); err != nil {
		rep.Status = "degraded"
		rep.Error = strings.TrimSpace(err.Error())
		return rep, err
	}
	return rep, nil
}
