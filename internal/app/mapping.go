package app

import (
	"time"

	"golang.org/x/time/rate"

	"ghostbot/internal/config"
	"ghostbot/internal/observability/ops"
	"ghostbot/internal/platform/telegram"
	"ghostbot/internal/scheduler"
	"ghostbot/internal/sink/sheets"
	"ghostbot/internal/storage"
	"ghostbot/pkg/logx"
)

// The config is validated before it reaches these helpers, so duration
// parse errors are still returned but only matter for hand-built configs.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapPlatformConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationField("platform.poll_timeout", cfg.Platform.PollTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		PollTimeout:      poll,
		APIURL:           cfg.Platform.APIURL,
		SubscriberBuffer: cfg.Platform.SubscriberBuffer,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	poll, err := config.ParseDurationOrDefault("scheduler.poll_interval", sc.PollInterval, scheduler.DefaultPollInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	shutdown, err := config.ParseDurationField("scheduler.shutdown_timeout", sc.ShutdownTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	stop, err := config.ParseDurationField("scheduler.stop_timeout", sc.StopTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		PollInterval:    poll,
		DrainOnShutdown: cfg.DrainOnShutdown(),
		ShutdownTimeout: shutdown,
		StopTimeout:     stop,
	}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	out := ops.Config{
		Enabled:       oc.Enabled,
		Addr:          oc.Addr,
		Token:         oc.Token,
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("ops.read_timeout", oc.ReadTimeout); err != nil {
		return ops.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("ops.write_timeout", oc.WriteTimeout); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("ops.idle_timeout", oc.IdleTimeout); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}

func mapSheetsConfig(cfg *config.Config) sheets.Config {
	return sheets.Config{CredentialFile: cfg.Sheets.CredentialFile}
}

// broadcastLimiter returns nil (unpaced) when rate_per_sec is 0.
func broadcastLimiter(cfg *config.Config) *rate.Limiter {
	r := cfg.Broadcast.RatePerSec
	if r <= 0 {
		return nil
	}
	burst := cfg.Broadcast.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(r), burst)
}

// stepBudget caps one shutdown step by what is left of the caller's deadline.
func stepBudget(max time.Duration, deadline time.Time, ok bool) time.Duration {
	if !ok || max <= 0 {
		return max
	}
	rem := time.Until(deadline)
	if rem <= 0 {
		return 0
	}
	if rem < max {
		return rem
	}
	return max
}
