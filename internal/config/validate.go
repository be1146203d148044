package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"ghostbot/pkg/logx"
)

const (
	DefaultStoragePath   = "data/ghostbot.db"
	DefaultWatcherLogDir = "logs/watcher"
	DefaultSyncLogDir    = "logs/admin"
	DefaultPollInterval  = "2s"
)

// ParseDurationField parses a non-negative duration. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, errors.Newf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ApplyDefaults fills omitted values in place.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = "sqlite"
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = DefaultStoragePath
	}
	if strings.TrimSpace(c.Storage.LockFile) == "" {
		c.Storage.LockFile = c.Storage.Path + ".lock"
	}
	if strings.TrimSpace(c.Scheduler.PollInterval) == "" {
		c.Scheduler.PollInterval = DefaultPollInterval
	}
	if c.Scheduler.DrainOnShutdown == nil {
		on := true
		c.Scheduler.DrainOnShutdown = &on
	}
	if strings.TrimSpace(c.Watcher.LogDir) == "" {
		c.Watcher.LogDir = DefaultWatcherLogDir
	}
	if strings.TrimSpace(c.Sync.LogDir) == "" {
		c.Sync.LogDir = DefaultSyncLogDir
	}
	if c.Broadcast.RatePerSec > 0 && c.Broadcast.Burst <= 0 {
		c.Broadcast.Burst = 1
	}
}

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var errs error
	add := func(err error) {
		if err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}

	if !logx.ValidLevel(c.Logging.Level) {
		add(errors.Newf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
	default:
		add(errors.Newf("storage.driver: unsupported driver %q", c.Storage.Driver))
	}

	for path, raw := range map[string]string{
		"storage.busy_timeout":       c.Storage.BusyTimeout,
		"platform.poll_timeout":      c.Platform.PollTimeout,
		"scheduler.poll_interval":    c.Scheduler.PollInterval,
		"scheduler.shutdown_timeout": c.Scheduler.ShutdownTimeout,
		"scheduler.stop_timeout":     c.Scheduler.StopTimeout,
		"ops.read_timeout":           c.Ops.ReadTimeout,
		"ops.write_timeout":          c.Ops.WriteTimeout,
		"ops.idle_timeout":           c.Ops.IdleTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if c.Platform.SubscriberBuffer < 0 {
		add(errors.New("platform.subscriber_buffer: must be >= 0"))
	}
	if c.Broadcast.RatePerSec < 0 {
		add(errors.New("broadcast.rate_per_sec: must be >= 0"))
	}
	return errs
}

// DrainOnShutdown returns the effective scheduler drain flag.
func (c *Config) DrainOnShutdown() bool {
	return c.Scheduler.DrainOnShutdown == nil || *c.Scheduler.DrainOnShutdown
}
