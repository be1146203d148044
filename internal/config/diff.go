package config

import (
	"reflect"
	"strings"

	"ghostbot/pkg/logx"
)

// Changes lists the sections that differ between two configs, plus log
// fields describing the new values. Secrets are reported only as set/unset.
func Changes(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)
	section := func(name string, a, b any, f ...logx.Field) {
		if reflect.DeepEqual(a, b) {
			return
		}
		changed = append(changed, name)
		fields = append(fields, f...)
	}

	section("logging", oldCfg.Logging, newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled))
	section("storage", oldCfg.Storage, newCfg.Storage,
		logx.String("storage.path", newCfg.Storage.Path),
		logx.String("storage.lock_file", newCfg.Storage.LockFile))
	section("platform", oldCfg.Platform, newCfg.Platform,
		logx.String("platform.poll_timeout", newCfg.Platform.PollTimeout))
	section("scheduler", oldCfg.Scheduler, newCfg.Scheduler,
		logx.String("scheduler.poll_interval", newCfg.Scheduler.PollInterval),
		logx.Bool("scheduler.drain_on_shutdown", newCfg.DrainOnShutdown()))
	section("broadcast", oldCfg.Broadcast, newCfg.Broadcast,
		logx.Float64("broadcast.rate_per_sec", newCfg.Broadcast.RatePerSec))
	section("watcher", oldCfg.Watcher, newCfg.Watcher,
		logx.String("watcher.log_dir", newCfg.Watcher.LogDir))
	section("sheets", oldCfg.Sheets, newCfg.Sheets,
		logx.Bool("sheets.credential_file_set", strings.TrimSpace(newCfg.Sheets.CredentialFile) != ""))
	section("sync", oldCfg.Sync, newCfg.Sync,
		logx.String("sync.log_dir", newCfg.Sync.LogDir))
	section("ops", oldCfg.Ops, newCfg.Ops,
		logx.Bool("ops.enabled", newCfg.Ops.Enabled),
		logx.String("ops.addr", newCfg.Ops.Addr),
		logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""))
	return changed, fields
}

// RestartRequired lists changed sections that only take effect on restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "platform", "broadcast", "watcher", "sheets", "sync":
			out = append(out, s)
		}
	}
	return out
}
