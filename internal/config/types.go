package config

// Config is the whole file. Durations are Go duration strings
// ("500ms", "2s", "1m") and are checked by Validate.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Platform  PlatformConfig  `json:"platform"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Watcher   WatcherConfig   `json:"watcher"`
	Sheets    SheetsConfig    `json:"sheets"`
	Sync      SyncConfig      `json:"sync"`
	Ops       OpsConfig       `json:"ops"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig selects the job store.
//
//	"storage": { "driver": "sqlite", "path": "./data/ghostbot.db" }
//
// LockFile keeps a second runner off the same store; it defaults to Path
// with a ".lock" suffix.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	LockFile    string `json:"lock_file,omitempty"`
}

// PlatformConfig tunes the chat platform client.
type PlatformConfig struct {
	PollTimeout      string `json:"poll_timeout,omitempty"`
	APIURL           string `json:"api_url,omitempty"`
	SubscriberBuffer int    `json:"subscriber_buffer,omitempty"`
}

// SchedulerConfig controls the poll loop.
//
// DrainOnShutdown is a pointer so an omitted key keeps the default (true).
type SchedulerConfig struct {
	PollInterval    string `json:"poll_interval,omitempty"`
	DrainOnShutdown *bool  `json:"drain_on_shutdown,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	StopTimeout     string `json:"stop_timeout,omitempty"`
}

// BroadcastConfig paces deliveries across every broadcast job.
// RatePerSec 0 disables pacing.
type BroadcastConfig struct {
	RatePerSec float64 `json:"rate_per_sec"`
	Burst      int     `json:"burst,omitempty"`
}

type WatcherConfig struct {
	LogDir string `json:"log_dir"`
}

// SheetsConfig locates the Google service account key. The
// GOOGLE_SHEETS_CREDENTIAL_FILE environment variable wins over this value.
type SheetsConfig struct {
	CredentialFile string `json:"credential_file,omitempty"`
}

type SyncConfig struct {
	LogDir string `json:"log_dir"`
}

// OpsConfig controls the health/metrics/pprof HTTP server.
//
// Bind to loopback, or set a token (never logged), or allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
