package scheduler

import (
	"context"
	"time"

	"ghostbot/internal/command"
	"ghostbot/internal/job"
	"ghostbot/internal/platform"
)

const (
	DefaultPollInterval    = 2 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
	DefaultStopTimeout     = 10 * time.Second
)

// Config controls the poll loop. PollInterval is hot-reloadable via Apply.
type Config struct {
	PollInterval time.Duration
	// DrainOnShutdown stops active jobs on Shutdown and puts them back to
	// pending with a requeue note.
	DrainOnShutdown bool
	ShutdownTimeout time.Duration
	// StopTimeout bounds one job's Stop call.
	StopTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	return c
}

// Connections supplies per-account connections.
type Connections interface {
	Get(ctx context.Context, accountID int64) (platform.Conn, error)
	CloseAll(ctx context.Context)
}

// Metrics receives scheduler signals.
type Metrics interface {
	JobDispatched(command, outcome string)
	JobFinished(command, outcome string)
	ActiveJobs(n int)
	PollDuration(d time.Duration)
	PollError(stage string)
}

type nopMetrics struct{}

func (nopMetrics) JobDispatched(string, string) {}
func (nopMetrics) JobFinished(string, string)   {}
func (nopMetrics) ActiveJobs(int)               {}
func (nopMetrics) PollDuration(time.Duration)   {}
func (nopMetrics) PollError(string)             {}

// Dispatch outcomes.
const (
	OutcomeStarted        = "started"
	OutcomeCompletedSync  = "completed_sync"
	OutcomeStartError     = "start_error"
	OutcomeUnknownCommand = "unknown_command"
	OutcomeDeferred       = "deferred"
	OutcomeSkipped        = "skipped"
)

// Finish outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeError     = "error"
	OutcomeStopped   = "stopped"
	OutcomeRequeued  = "requeued"
)

// ActiveJob is a snapshot of one tracked job.
type ActiveJob struct {
	JobID     int64     `json:"job_id"`
	ProcessID string    `json:"process_id"`
	AccountID int64     `json:"account_id"`
	Command   string    `json:"command"`
	Since     time.Time `json:"since"`
}

type active struct {
	job   job.Job
	cmd   command.Command
	jc    *command.Context
	h     *command.Handle
	since time.Time
}

type completion struct {
	jobID int64
	h     *command.Handle
}
