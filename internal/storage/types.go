package storage

import (
	"time"

	"github.com/cockroachdb/errors"

	"ghostbot/internal/job"
)

var (
	ErrNotFound          = errors.New("storage: not found")
	ErrAccountNotFound   = errors.New("storage: account not found")
	ErrAccountInactive   = errors.New("storage: account inactive")
	ErrDuplicateProcess  = errors.New("storage: process id already exists")
	ErrUnsupportedDriver = errors.New("storage: unsupported driver")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// NewJob is the operator input for CreateJob.
type NewJob struct {
	AccountID int64
	ProcessID string
	Command   string
	Details   job.Details
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	Statuses  []job.Status
	AccountID int64
	Limit     int
}
