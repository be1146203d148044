package storage

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"ghostbot/internal/job"
	"ghostbot/pkg/logx"
)

// JobStore is what the scheduler and commands need.
type JobStore interface {
	FetchPending(ctx context.Context) ([]job.Job, error)
	FetchStopped(ctx context.Context) ([]job.Job, error)
	SetStatus(ctx context.Context, jobID int64, status job.Status, note string) error
	TransitionStatus(ctx context.Context, jobID int64, from []job.Status, status job.Status, note string) (bool, error)
	MergeDetails(ctx context.Context, jobID int64, patch map[string]any) error
	GetStatus(ctx context.Context, jobID int64) (job.Status, error)
	MarkError(ctx context.Context, jobID int64, message string) error
	RecoverInflight(ctx context.Context) (int64, error)
	FetchAccountCredential(ctx context.Context, accountID int64) (string, error)
}

// GroupStore is the cached dialog list used by sync and self-test.
type GroupStore interface {
	ReplaceGroups(ctx context.Context, accountID int64, groups []job.Group) error
	ListGroups(ctx context.Context, accountID int64) ([]job.Group, error)
	UpdateAccountProfile(ctx context.Context, accountID, telegramID int64, username string) error
}

// Store is the full persistence API, including the operator-facing calls
// used by the CLI.
type Store interface {
	JobStore
	GroupStore

	CreateJob(ctx context.Context, in NewJob) (job.Job, error)
	GetJob(ctx context.Context, jobID int64) (job.Job, error)
	GetJobByProcessID(ctx context.Context, processID string) (job.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]job.Job, error)
	RequestStop(ctx context.Context, processID string) (bool, error)

	UpsertAccount(ctx context.Context, a job.Account) (int64, error)
	GetAccount(ctx context.Context, accountID int64) (job.Account, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver {
	case "", "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, errors.Wrap(ErrUnsupportedDriver, driver)
	}
}
