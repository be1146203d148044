package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"ghostbot/internal/job"
	"ghostbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

var _ Store = (*sqliteStore)(nil)

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create database directory")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One connection: SQLite has a single writer and this also serializes
	// every read-merge-write below.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, now: func() time.Time { return time.Now().UTC() }}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const jobColumns = `id, account_id, process_id, command, status, start_time, details`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (job.Job, error) {
	var (
		j       job.Job
		status  string
		started string
		raw     string
	)
	if err := r.Scan(&j.ID, &j.AccountID, &j.ProcessID, &j.Command, &status, &started, &raw); err != nil {
		return job.Job{}, err
	}
	j.Status = job.Status(status)
	j.StartTime, _ = time.Parse(time.RFC3339Nano, started)
	d, err := decodeDetails(raw)
	if err != nil {
		return job.Job{}, errors.Wrapf(err, "job %d details", j.ID)
	}
	j.Details = d
	return j, nil
}

func decodeDetails(raw string) (job.Details, error) {
	d := job.Details{}
	if strings.TrimSpace(raw) == "" {
		return d, nil
	}
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, err
	}
	return d, nil
}

func encodeDetails(d job.Details) (string, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *sqliteStore) queryJobs(ctx context.Context, query string, args ...any) ([]job.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			// A corrupt details document must not hide the other jobs.
			s.log.Warn("skipping unreadable job row", logx.Err(err))
			continue
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) fetchByStatus(ctx context.Context, status job.Status) ([]job.Job, error) {
	jobs, err := s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY id`, string(status))
	return jobs, errors.Wrapf(err, "fetch %s jobs", status)
}

func (s *sqliteStore) FetchPending(ctx context.Context) ([]job.Job, error) {
	return s.fetchByStatus(ctx, job.StatusPending)
}

func (s *sqliteStore) FetchStopped(ctx context.Context) ([]job.Job, error) {
	return s.fetchByStatus(ctx, job.StatusStopped)
}

func statusArgs(statuses []job.Status) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(marks, ", "), args
}

// updateDetails runs a read-merge-write of one job's details (and optionally
// its status) inside a transaction. With a non-empty from, the write only
// lands while the row's status is one of from; it reports whether it did.
func (s *sqliteStore) updateDetails(ctx context.Context, jobID int64, from []job.Status, status job.Status, patch map[string]any) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT details FROM jobs WHERE id = ?`, jobID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, errors.Wrapf(ErrNotFound, "job %d", jobID)
	}
	if err != nil {
		return false, errors.Wrapf(err, "read job %d", jobID)
	}
	d, err := decodeDetails(raw)
	if err != nil {
		s.log.Warn("resetting unreadable details", logx.Int64("job_id", jobID), logx.Err(err))
		d = job.Details{}
	}
	enc, err := encodeDetails(d.Merge(patch))
	if err != nil {
		return false, errors.Wrapf(err, "encode job %d details", jobID)
	}

	query := `UPDATE jobs SET details = ? WHERE id = ?`
	args := []any{enc}
	if status != "" {
		query = `UPDATE jobs SET details = ?, status = ? WHERE id = ?`
		args = append(args, string(status))
	}
	args = append(args, jobID)
	if len(from) > 0 {
		marks, fromArgs := statusArgs(from)
		query += ` AND status IN (` + marks + `)`
		args = append(args, fromArgs...)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errors.Wrapf(err, "update job %d", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "update job %d", jobID)
	}
	if n == 0 {
		return false, nil
	}
	return true, errors.Wrap(tx.Commit(), "commit")
}

func (s *sqliteStore) statusPatch(note string) map[string]any {
	patch := map[string]any{"status_updated_at": s.now().Format(time.RFC3339)}
	if note = strings.TrimSpace(note); note != "" {
		patch["status_note"] = note
	}
	return patch
}

func (s *sqliteStore) SetStatus(ctx context.Context, jobID int64, status job.Status, note string) error {
	if !status.Valid() {
		return errors.Newf("invalid job status %q", status)
	}
	_, err := s.updateDetails(ctx, jobID, nil, status, s.statusPatch(note))
	return err
}

// TransitionStatus moves a job to status only while it is in one of from.
// It reports false, without writing, when another writer got there first.
func (s *sqliteStore) TransitionStatus(ctx context.Context, jobID int64, from []job.Status, status job.Status, note string) (bool, error) {
	if !status.Valid() {
		return false, errors.Newf("invalid job status %q", status)
	}
	if len(from) == 0 {
		return false, errors.New("transition needs at least one source status")
	}
	return s.updateDetails(ctx, jobID, from, status, s.statusPatch(note))
}

func (s *sqliteStore) MergeDetails(ctx context.Context, jobID int64, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	_, err := s.updateDetails(ctx, jobID, nil, "", patch)
	return err
}

func (s *sqliteStore) GetStatus(ctx context.Context, jobID int64) (job.Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.Wrapf(ErrNotFound, "job %d", jobID)
	}
	if err != nil {
		return "", errors.Wrapf(err, "read job %d status", jobID)
	}
	return job.Status(status), nil
}

// MarkError records message and moves the job to error. A job that already
// ended (stopped by the operator, say) keeps its status.
func (s *sqliteStore) MarkError(ctx context.Context, jobID int64, message string) error {
	now := s.now().Format(time.RFC3339)
	_, err := s.updateDetails(ctx, jobID, job.LiveStatuses(), job.StatusError, map[string]any{
		"error":             message,
		"error_at":          now,
		"status_note":       message,
		"status_updated_at": now,
	})
	return err
}

func (s *sqliteStore) RecoverInflight(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ? WHERE status IN (?, ?, ?)`,
		string(job.StatusPending),
		string(job.StatusRunning), string(job.StatusScheduled), string(job.StatusInterval),
	)
	if err != nil {
		return 0, errors.Wrap(err, "recover inflight jobs")
	}
	return res.RowsAffected()
}

func (s *sqliteStore) FetchAccountCredential(ctx context.Context, accountID int64) (string, error) {
	var session, status string
	err := s.db.QueryRowContext(ctx, `SELECT session, status FROM accounts WHERE id = ?`, accountID).Scan(&session, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.Wrapf(ErrAccountNotFound, "account %d", accountID)
	}
	if err != nil {
		return "", errors.Wrapf(err, "read account %d", accountID)
	}
	if status != "active" {
		return "", errors.Wrapf(ErrAccountInactive, "account %d", accountID)
	}
	return session, nil
}
