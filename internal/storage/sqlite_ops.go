package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"ghostbot/internal/job"
)

func (s *sqliteStore) CreateJob(ctx context.Context, in NewJob) (job.Job, error) {
	in.ProcessID = strings.TrimSpace(in.ProcessID)
	in.Command = strings.TrimSpace(in.Command)
	if in.ProcessID == "" || in.Command == "" {
		return job.Job{}, errors.New("process id and command are required")
	}
	enc, err := encodeDetails(in.Details)
	if err != nil {
		return job.Job{}, errors.Wrap(err, "encode details")
	}
	started := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(account_id, process_id, command, status, start_time, details) VALUES(?,?,?,?,?,?)`,
		in.AccountID, in.ProcessID, in.Command, string(job.StatusPending), started.Format(time.RFC3339Nano), enc,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return job.Job{}, errors.Wrap(ErrDuplicateProcess, in.ProcessID)
		}
		return job.Job{}, errors.Wrap(err, "insert job")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return job.Job{}, errors.Wrap(err, "job id")
	}
	return s.GetJob(ctx, id)
}

func (s *sqliteStore) GetJob(ctx context.Context, jobID int64) (job.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, errors.Wrapf(ErrNotFound, "job %d", jobID)
	}
	return j, errors.Wrapf(err, "read job %d", jobID)
}

func (s *sqliteStore) GetJobByProcessID(ctx context.Context, processID string) (job.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE process_id = ?`, processID))
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, errors.Wrapf(ErrNotFound, "process %s", processID)
	}
	return j, errors.Wrapf(err, "read process %s", processID)
}

func (s *sqliteStore) ListJobs(ctx context.Context, f JobFilter) ([]job.Job, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		marks := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			marks = append(marks, "?")
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ",")+")")
	}
	if f.AccountID > 0 {
		where = append(where, "account_id = ?")
		args = append(args, f.AccountID)
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	jobs, err := s.queryJobs(ctx, q, args...)
	return jobs, errors.Wrap(err, "list jobs")
}

// RequestStop moves a job to stopped if it is still stoppable. It reports
// whether the row changed.
func (s *sqliteStore) RequestStop(ctx context.Context, processID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ? WHERE process_id = ? AND status IN (?, ?, ?, ?)`,
		string(job.StatusStopped), processID,
		string(job.StatusPending), string(job.StatusRunning), string(job.StatusScheduled), string(job.StatusInterval),
	)
	if err != nil {
		return false, errors.Wrapf(err, "stop %s", processID)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) UpsertAccount(ctx context.Context, a job.Account) (int64, error) {
	status := "inactive"
	if a.Active {
		status = "active"
	}
	if a.ID > 0 {
		res, err := s.db.ExecContext(ctx,
			`UPDATE accounts SET telegram_id = ?, username = ?, session = ?, status = ? WHERE id = ?`,
			a.TelegramID, a.Username, a.Session, status, a.ID)
		if err != nil {
			return 0, errors.Wrapf(err, "update account %d", a.ID)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return a.ID, nil
		}
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	var (
		res sql.Result
		err error
	)
	if a.ID > 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO accounts(id, telegram_id, username, session, status, created_at) VALUES(?,?,?,?,?,?)`,
			a.ID, a.TelegramID, a.Username, a.Session, status, created.Format(time.RFC3339Nano))
	} else {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO accounts(telegram_id, username, session, status, created_at) VALUES(?,?,?,?,?)`,
			a.TelegramID, a.Username, a.Session, status, created.Format(time.RFC3339Nano))
	}
	if err != nil {
		return 0, errors.Wrap(err, "insert account")
	}
	return res.LastInsertId()
}

func (s *sqliteStore) GetAccount(ctx context.Context, accountID int64) (job.Account, error) {
	var (
		a       job.Account
		status  string
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, telegram_id, username, session, status, created_at FROM accounts WHERE id = ?`, accountID,
	).Scan(&a.ID, &a.TelegramID, &a.Username, &a.Session, &status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Account{}, errors.Wrapf(ErrAccountNotFound, "account %d", accountID)
	}
	if err != nil {
		return job.Account{}, errors.Wrapf(err, "read account %d", accountID)
	}
	a.Active = status == "active"
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return a, nil
}

func (s *sqliteStore) UpdateAccountProfile(ctx context.Context, accountID, telegramID int64, username string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET telegram_id = ?, username = ? WHERE id = ?`, telegramID, username, accountID)
	return errors.Wrapf(err, "update account %d profile", accountID)
}

// ReplaceGroups swaps the cached group list for one account.
func (s *sqliteStore) ReplaceGroups(ctx context.Context, accountID int64, groups []job.Group) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_groups WHERE account_id = ?`, accountID); err != nil {
		return errors.Wrap(err, "clear groups")
	}
	for _, g := range groups {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO chat_groups(account_id, chat_id, title, kind, username) VALUES(?,?,?,?,?)
			 ON CONFLICT(account_id, chat_id) DO UPDATE SET title=excluded.title, kind=excluded.kind, username=excluded.username`,
			accountID, g.ChatID, g.Title, g.Kind, g.Username)
		if err != nil {
			return errors.Wrapf(err, "insert group %d", g.ChatID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func (s *sqliteStore) ListGroups(ctx context.Context, accountID int64) ([]job.Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, chat_id, title, kind, username FROM chat_groups WHERE account_id = ? ORDER BY title, chat_id`, accountID)
	if err != nil {
		return nil, errors.Wrap(err, "list groups")
	}
	defer rows.Close()

	var out []job.Group
	for rows.Next() {
		var g job.Group
		if err := rows.Scan(&g.AccountID, &g.ChatID, &g.Title, &g.Kind, &g.Username); err != nil {
			return nil, errors.Wrap(err, "scan group")
		}
		out = append(out, g)
	}
	return out, errors.Wrap(rows.Err(), "list groups")
}
