// Package job defines the persisted unit of work the scheduler runs.
package job

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusScheduled Status = "scheduled"
	StatusInterval  Status = "interval"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusStopped   Status = "stopped"
)

var allStatuses = []Status{
	StatusPending, StatusRunning, StatusScheduled, StatusInterval,
	StatusCompleted, StatusError, StatusStopped,
}

// Statuses lists every known status in lifecycle order.
func Statuses() []Status { return append([]Status(nil), allStatuses...) }

func (s Status) Valid() bool {
	for _, v := range allStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends the job's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusStopped
}

// Inflight reports whether s means some process owns the job right now.
// These are the statuses crash recovery resets to pending.
func (s Status) Inflight() bool {
	return s == StatusRunning || s == StatusScheduled || s == StatusInterval
}

// LiveStatuses lists the statuses a job can still leave.
func LiveStatuses() []Status {
	return []Status{StatusPending, StatusRunning, StatusScheduled, StatusInterval}
}

// InflightStatuses lists the statuses Inflight accepts.
func InflightStatuses() []Status {
	return []Status{StatusRunning, StatusScheduled, StatusInterval}
}

// Stoppable reports whether an operator stop request applies to s.
func (s Status) Stoppable() bool {
	return s == StatusPending || s.Inflight()
}

// Job is one row of the job store.
type Job struct {
	ID        int64     `json:"id"`
	AccountID int64     `json:"account_id"`
	ProcessID string    `json:"process_id"`
	Command   string    `json:"command"`
	Status    Status    `json:"status"`
	Details   Details   `json:"details"`
	StartTime time.Time `json:"start_time"`
}

// Account is a platform identity jobs run under.
type Account struct {
	ID         int64     `json:"id"`
	TelegramID int64     `json:"telegram_id"`
	Username   string    `json:"username"`
	Session    string    `json:"-"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Group is a cached dialog written by the group sync command.
type Group struct {
	AccountID int64  `json:"account_id"`
	ChatID    int64  `json:"chat_id"`
	Title     string `json:"title"`
	Kind      string `json:"kind"`
	Username  string `json:"username,omitempty"`
}
