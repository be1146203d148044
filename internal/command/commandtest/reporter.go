// Package commandtest holds helpers for exercising commands without a store.
package commandtest

import (
	"context"
	"sync"

	"ghostbot/internal/clock"
	"ghostbot/internal/command"
	"ghostbot/internal/job"
	"ghostbot/internal/platform"
	"ghostbot/pkg/logx"
)

// Reporter keeps status and details in memory.
type Reporter struct {
	mu       sync.Mutex
	status   job.Status
	note     string
	details  job.Details
	statuses []job.Status
}

var _ command.Reporter = (*Reporter)(nil)

func NewReporter() *Reporter {
	return &Reporter{status: job.StatusRunning, details: job.Details{}}
}

func (r *Reporter) UpdateStatus(_ context.Context, status job.Status, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status, r.note = status, note
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *Reporter) MergeDetails(_ context.Context, patch map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.details = r.details.Merge(patch)
	return nil
}

func (r *Reporter) Status(context.Context) (job.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, nil
}

func (r *Reporter) Note() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.note
}

// Details returns a copy of the merged details.
func (r *Reporter) Details() job.Details {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.details.Clone()
}

// Statuses returns every status set, in order.
func (r *Reporter) Statuses() []job.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]job.Status(nil), r.statuses...)
}

// Context builds a command.Context around conn and details.
func Context(conn platform.Conn, details job.Details, clk clock.Clock) (*command.Context, *Reporter) {
	rep := NewReporter()
	if clk == nil {
		clk = clock.Real{}
	}
	return &command.Context{
		AccountID: 1,
		ProcessID: "proc-1",
		JobID:     1,
		Details:   details,
		Conn:      conn,
		Log:       logx.Nop(),
		Reporter:  rep,
		Clock:     clk,
	}, rep
}
