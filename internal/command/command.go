// Package command defines the contract between the scheduler and the
// automation commands it runs.
package command

import (
	"context"
	"time"

	"ghostbot/internal/clock"
	"ghostbot/internal/job"
	"ghostbot/internal/platform"
	"ghostbot/pkg/logx"
)

// Reporter is how a running command writes back to its job record.
type Reporter interface {
	UpdateStatus(ctx context.Context, status job.Status, note string) error
	MergeDetails(ctx context.Context, patch map[string]any) error
	Status(ctx context.Context) (job.Status, error)
}

// Context is everything a command gets for one job.
type Context struct {
	AccountID int64
	ProcessID string
	JobID     int64
	Command   string
	Details   job.Details

	Conn     platform.Conn
	Log      logx.Logger
	Reporter Reporter
	Clock    clock.Clock
}

func (c *Context) UpdateStatus(ctx context.Context, status job.Status, note string) error {
	if c.Reporter == nil {
		return nil
	}
	return c.Reporter.UpdateStatus(ctx, status, note)
}

func (c *Context) MergeDetails(ctx context.Context, patch map[string]any) error {
	if c.Reporter == nil {
		return nil
	}
	return c.Reporter.MergeDetails(ctx, patch)
}

func (c *Context) Now() time.Time {
	if c.Clock == nil {
		return time.Now().UTC()
	}
	return c.Clock.Now().UTC()
}

func (c *Context) clock() clock.Clock {
	if c.Clock == nil {
		return clock.Real{}
	}
	return c.Clock
}

// Sleep waits d on the context's clock. It returns ctx.Err() if ctx ends first.
func (c *Context) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock().After(d):
		return nil
	}
}

// Sub derives a context for a nested run of another command under the same
// connection. The nested run reports nowhere.
func (c *Context) Sub(processID string, details job.Details) *Context {
	return &Context{
		AccountID: c.AccountID,
		ProcessID: processID,
		JobID:     c.JobID,
		Command:   c.Command,
		Details:   details,
		Conn:      c.Conn,
		Log:       c.Log.With(logx.String("sub_process_id", processID)),
		Reporter:  &NoopReporter{},
		Clock:     c.Clock,
	}
}

// Command is one kind of automation.
//
// Start returning (nil, nil) means the work finished synchronously. A
// non-nil Handle means background work continues until it completes or
// Stop is called.
type Command interface {
	Start(ctx context.Context, jc *Context) (*Handle, error)
	Stop(ctx context.Context, h *Handle, jc *Context) error
}

// HandleStopper is embedded by commands whose Stop only needs to stop the handle.
type HandleStopper struct{}

func (HandleStopper) Stop(ctx context.Context, h *Handle, _ *Context) error {
	if h == nil {
		return nil
	}
	return h.Stop(ctx)
}

// NoopReporter keeps the last status in memory and drops details.
type NoopReporter struct {
	status job.Status
}

func (r *NoopReporter) UpdateStatus(_ context.Context, status job.Status, _ string) error {
	r.status = status
	return nil
}

func (r *NoopReporter) MergeDetails(context.Context, map[string]any) error { return nil }

func (r *NoopReporter) Status(context.Context) (job.Status, error) {
	if r.status == "" {
		return job.StatusRunning, nil
	}
	return r.status, nil
}
