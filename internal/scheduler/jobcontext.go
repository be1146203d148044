package scheduler

import (
	"context"

	"ghostbot/internal/command"
	"ghostbot/internal/job"
	"ghostbot/internal/storage"
	"ghostbot/pkg/logx"
)

// jobContext reports a command's progress to the store.
type jobContext struct {
	store storage.JobStore
	jobID int64
	log   logx.Logger
}

var _ command.Reporter = (*jobContext)(nil)

// UpdateStatus persists status while the job is still live. An operator
// stop is final: later updates from the command are dropped.
func (c *jobContext) UpdateStatus(ctx context.Context, status job.Status, note string) error {
	ok, err := c.store.TransitionStatus(ctx, c.jobID, job.LiveStatuses(), status, note)
	if err != nil {
		return err
	}
	if !ok {
		c.log.Debug("status update after job ended ignored", logx.String("status", string(status)))
	}
	return nil
}

func (c *jobContext) MergeDetails(ctx context.Context, patch map[string]any) error {
	return c.store.MergeDetails(ctx, c.jobID, patch)
}

func (c *jobContext) Status(ctx context.Context) (job.Status, error) {
	return c.store.GetStatus(ctx, c.jobID)
}
