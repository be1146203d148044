package broadcast

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostbot/internal/clock"
	"ghostbot/internal/command"
	"ghostbot/internal/command/commandtest"
	"ghostbot/internal/job"
	"ghostbot/internal/platform/platformtest"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)

func details(mode string, minutes int) job.Details {
	return job.Details{
		"targets":  []any{float64(1), float64(2)},
		"content":  map[string]any{"type": "text", "text": "promo"},
		"schedule": map[string]any{"mode": mode, "minutes": float64(minutes)},
	}
}

func TestBroadcastNowSendsSynchronously(t *testing.T) {
	t.Parallel()
	conn := platformtest.New()
	jc, rep := commandtest.Context(conn, details(ModeNow, 0), nil)

	h, err := New(Config{}).Start(context.Background(), jc)
	require.NoError(t, err)
	assert.Nil(t, h)

	sent := conn.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "promo", sent[0].Text)

	d := rep.Details()
	n, _ := d.Int64("last_success")
	assert.Equal(t, int64(2), n)
	assert.Equal(t, "text", d.String("content_type"))
	assert.NotEmpty(t, d.String("last_send"))
}

func TestBroadcastFailureDoesNotAbortOtherTargets(t *testing.T) {
	t.Parallel()
	conn := platformtest.New()
	conn.FailTarget(1, errors.New("chat write forbidden"))
	jc, rep := commandtest.Context(conn, details(ModeNow, 0), nil)

	_, err := New(Config{}).Start(context.Background(), jc)
	require.NoError(t, err)

	sent := conn.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(2), sent[0].Target)

	d := rep.Details()
	n, _ := d.Int64("last_success")
	assert.Equal(t, int64(1), n)
	failures, ok := d["last_failures"].([]any)
	require.True(t, ok)
	require.Len(t, failures, 1)
	f := job.Details(failures[0].(map[string]any))
	target, _ := f.Int64("target")
	assert.Equal(t, int64(1), target)
	assert.Contains(t, f.String("error"), "chat write forbidden")
}

func TestBroadcastDelaySendsOnceAfterWait(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := clock.NewFake(epoch)
	conn := platformtest.New()
	jc, rep := commandtest.Context(conn, details(ModeDelay, 5), clk)

	h, err := New(Config{}).Start(ctx, jc)
	require.NoError(t, err)
	require.NotNil(t, h)
	require.True(t, clk.BlockUntil(1, time.Second))

	st, _ := rep.Status(ctx)
	assert.Equal(t, job.StatusScheduled, st)
	assert.Empty(t, conn.Sent())

	clk.Advance(5 * time.Minute)
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("delayed delivery did not finish")
	}
	require.NoError(t, h.Err())
	assert.Len(t, conn.Sent(), 2)
	st, _ = rep.Status(ctx)
	assert.Equal(t, job.StatusCompleted, st)
}

func TestBroadcastIntervalCountsDeliveries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := clock.NewFake(epoch)
	conn := platformtest.New()
	jc, rep := commandtest.Context(conn, details(ModeInterval, 0), clk)

	cmd := New(Config{})
	h, err := cmd.Start(ctx, jc)
	require.NoError(t, err)
	require.True(t, clk.BlockUntil(1, time.Second))

	st, _ := rep.Status(ctx)
	assert.Equal(t, job.StatusInterval, st)

	const ticks = 3
	for i := 0; i < ticks; i++ {
		clk.Advance(time.Minute)
		require.True(t, clk.BlockUntil(1, time.Second))
	}

	n, _ := rep.Details().Int64("delivery_count")
	assert.Equal(t, int64(ticks+1), n)
	assert.Len(t, conn.Sent(), 2*(ticks+1))

	require.NoError(t, cmd.Stop(ctx, h, jc))
	assert.True(t, h.Stopped())
}

func TestBroadcastCronFiresOnActivation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := clock.NewFake(epoch)
	conn := platformtest.New()
	d := details(ModeCron, 0)
	d["schedule"] = map[string]any{"mode": "cron", "cron": "* * * * *"}
	jc, rep := commandtest.Context(conn, d, clk)

	cmd := New(Config{})
	h, err := cmd.Start(ctx, jc)
	require.NoError(t, err)
	require.True(t, clk.BlockUntil(1, time.Second))
	assert.Empty(t, conn.Sent())
	assert.Equal(t, "2026-01-01T00:01:00Z", rep.Details().String("next_run_at"))

	clk.Advance(30 * time.Second)
	require.True(t, clk.BlockUntil(1, time.Second))
	assert.Len(t, conn.Sent(), 2)
	n, _ := rep.Details().Int64("delivery_count")
	assert.Equal(t, int64(1), n)

	require.NoError(t, cmd.Stop(ctx, h, jc))
}

func TestBroadcastDryRunSendsNothing(t *testing.T) {
	t.Parallel()
	conn := platformtest.New()
	d := details(ModeNow, 0)
	d["dry_run"] = true
	jc, rep := commandtest.Context(conn, d, nil)

	_, err := New(Config{}).Start(context.Background(), jc)
	require.NoError(t, err)
	assert.Empty(t, conn.Sent())
	n, _ := rep.Details().Int64("last_success")
	assert.Equal(t, int64(2), n)
}

func TestBroadcastFileContent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "flyer.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF"), 0o644))

	conn := platformtest.New()
	d := details(ModeNow, 0)
	d["content"] = map[string]any{"type": "document", "path": path, "caption": "new menu"}
	jc, _ := commandtest.Context(conn, d, nil)

	_, err := New(Config{}).Start(context.Background(), jc)
	require.NoError(t, err)
	sent := conn.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, platformtest.KindFile, sent[0].Kind)
	assert.True(t, sent[0].AsDocument)
	assert.Equal(t, "new menu", sent[0].Text)
}

func TestBroadcastConfigErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]func(job.Details){
		"no targets":    func(d job.Details) { delete(d, "targets") },
		"bad mode":      func(d job.Details) { d["schedule"] = map[string]any{"mode": "weekly"} },
		"bad content":   func(d job.Details) { d["content"] = map[string]any{"type": "sticker"} },
		"empty text":    func(d job.Details) { d["content"] = map[string]any{"type": "text"} },
		"photo no path": func(d job.Details) { d["content"] = map[string]any{"type": "photo"} },
		"forward no id": func(d job.Details) { d["content"] = map[string]any{"type": "forward", "from_chat_id": float64(5)} },
		"bad cron":      func(d job.Details) { d["schedule"] = map[string]any{"mode": "cron", "cron": "every day"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			d := details(ModeNow, 0)
			mutate(d)
			jc, _ := commandtest.Context(platformtest.New(), d, nil)
			h, err := New(Config{}).Start(context.Background(), jc)
			assert.Nil(t, h)
			assert.True(t, command.IsConfigError(err), "got %v", err)
		})
	}
}
