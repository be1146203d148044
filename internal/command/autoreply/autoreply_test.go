package autoreply

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostbot/internal/command"
	"ghostbot/internal/command/commandtest"
	"ghostbot/internal/job"
	"ghostbot/internal/platform"
	"ghostbot/internal/platform/platformtest"
)

func TestAutoReplyEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	conn := platformtest.New()
	jc, rep := commandtest.Context(conn, job.Details{
		"targets":            []any{float64(100)},
		"keywords":           []any{"hello"},
		"keyword_match_mode": "contains",
		"reply_text":         "hi",
	}, nil)

	cmd := New()
	h, err := cmd.Start(ctx, jc)
	require.NoError(t, err)
	require.NotNil(t, h)

	assert.Equal(t, 1, conn.Emit(ctx, platform.Message{ID: 10, ChatID: 100, SenderID: 42, Text: "well hello there"}))

	sent := conn.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, platformtest.KindReply, sent[0].Kind)
	assert.Equal(t, int64(100), sent[0].Target)
	assert.Equal(t, "hi", sent[0].Text)
	assert.Equal(t, 10, sent[0].MessageID)

	n, _ := rep.Details().Int64("replied_count")
	assert.Equal(t, int64(1), n)

	require.NoError(t, cmd.Stop(ctx, h, jc))
	require.NoError(t, cmd.Stop(ctx, h, jc))
	assert.Zero(t, conn.Subscriptions())
}

func TestStopWaitsForReplyInFlight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	conn := platformtest.New()
	entered := make(chan struct{})
	var released atomic.Bool
	conn.ReplyGate = func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		released.Store(true)
		return ctx.Err()
	}
	jc, rep := commandtest.Context(conn, job.Details{
		"targets":    []any{float64(100)},
		"keywords":   []any{"hello"},
		"reply_text": "hi",
	}, nil)

	cmd := New()
	h, err := cmd.Start(ctx, jc)
	require.NoError(t, err)

	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		conn.Emit(ctx, platform.Message{ID: 1, ChatID: 100, SenderID: 42, Text: "hello"})
	}()
	<-entered

	require.NoError(t, cmd.Stop(ctx, h, jc))
	assert.True(t, released.Load(), "Stop returned while the handler was still running")
	<-emitted

	assert.Empty(t, conn.Sent())
	d := rep.Details()
	_, replied := d.Int64("replied_count")
	assert.False(t, replied)
	assert.Empty(t, d.String("last_error"))
}

func TestAutoReplySkipsSelfOutgoingAndMisses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	conn := platformtest.New()
	conn.Self = platform.User{ID: 7}
	jc, rep := commandtest.Context(conn, job.Details{
		"targets":    []any{float64(100)},
		"keywords":   []any{"hello"},
		"exclusions": []any{"spam"},
		"reply_text": "hi",
	}, nil)

	h, err := New().Start(ctx, jc)
	require.NoError(t, err)
	defer h.Stop(ctx)

	conn.Emit(ctx, platform.Message{ChatID: 100, SenderID: 7, Text: "hello"})
	conn.Emit(ctx, platform.Message{ChatID: 100, SenderID: 8, Text: "hello", Outgoing: true})
	conn.Emit(ctx, platform.Message{ChatID: 100, SenderID: 8, Text: "goodbye"})
	conn.Emit(ctx, platform.Message{ChatID: 100, SenderID: 8, Text: "hello spam"})
	assert.Zero(t, conn.Emit(ctx, platform.Message{ChatID: 200, SenderID: 8, Text: "hello"}))

	assert.Empty(t, conn.Sent())
	_, ok := rep.Details().Int64("replied_count")
	assert.False(t, ok)
}

func TestAutoReplyRejectsIncompleteInput(t *testing.T) {
	t.Parallel()

	cases := map[string]job.Details{
		"no targets":  {"keywords": []any{"a"}, "reply_text": "x"},
		"no keywords": {"targets": []any{float64(1)}, "reply_text": "x"},
		"no reply":    {"targets": []any{float64(1)}, "keywords": []any{"a"}},
	}
	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			conn := platformtest.New()
			jc, _ := commandtest.Context(conn, d, nil)
			h, err := New().Start(context.Background(), jc)
			assert.Nil(t, h)
			assert.True(t, command.IsConfigError(err))
			assert.Zero(t, conn.Subscriptions())
		})
	}
}
