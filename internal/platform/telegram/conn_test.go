package telegram

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"ghostbot/internal/platform"
	rtsup "ghostbot/internal/runtime/supervisor"
	"ghostbot/pkg/logx"
)

func TestToMessage(t *testing.T) {
	t.Parallel()

	me := &tele.User{ID: 9, Username: "ghost"}
	m := &tele.Message{
		ID:       5,
		Unixtime: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Unix(),
		Chat:     &tele.Chat{ID: -100, Title: "Lobby", Type: tele.ChatSuperGroup},
		Sender:   &tele.User{ID: 42, Username: "alice", FirstName: "Alice", LastName: "A"},
		Text:     "hello",
	}
	got := toMessage(m, me)
	assert.Equal(t, 5, got.ID)
	assert.Equal(t, int64(-100), got.ChatID)
	assert.Equal(t, "Lobby", got.ChatTitle)
	assert.Equal(t, int64(42), got.SenderID)
	assert.Equal(t, "alice", got.SenderUsername)
	assert.Equal(t, "Alice A", got.SenderName)
	assert.False(t, got.Outgoing)
	assert.Equal(t, 2024, got.Date.Year())

	m.Sender = &tele.User{ID: 9}
	assert.True(t, toMessage(m, me).Outgoing)

	m.Sender = nil
	m.SenderChat = &tele.Chat{ID: -200, Title: "News"}
	m.Text = ""
	m.Caption = "pic"
	got = toMessage(m, me)
	assert.Equal(t, int64(-200), got.SenderID)
	assert.Equal(t, "pic", got.Text)
}

func TestDialogKind(t *testing.T) {
	t.Parallel()

	assert.Equal(t, platform.DialogGroup, dialogKind(tele.ChatGroup))
	assert.Equal(t, platform.DialogSupergroup, dialogKind(tele.ChatSuperGroup))
	assert.Equal(t, platform.DialogChannel, dialogKind(tele.ChatChannel))
	assert.Equal(t, platform.DialogPrivate, dialogKind(tele.ChatPrivate))
}

func TestDialRejectsEmptyToken(t *testing.T) {
	t.Parallel()

	_, err := NewDialer(Config{}, logx.Nop()).Dial(context.Background(), 1, "  ")
	assert.True(t, errors.Is(err, platform.ErrUnauthorized))
}

func TestUnconnectedConn(t *testing.T) {
	t.Parallel()

	c, err := NewDialer(Config{}, logx.Nop()).Dial(context.Background(), 1, "123:abc")
	require.NoError(t, err)

	_, err = c.IsAuthorized(context.Background())
	assert.True(t, errors.Is(err, platform.ErrNotConnected))
	assert.True(t, errors.Is(c.SendMessage(context.Background(), 1, "x"), platform.ErrNotConnected))
	_, err = c.SubscribeNewMessage(nil, func(context.Context, platform.Message) {})
	assert.True(t, errors.Is(err, platform.ErrNotConnected))
	assert.NoError(t, c.Disconnect(context.Background()))
}

func TestUnsubscribeWaitsForRunningHandler(t *testing.T) {
	t.Parallel()

	pc, err := NewDialer(Config{}, logx.Nop()).Dial(context.Background(), 1, "123:abc")
	require.NoError(t, err)
	c := pc.(*Conn)
	c.bot = &tele.Bot{}
	c.sup = rtsup.New(context.Background(), rtsup.WithLogger(logx.Nop()))
	t.Cleanup(c.sup.Cancel)

	entered := make(chan struct{})
	var sawCancel atomic.Bool
	var returned atomic.Bool
	sub, err := c.SubscribeNewMessage([]int64{100}, func(ctx context.Context, m platform.Message) {
		close(entered)
		<-ctx.Done()
		sawCancel.Store(true)
		returned.Store(true)
	})
	require.NoError(t, err)

	assert.Equal(t, 1, c.bus.Publish(platform.Message{ChatID: 100, Text: "hi"}))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	require.NoError(t, c.Unsubscribe(sub))
	assert.True(t, returned.Load(), "Unsubscribe returned before the handler")
	assert.True(t, sawCancel.Load())
	assert.Zero(t, c.bus.Publish(platform.Message{ChatID: 100, Text: "late"}))
	require.NoError(t, c.Unsubscribe(sub))
}
