// Package autoreply answers matching messages in a set of chats.
package autoreply

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"ghostbot/internal/command"
	"ghostbot/internal/match"
	"ghostbot/internal/platform"
	"ghostbot/pkg/logx"
)

const Name = "auto_reply"

type Command struct {
	command.HandleStopper
}

func New() command.Command { return &Command{} }

type state struct {
	jc      *command.Context
	matcher match.Matcher
	reply   string
	self    int64

	mu      sync.Mutex
	replied int64
}

func (c *Command) Start(ctx context.Context, jc *command.Context) (*command.Handle, error) {
	d := jc.Details
	targets := d.Int64s("targets")
	rule := match.RuleFromDetails(d)
	reply := d.String("reply_text")

	matcher := match.New(rule)
	if len(targets) == 0 || matcher.Empty() || reply == "" {
		return nil, command.Configf("auto reply input is incomplete: targets, keywords and reply_text are required")
	}

	me, err := jc.Conn.Me(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "resolve own account")
	}

	st := &state{jc: jc, matcher: matcher, reply: reply, self: me.ID}
	if n, ok := d.Int64("replied_count"); ok {
		st.replied = n
	}

	sub, err := jc.Conn.SubscribeNewMessage(targets, st.onMessage)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe")
	}

	h := command.NewHandle(jc.Log)
	h.OnStop(func(context.Context) error {
		return jc.Conn.Unsubscribe(sub)
	})
	jc.Log.Info("auto reply listening", logx.Any("targets", targets), logx.Strings("keywords", rule.Keywords))
	return h, nil
}

func (s *state) onMessage(ctx context.Context, m platform.Message) {
	if m.Outgoing || (s.self != 0 && m.SenderID == s.self) {
		return
	}
	if m.Text == "" || !s.matcher.Matches(m.Text) {
		return
	}

	if err := s.jc.Conn.Reply(ctx, m, s.reply); err != nil {
		if ctx.Err() != nil {
			s.jc.Log.Debug("auto reply abandoned on stop", logx.Int64("chat_id", m.ChatID))
			return
		}
		s.jc.Log.Warn("auto reply send failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
		_ = s.jc.MergeDetails(ctx, map[string]any{
			"last_error":    err.Error(),
			"last_error_at": s.jc.Now().Format(time.RFC3339),
		})
		return
	}

	s.mu.Lock()
	s.replied++
	n := s.replied
	s.mu.Unlock()

	s.jc.Log.Info("auto reply sent", logx.Int64("chat_id", m.ChatID), logx.Int("message_id", m.ID), logx.Int64("replied_count", n))
	if err := s.jc.MergeDetails(ctx, map[string]any{
		"replied_count": n,
		"last_reply_at": s.jc.Now().Format(time.RFC3339),
	}); err != nil {
		s.jc.Log.Warn("details update failed", logx.Err(err))
	}
}
