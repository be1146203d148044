// Package telegram implements platform.Conn on the Telegram Bot API
// (gopkg.in/telebot.v4). The account credential is the bot token.
package telegram

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	"ghostbot/internal/eventbus"
	"ghostbot/internal/platform"
	rtsup "ghostbot/internal/runtime/supervisor"
	"ghostbot/pkg/logx"
)

const unsubscribeWait = 5 * time.Second

type Config struct {
	PollTimeout time.Duration
	APIURL      string
	// SubscriberBuffer bounds queued messages per subscription.
	SubscriberBuffer int
}

// Dialer creates one Conn per account.
type Dialer struct {
	cfg Config
	log logx.Logger
}

var _ platform.Dialer = (*Dialer)(nil)

func NewDialer(cfg Config, log logx.Logger) *Dialer {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 64
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dialer{cfg: cfg, log: log}
}

func (d *Dialer) Dial(ctx context.Context, accountID int64, credential string) (platform.Conn, error) {
	token := strings.TrimSpace(credential)
	if token == "" {
		return nil, errors.Wrapf(platform.ErrUnauthorized, "account %d has an empty session", accountID)
	}
	return &Conn{
		cfg:   d.cfg,
		token: token,
		log:   d.log.With(logx.String("comp", "telegram"), logx.Int64("account_id", accountID)),
		bus:   eventbus.New[platform.Message](),
		subs:  map[uint64]*delivery{},
		chats: map[int64]platform.Dialog{},
	}, nil
}

// Conn is a long-polling bot session shared by every job of one account.
type Conn struct {
	cfg   Config
	token string
	log   logx.Logger

	mu  sync.Mutex
	bot *tele.Bot
	sup *rtsup.Supervisor

	bus *eventbus.Bus[platform.Message]

	subMu sync.Mutex
	subs  map[uint64]*delivery

	chatMu sync.Mutex
	chats  map[int64]platform.Dialog
}

var _ platform.Conn = (*Conn)(nil)

// Connect authenticates (getMe) and starts the update poller.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bot != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b, err := tele.NewBot(tele.Settings{
		URL:    c.cfg.APIURL,
		Token:  c.token,
		Poller: &tele.LongPoller{Timeout: c.cfg.PollTimeout},
		OnError: func(err error, _ tele.Context) {
			c.log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		if strings.Contains(err.Error(), "Unauthorized") {
			return errors.Wrap(platform.ErrUnauthorized, err.Error())
		}
		return errors.Wrap(err, "telegram connect")
	}
	c.bot = b
	c.registerHandlers(b)

	c.sup = rtsup.New(context.Background(), rtsup.WithLogger(c.log))
	c.sup.Go0("telebot.stop_on_cancel", func(ctx context.Context) {
		<-ctx.Done()
		b.Stop()
	})
	// telebot's Start blocks until Stop; restart it if it exits on its own.
	c.sup.GoRestart("telebot.poll", func(ctx context.Context) error {
		c.log.Info("polling started", logx.String("bot", b.Me.Username))
		b.Start()
		c.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (c *Conn) registerHandlers(b *tele.Bot) {
	handle := func(tc tele.Context) error {
		m := tc.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		c.rememberChat(m.Chat)
		msg := toMessage(m, b.Me)
		if n := c.bus.Publish(msg); n == 0 {
			c.log.Trace("message without subscriber", logx.Int64("chat_id", msg.ChatID))
		}
		return nil
	}
	b.Handle(tele.OnText, handle)
	b.Handle(tele.OnChannelPost, handle)
}

func toMessage(m *tele.Message, me *tele.User) platform.Message {
	out := platform.Message{
		ID:        m.ID,
		ChatID:    m.Chat.ID,
		ChatTitle: chatTitle(m.Chat),
		Text:      m.Text,
		Date:      m.Time().UTC(),
	}
	if m.Text == "" {
		out.Text = m.Caption
	}
	if s := m.Sender; s != nil {
		out.SenderID = s.ID
		out.SenderUsername = s.Username
		out.SenderName = strings.TrimSpace(s.FirstName + " " + s.LastName)
		out.Outgoing = me != nil && s.ID == me.ID
	} else if m.SenderChat != nil {
		out.SenderID = m.SenderChat.ID
		out.SenderUsername = m.SenderChat.Username
		out.SenderName = m.SenderChat.Title
	}
	return out
}

func chatTitle(ch *tele.Chat) string {
	if ch.Title != "" {
		return ch.Title
	}
	return strings.TrimSpace(ch.FirstName + " " + ch.LastName)
}

func dialogKind(t tele.ChatType) platform.DialogKind {
	switch t {
	case tele.ChatGroup:
		return platform.DialogGroup
	case tele.ChatSuperGroup:
		return platform.DialogSupergroup
	case tele.ChatChannel, tele.ChatChannelPrivate:
		return platform.DialogChannel
	default:
		return platform.DialogPrivate
	}
}

func (c *Conn) rememberChat(ch *tele.Chat) {
	c.chatMu.Lock()
	c.chats[ch.ID] = platform.Dialog{ID: ch.ID, Title: chatTitle(ch), Kind: dialogKind(ch.Type), Username: ch.Username}
	c.chatMu.Unlock()
}

func (c *Conn) current() (*tele.Bot, *rtsup.Supervisor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bot == nil {
		return nil, nil, platform.ErrNotConnected
	}
	return c.bot, c.sup, nil
}

func (c *Conn) IsAuthorized(ctx context.Context) (bool, error) {
	b, _, err := c.current()
	if err != nil {
		return false, err
	}
	return b.Me != nil && b.Me.ID != 0, nil
}

func (c *Conn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	b, sup := c.bot, c.sup
	c.bot, c.sup = nil, nil
	c.mu.Unlock()
	if b == nil {
		return nil
	}

	c.bus.Close()
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates is still long-polling.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, "telegram disconnect")
	}
	return nil
}

func (c *Conn) Me(ctx context.Context) (platform.User, error) {
	b, _, err := c.current()
	if err != nil {
		return platform.User{}, err
	}
	if b.Me == nil {
		return platform.User{}, platform.ErrUnauthorized
	}
	return platform.User{ID: b.Me.ID, Username: b.Me.Username, FirstName: b.Me.FirstName}, nil
}

func (c *Conn) send(ctx context.Context, fn func(b *tele.Bot) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, _, err := c.current()
	if err != nil {
		return err
	}
	return fn(b)
}

// SendMessage sends text, split into several messages when it exceeds the
// platform limit.
func (c *Conn) SendMessage(ctx context.Context, target int64, text string) error {
	return c.send(ctx, func(b *tele.Bot) error {
		for i, part := range chunkText(text, maxMessageRunes) {
			if i > 0 && ctx.Err() != nil {
				return ctx.Err()
			}
			if _, err := b.Send(tele.ChatID(target), part, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
				return errors.Wrapf(err, "send to %d", target)
			}
		}
		return nil
	})
}

func (c *Conn) SendFile(ctx context.Context, target int64, path string, opt platform.FileOptions) error {
	return c.send(ctx, func(b *tele.Bot) error {
		var what tele.Sendable
		caption := truncRunes(opt.Caption, maxCaptionRunes)
		if opt.AsDocument {
			what = &tele.Document{File: tele.FromDisk(path), Caption: caption, FileName: filepath.Base(path)}
		} else {
			what = &tele.Photo{File: tele.FromDisk(path), Caption: caption}
		}
		_, err := b.Send(tele.ChatID(target), what)
		return errors.Wrapf(err, "send file to %d", target)
	})
}

func (c *Conn) Forward(ctx context.Context, target, fromChat int64, messageID int) error {
	return c.send(ctx, func(b *tele.Bot) error {
		ref := &tele.StoredMessage{MessageID: strconv.Itoa(messageID), ChatID: fromChat}
		_, err := b.Forward(tele.ChatID(target), ref)
		return errors.Wrapf(err, "forward %d/%d to %d", fromChat, messageID, target)
	})
}

func (c *Conn) Reply(ctx context.Context, to platform.Message, text string) error {
	return c.send(ctx, func(b *tele.Bot) error {
		_, err := b.Reply(&tele.Message{ID: to.ID, Chat: &tele.Chat{ID: to.ChatID}}, truncRunes(text, maxMessageRunes))
		return errors.Wrapf(err, "reply in %d", to.ChatID)
	})
}

// delivery is the goroutine feeding one subscription's handler.
type delivery struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// SubscribeNewMessage runs h on a dedicated goroutine fed from the
// connection's fanout. Messages beyond the subscriber buffer are dropped.
func (c *Conn) SubscribeNewMessage(targets []int64, h platform.Handler) (platform.Subscription, error) {
	if h == nil {
		return 0, errors.New("nil handler")
	}
	_, sup, err := c.current()
	if err != nil {
		return 0, err
	}

	var filter func(platform.Message) bool
	if len(targets) > 0 {
		set := make(map[int64]struct{}, len(targets))
		for _, t := range targets {
			set[t] = struct{}{}
		}
		filter = func(m platform.Message) bool {
			_, ok := set[m.ChatID]
			return ok
		}
	}
	id, ch := c.bus.Subscribe(c.cfg.SubscriberBuffer, filter)
	ctx, cancel := context.WithCancel(sup.Context())
	d := &delivery{cancel: cancel, done: make(chan struct{})}
	c.subMu.Lock()
	c.subs[id] = d
	c.subMu.Unlock()

	sup.Go0("subscription."+strconv.FormatUint(id, 10), func(context.Context) {
		defer close(d.done)
		defer cancel()
		for m := range ch {
			if ctx.Err() != nil {
				return
			}
			h(ctx, m)
		}
	})
	return platform.Subscription(id), nil
}

// Unsubscribe ends delivery, cancels the context of a handler call in
// progress and waits for it to return.
func (c *Conn) Unsubscribe(sub platform.Subscription) error {
	c.bus.Unsubscribe(uint64(sub))
	c.subMu.Lock()
	d := c.subs[uint64(sub)]
	delete(c.subs, uint64(sub))
	c.subMu.Unlock()
	if d == nil {
		return nil
	}
	d.cancel()
	select {
	case <-d.done:
		return nil
	case <-time.After(unsubscribeWait):
		return errors.Newf("subscription %d handler still running after %s", sub, unsubscribeWait)
	}
}

// ListDialogs returns the chats this session has seen updates from. The
// Bot API has no dialog listing, so the list grows as traffic arrives.
func (c *Conn) ListDialogs(ctx context.Context) ([]platform.Dialog, error) {
	if _, _, err := c.current(); err != nil {
		return nil, err
	}
	c.chatMu.Lock()
	defer c.chatMu.Unlock()
	out := make([]platform.Dialog, 0, len(c.chats))
	for _, d := range c.chats {
		out = append(out, d)
	}
	return out, nil
}
