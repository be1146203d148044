// Package platformtest provides an in-memory platform.Conn for tests.
package platformtest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"ghostbot/internal/platform"
)

type SendKind string

const (
	KindText    SendKind = "text"
	KindFile    SendKind = "file"
	KindForward SendKind = "forward"
	KindReply   SendKind = "reply"
)

// Sent is one recorded outbound call.
type Sent struct {
	Kind       SendKind
	Target     int64
	Text       string
	Path       string
	AsDocument bool
	FromChat   int64
	MessageID  int
}

// Conn records every outbound call and delivers Emit'ed messages to
// subscribers synchronously.
type Conn struct {
	Self       platform.User
	Dialogs    []platform.Dialog
	Authorized bool
	ConnectErr error
	// ReplyGate, when set, runs before a reply is recorded; a non-nil
	// result fails the reply.
	ReplyGate func(ctx context.Context) error

	mu          sync.Mutex
	sent        []Sent
	failTargets map[int64]error
	subs        map[platform.Subscription]subscription
	seq         uint64

	Connects    atomic.Int32
	Disconnects atomic.Int32
}

type subscription struct {
	targets map[int64]struct{}
	h       platform.Handler
	ctx     context.Context
	cancel  context.CancelFunc
	calls   *sync.WaitGroup
}

var _ platform.Conn = (*Conn)(nil)

func New() *Conn {
	return &Conn{
		Self:        platform.User{ID: 1, Username: "self"},
		Authorized:  true,
		failTargets: map[int64]error{},
		subs:        map[platform.Subscription]subscription{},
	}
}

// FailTarget makes every send to target return err.
func (c *Conn) FailTarget(target int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failTargets[target] = err
}

func (c *Conn) Connect(ctx context.Context) error {
	c.Connects.Add(1)
	return c.ConnectErr
}

func (c *Conn) IsAuthorized(ctx context.Context) (bool, error) { return c.Authorized, nil }

func (c *Conn) Disconnect(ctx context.Context) error {
	c.Disconnects.Add(1)
	return nil
}

func (c *Conn) Me(ctx context.Context) (platform.User, error) { return c.Self, nil }

func (c *Conn) record(s Sent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failTargets[s.Target]; err != nil {
		return err
	}
	c.sent = append(c.sent, s)
	return nil
}

func (c *Conn) SendMessage(ctx context.Context, target int64, text string) error {
	return c.record(Sent{Kind: KindText, Target: target, Text: text})
}

func (c *Conn) SendFile(ctx context.Context, target int64, path string, opt platform.FileOptions) error {
	return c.record(Sent{Kind: KindFile, Target: target, Path: path, Text: opt.Caption, AsDocument: opt.AsDocument})
}

func (c *Conn) Forward(ctx context.Context, target, fromChat int64, messageID int) error {
	return c.record(Sent{Kind: KindForward, Target: target, FromChat: fromChat, MessageID: messageID})
}

func (c *Conn) Reply(ctx context.Context, to platform.Message, text string) error {
	if c.ReplyGate != nil {
		if err := c.ReplyGate(ctx); err != nil {
			return err
		}
	}
	return c.record(Sent{Kind: KindReply, Target: to.ChatID, Text: text, MessageID: to.ID})
}

func (c *Conn) SubscribeNewMessage(targets []int64, h platform.Handler) (platform.Subscription, error) {
	if h == nil {
		return 0, errors.New("nil handler")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	id := platform.Subscription(c.seq)
	set := map[int64]struct{}{}
	for _, t := range targets {
		set[t] = struct{}{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.subs[id] = subscription{targets: set, h: h, ctx: ctx, cancel: cancel, calls: &sync.WaitGroup{}}
	return id, nil
}

// Unsubscribe cancels the context of running handler calls and waits for
// them to return.
func (c *Conn) Unsubscribe(sub platform.Subscription) error {
	c.mu.Lock()
	s, ok := c.subs[sub]
	delete(c.subs, sub)
	c.mu.Unlock()
	if ok {
		s.cancel()
		s.calls.Wait()
	}
	return nil
}

func (c *Conn) ListDialogs(ctx context.Context) ([]platform.Dialog, error) {
	return append([]platform.Dialog(nil), c.Dialogs...), nil
}

// Emit delivers m to every matching subscriber and returns how many got it.
// Handlers see a context that ends with ctx or with their subscription.
func (c *Conn) Emit(ctx context.Context, m platform.Message) int {
	c.mu.Lock()
	var subs []subscription
	for _, s := range c.subs {
		if _, ok := s.targets[m.ChatID]; ok || len(s.targets) == 0 {
			s.calls.Add(1)
			subs = append(subs, s)
		}
	}
	c.mu.Unlock()

	for _, s := range subs {
		hctx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(s.ctx, cancel)
		s.h(hctx, m)
		stop()
		cancel()
		s.calls.Done()
	}
	return len(subs)
}

// Sent returns a copy of the recorded outbound calls.
func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Subscriptions returns the number of live subscriptions.
func (c *Conn) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
