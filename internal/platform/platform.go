// Package platform defines the chat-platform connection the scheduler and
// commands work against.
package platform

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrUnauthorized = errors.New("platform: session not authorized")
	ErrNotConnected = errors.New("platform: not connected")
)

// Message is an incoming (or echoed outgoing) chat message.
type Message struct {
	ID             int       `json:"id"`
	ChatID         int64     `json:"chat_id"`
	ChatTitle      string    `json:"chat_title"`
	SenderID       int64     `json:"sender_id"`
	SenderUsername string    `json:"sender_username"`
	SenderName     string    `json:"sender_name"`
	Text           string    `json:"text"`
	Outgoing       bool      `json:"outgoing"`
	Date           time.Time `json:"date"`
}

type DialogKind string

const (
	DialogPrivate    DialogKind = "private"
	DialogGroup      DialogKind = "group"
	DialogSupergroup DialogKind = "supergroup"
	DialogChannel    DialogKind = "channel"
)

// Dialog is a chat the account can see.
type Dialog struct {
	ID       int64      `json:"id"`
	Title    string     `json:"title"`
	Kind     DialogKind `json:"kind"`
	Username string     `json:"username,omitempty"`
}

// Multi reports whether the dialog is a group or channel.
func (d Dialog) Multi() bool {
	return d.Kind == DialogGroup || d.Kind == DialogSupergroup || d.Kind == DialogChannel
}

// User is the account's own identity.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

type FileOptions struct {
	Caption    string
	AsDocument bool
}

// Handler receives messages for one subscription. Calls for a single
// subscription are sequential.
type Handler func(ctx context.Context, m Message)

// Subscription identifies a registered new-message handler.
type Subscription uint64

// Conn is a live session for one account. It is shared by every job of
// that account, so implementations must be safe for concurrent use.
type Conn interface {
	Connect(ctx context.Context) error
	IsAuthorized(ctx context.Context) (bool, error)
	Disconnect(ctx context.Context) error

	Me(ctx context.Context) (User, error)

	SendMessage(ctx context.Context, target int64, text string) error
	SendFile(ctx context.Context, target int64, path string, opt FileOptions) error
	Forward(ctx context.Context, target, fromChat int64, messageID int) error
	Reply(ctx context.Context, to Message, text string) error

	// SubscribeNewMessage delivers messages from the given chats. An empty
	// target list subscribes to every chat.
	SubscribeNewMessage(targets []int64, h Handler) (Subscription, error)
	Unsubscribe(sub Subscription) error

	ListDialogs(ctx context.Context) ([]Dialog, error)
}

// Dialer builds a Conn from an account credential. The returned Conn is
// not yet connected.
type Dialer interface {
	Dial(ctx context.Context, accountID int64, credential string) (Conn, error)
}

type DialerFunc func(ctx context.Context, accountID int64, credential string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, accountID int64, credential string) (Conn, error) {
	return f(ctx, accountID, credential)
}
