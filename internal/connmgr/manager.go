// Package connmgr owns the live platform connections, one per account.
package connmgr

import (
	"context"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"

	"ghostbot/internal/platform"
	"ghostbot/pkg/logx"
)

var ErrClosed = errors.New("connmgr: closed")

// ErrConnectFailed marks errors from dialing, connecting or authorizing a
// session. Credential lookup failures do not carry it.
var ErrConnectFailed = errors.New("connmgr: connect failed")

// CredentialSource resolves an account's session credential.
type CredentialSource interface {
	FetchAccountCredential(ctx context.Context, accountID int64) (string, error)
}

// Observer receives connection lifecycle signals (metrics).
type Observer interface {
	ConnectAttempt(accountID int64, err error)
	OpenConnections(n int)
}

// Manager lazily connects and caches one Conn per account. Initialization
// is single-flight per account and parallel across accounts; failures are
// never cached.
type Manager struct {
	creds  CredentialSource
	dialer platform.Dialer
	log    logx.Logger
	obs    Observer

	group singleflight.Group

	mu     sync.Mutex
	conns  map[int64]platform.Conn
	closed bool
}

type Option func(*Manager)

func WithObserver(o Observer) Option { return func(m *Manager) { m.obs = o } }

func New(creds CredentialSource, dialer platform.Dialer, log logx.Logger, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		creds:  creds,
		dialer: dialer,
		log:    log.With(logx.String("comp", "connmgr")),
		conns:  map[int64]platform.Conn{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) cached(accountID int64) (platform.Conn, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	c, ok := m.conns[accountID]
	return c, ok, nil
}

// Get returns the account's connection, connecting on first use.
// Concurrent callers for the same account share one attempt and its result.
func (m *Manager) Get(ctx context.Context, accountID int64) (platform.Conn, error) {
	if c, ok, err := m.cached(accountID); err != nil || ok {
		return c, err
	}

	ch := m.group.DoChan(strconv.FormatInt(accountID, 10), func() (any, error) {
		// Another flight may have finished between the cache check and here.
		if c, ok, err := m.cached(accountID); err != nil || ok {
			return c, err
		}
		c, err := m.connect(context.WithoutCancel(ctx), accountID)
		if m.obs != nil {
			m.obs.ConnectAttempt(accountID, err)
		}
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			_ = c.Disconnect(context.Background())
			return nil, ErrClosed
		}
		m.conns[accountID] = c
		n := len(m.conns)
		m.mu.Unlock()
		if m.obs != nil {
			m.obs.OpenConnections(n)
		}
		m.log.Info("connection ready", logx.Int64("account_id", accountID))
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(platform.Conn), nil
	}
}

func (m *Manager) connect(ctx context.Context, accountID int64) (platform.Conn, error) {
	cred, err := m.creds.FetchAccountCredential(ctx, accountID)
	if err != nil {
		return nil, errors.Wrapf(err, "account %d credential", accountID)
	}
	c, err := m.dialer.Dial(ctx, accountID, cred)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "account %d dial", accountID), ErrConnectFailed)
	}
	if err := c.Connect(ctx); err != nil {
		if derr := c.Disconnect(ctx); derr != nil {
			m.log.Debug("disconnect after failed connect", logx.Int64("account_id", accountID), logx.Err(derr))
		}
		return nil, errors.Mark(errors.Wrapf(err, "account %d connect", accountID), ErrConnectFailed)
	}
	ok, err := c.IsAuthorized(ctx)
	if err == nil && !ok {
		err = platform.ErrUnauthorized
	}
	if err != nil {
		_ = c.Disconnect(ctx)
		return nil, errors.Mark(errors.WithHint(
			errors.Wrapf(err, "account %d authorization", accountID),
			"the stored session is invalid or expired; re-register the account",
		), ErrConnectFailed)
	}
	return c, nil
}

// Len returns the number of cached connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// CloseAll disconnects every cached connection. Individual failures are
// logged and swallowed. The manager rejects Get afterwards.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	conns := m.conns
	m.conns = map[int64]platform.Conn{}
	m.closed = true
	m.mu.Unlock()

	var wg sync.WaitGroup
	for id, c := range conns {
		wg.Add(1)
		go func(id int64, c platform.Conn) {
			defer wg.Done()
			if err := c.Disconnect(ctx); err != nil {
				m.log.Warn("disconnect failed", logx.Int64("account_id", id), logx.Err(err))
			}
		}(id, c)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.log.Warn("disconnect timed out", logx.Int("pending", len(conns)))
	}
	if m.obs != nil {
		m.obs.OpenConnections(0)
	}
}
