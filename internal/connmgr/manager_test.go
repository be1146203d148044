package connmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostbot/internal/platform"
	"ghostbot/internal/platform/platformtest"
	"ghostbot/pkg/logx"
)

type staticCreds map[int64]string

func (s staticCreds) FetchAccountCredential(ctx context.Context, id int64) (string, error) {
	c, ok := s[id]
	if !ok {
		return "", errors.New("no such account")
	}
	return c, nil
}

type countingDialer struct {
	dials atomic.Int32
	delay time.Duration
	make  func(accountID int64) *platformtest.Conn
}

func (d *countingDialer) Dial(ctx context.Context, accountID int64, cred string) (platform.Conn, error) {
	d.dials.Add(1)
	time.Sleep(d.delay)
	return d.make(accountID), nil
}

func TestConcurrentGetConnectsOnce(t *testing.T) {
	t.Parallel()

	d := &countingDialer{delay: 50 * time.Millisecond, make: func(int64) *platformtest.Conn { return platformtest.New() }}
	m := New(staticCreds{1: "tok"}, d, logx.Nop())

	const n = 16
	conns := make([]platform.Conn, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := m.Get(context.Background(), 1)
			assert.NoError(t, err)
			conns[i] = c
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), d.dials.Load())
	for _, c := range conns {
		assert.Same(t, conns[0], c)
	}
	assert.Equal(t, int32(1), conns[0].(*platformtest.Conn).Connects.Load())
	assert.Equal(t, 1, m.Len())
}

func TestFailureIsNotCached(t *testing.T) {
	t.Parallel()

	var fail atomic.Bool
	fail.Store(true)
	d := &countingDialer{make: func(int64) *platformtest.Conn {
		c := platformtest.New()
		c.Authorized = !fail.Load()
		return c
	}}
	m := New(staticCreds{1: "tok"}, d, logx.Nop())

	_, err := m.Get(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, platform.ErrUnauthorized))
	assert.NotEmpty(t, errors.FlattenHints(err))
	assert.Zero(t, m.Len())

	fail.Store(false)
	c, err := m.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.NotNil(t, c)
	assert.Equal(t, int32(2), d.dials.Load())
}

func TestMissingCredential(t *testing.T) {
	t.Parallel()

	d := &countingDialer{make: func(int64) *platformtest.Conn { return platformtest.New() }}
	m := New(staticCreds{}, d, logx.Nop())
	_, err := m.Get(context.Background(), 5)
	require.Error(t, err)
	assert.Zero(t, d.dials.Load())
}

func TestFailedConnectIsDisconnected(t *testing.T) {
	t.Parallel()

	conn := platformtest.New()
	conn.ConnectErr = errors.New("network unreachable")
	d := &countingDialer{make: func(int64) *platformtest.Conn { return conn }}
	m := New(staticCreds{1: "tok"}, d, logx.Nop())

	_, err := m.Get(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectFailed))
	assert.Equal(t, int32(1), conn.Disconnects.Load())
	assert.Zero(t, m.Len())
}

func TestConnectFailureMarking(t *testing.T) {
	t.Parallel()

	unauthorized := &countingDialer{make: func(int64) *platformtest.Conn {
		c := platformtest.New()
		c.Authorized = false
		return c
	}}
	_, err := New(staticCreds{1: "tok"}, unauthorized, logx.Nop()).Get(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectFailed))
	assert.True(t, errors.Is(err, platform.ErrUnauthorized))

	dialFails := platform.DialerFunc(func(context.Context, int64, string) (platform.Conn, error) {
		return nil, errors.New("dns failure")
	})
	_, err = New(staticCreds{1: "tok"}, dialFails, logx.Nop()).Get(context.Background(), 1)
	assert.True(t, errors.Is(err, ErrConnectFailed))

	d := &countingDialer{make: func(int64) *platformtest.Conn { return platformtest.New() }}
	_, err = New(staticCreds{}, d, logx.Nop()).Get(context.Background(), 1)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrConnectFailed), "credential lookups are not connect failures")
}

func TestDistinctAccountsGetDistinctConns(t *testing.T) {
	t.Parallel()

	d := &countingDialer{make: func(int64) *platformtest.Conn { return platformtest.New() }}
	m := New(staticCreds{1: "a", 2: "b"}, d, logx.Nop())
	a, err := m.Get(context.Background(), 1)
	require.NoError(t, err)
	b, err := m.Get(context.Background(), 2)
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}

type failingDisconnect struct{ *platformtest.Conn }

func (f failingDisconnect) Disconnect(ctx context.Context) error { return errors.New("socket gone") }

func TestCloseAllSwallowsErrors(t *testing.T) {
	t.Parallel()

	good := platformtest.New()
	dialer := platform.DialerFunc(func(ctx context.Context, id int64, cred string) (platform.Conn, error) {
		if id == 1 {
			return failingDisconnect{platformtest.New()}, nil
		}
		return good, nil
	})
	m := New(staticCreds{1: "a", 2: "b"}, dialer, logx.Nop())
	_, err := m.Get(context.Background(), 1)
	require.NoError(t, err)
	_, err = m.Get(context.Background(), 2)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.CloseAll(ctx)

	assert.Equal(t, int32(1), good.Disconnects.Load())
	assert.Zero(t, m.Len())
	_, err = m.Get(context.Background(), 2)
	assert.True(t, errors.Is(err, ErrClosed))
}
