package relay

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startServer(t *testing.T) (*Server, context.CancelFunc) {
	t.Helper()
	return startServerWith(t, DefaultConfig())
}

func startServerWith(t *testing.T, cfg Config) (*Server, context.CancelFunc) {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	srv := NewServer(cfg, zap.NewNop())
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})
	return srv, cancel
}

// drainUntil polls the queue the way the controller loop does.
func drainUntil(t *testing.T, q *Queue, n int) []Request {
	t.Helper()
	var got []Request
	require.Eventually(t, func() bool {
		got = append(got, q.Drain()...)
		return len(got) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestQueue_DrainOrder(t *testing.T) {
	q := NewQueue(4)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, Request{Command: Parse("status")}))
	require.NoError(t, q.Push(ctx, Request{Command: Parse("TurnOnAC")}))

	got := q.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, KindStatus, got[0].Command.Kind)
	assert.Equal(t, KindTurnOn, got[1].Command.Kind)
	assert.Empty(t, q.Drain())
}

func TestQueue_PushBlocksUntilCancelled(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Push(context.Background(), Request{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Push(ctx, Request{}), context.DeadlineExceeded)
}

func TestServer_RequestReply(t *testing.T) {
	srv, _ := startServer(t)

	c, err := Dial(context.Background(), srv.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send("AC_Status"))
	reqs := drainUntil(t, srv.Queue(), 1)
	assert.Equal(t, KindACStatus, reqs[0].Command.Kind)

	require.NoError(t, srv.SendToClient(reqs[0].Client, "AC is OFF"))
	reply, err := c.ReadReply(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "AC is OFF", reply)
}

func TestServer_SplitsLines(t *testing.T) {
	srv, _ := startServer(t)

	c, err := Dial(context.Background(), srv.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send("status\r\n  getTemps  \n\nbogus"))
	reqs := drainUntil(t, srv.Queue(), 3)
	assert.Equal(t, KindStatus, reqs[0].Command.Kind)
	assert.Equal(t, KindGetTemps, reqs[1].Command.Kind)
	assert.Equal(t, "bogus", reqs[2].Command.Raw)
}

func TestServer_ClientsAreIndependent(t *testing.T) {
	srv, _ := startServer(t)

	a, err := Dial(context.Background(), srv.Addr().String())
	require.NoError(t, err)
	defer a.Close()
	b, err := Dial(context.Background(), srv.Addr().String())
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Send("status"))
	require.NoError(t, b.Send("getTemps"))
	reqs := drainUntil(t, srv.Queue(), 2)
	assert.NotEqual(t, reqs[0].Client, reqs[1].Client)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return srv.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	for _, r := range reqs {
		if r.Command.Kind == KindGetTemps {
			require.NoError(t, srv.SendToClient(r.Client, "Temps:78.0,72.0"))
		}
	}
	reply, err := b.ReadReply(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Temps:78.0,72.0", reply)
}

func TestServer_SendToUnknownClient(t *testing.T) {
	srv, _ := startServer(t)
	assert.ErrorIs(t, srv.SendToClient("nope", "x"), ErrUnknownClient)
}

func TestServer_CloseClient(t *testing.T) {
	srv, _ := startServer(t)

	c, err := Dial(context.Background(), srv.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Send("shut_down"))
	reqs := drainUntil(t, srv.Queue(), 1)

	srv.CloseClient(reqs[0].Client)
	assert.Equal(t, 0, srv.Clients())
	_, err = c.ReadReply(time.Second)
	assert.Error(t, err)
}

func TestServer_CommandSplitAcrossReads(t *testing.T) {
	srv, _ := startServer(t)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("Turn"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	_, err = conn.Write([]byte("OnAC\n"))
	require.NoError(t, err)

	reqs := drainUntil(t, srv.Queue(), 1)
	time.Sleep(50 * time.Millisecond)
	reqs = append(reqs, srv.Queue().Drain()...)
	require.Len(t, reqs, 1)
	assert.Equal(t, KindTurnOn, reqs[0].Command.Kind)
}

func TestServer_BareCommandAfterPause(t *testing.T) {
	srv, _ := startServer(t)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("AC_Status"))
	require.NoError(t, err)

	reqs := drainUntil(t, srv.Queue(), 1)
	require.Len(t, reqs, 1)
	assert.Equal(t, KindACStatus, reqs[0].Command.Kind)

	// connection stays usable for the reply
	require.NoError(t, srv.SendToClient(reqs[0].Client, "AC is OFF"))
	buf := make([]byte, 32)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "AC is OFF\n", string(buf[:n]))
}

func TestServer_BareCommandAtDisconnect(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LineIdleTimeout = time.Minute
	srv, _ := startServerWith(t, cfg)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("getTemps"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	reqs := drainUntil(t, srv.Queue(), 1)
	assert.Equal(t, KindGetTemps, reqs[0].Command.Kind)
}

func TestServer_OversizeFragmentIsOneCommand(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadBufferSize = 8
	cfg.LineIdleTimeout = time.Minute
	srv, _ := startServerWith(t, cfg)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("abcdefghijkl"))
	require.NoError(t, err)

	reqs := drainUntil(t, srv.Queue(), 1)
	assert.Equal(t, KindUnknown, reqs[0].Command.Kind)
	assert.Equal(t, "abcdefghijkl", reqs[0].Command.Raw)
}

// failingListener fails every Accept with a non-closed error.
type failingListener struct {
	closed atomic.Bool
}

func (l *failingListener) Accept() (net.Conn, error) {
	if l.closed.Load() {
		return nil, net.ErrClosed
	}
	return nil, errors.New("too many open files")
}

func (l *failingListener) Close() error {
	l.closed.Store(true)
	return nil
}

func (l *failingListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func TestServer_AcceptFailuresCloseListener(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAcceptRetries = 2
	srv := NewServer(cfg, zap.NewNop())
	lis := &failingListener{}
	srv.listener = lis

	err := srv.Serve(context.Background())
	assert.ErrorIs(t, err, ErrAcceptFailed)
	assert.True(t, lis.closed.Load())
}
