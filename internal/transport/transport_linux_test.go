//go:build linux

package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/danmuck/btmux/internal/mux"
	"github.com/danmuck/btmux/internal/testutil/testlog"
)

func startLoop(t *testing.T) (*Loop, context.CancelFunc) {
	t.Helper()
	loop, err := NewLoop()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("loop did not stop")
		}
		assert.NoError(t, loop.Close())
	})
	return loop, cancel
}

func socketPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	a, b := newConn(fds[0], "pair-a"), newConn(fds[1], "pair-b")
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestLoopCallRunsPostedWork(t *testing.T) {
	testlog.Start(t)
	loop, _ := startLoop(t)

	ran := 0
	for i := 0; i < 3; i++ {
		require.NoError(t, loop.Call(context.Background(), func() { ran++ }))
	}
	assert.Equal(t, 3, ran)
}

func TestLoopRunTwice(t *testing.T) {
	testlog.Start(t)
	loop, _ := startLoop(t)

	require.NoError(t, loop.Call(context.Background(), func() {}))
	assert.ErrorIs(t, loop.Run(context.Background()), ErrLoopRunning)
}

func TestLoopDispatchesReadiness(t *testing.T) {
	testlog.Start(t)
	loop, _ := startLoop(t)
	local, peer := socketPair(t)

	got := make(chan []byte, 4)
	var regErr error
	require.NoError(t, loop.Call(context.Background(), func() {
		regErr = loop.Register(local, func() {
			buf := make([]byte, 16)
			n, err := local.Read(buf)
			if err == nil {
				got <- buf[:n]
			}
		})
	}))
	require.NoError(t, regErr)

	_, err := peer.Write([]byte("ping"))
	require.NoError(t, err)

	select {
	case b := <-got:
		assert.Equal(t, []byte("ping"), b)
	case <-time.After(2 * time.Second):
		t.Fatal("no readiness callback")
	}

	require.NoError(t, loop.Call(context.Background(), func() {
		regErr = loop.Unregister(local)
	}))
	require.NoError(t, regErr)
	require.NoError(t, loop.Call(context.Background(), func() {
		regErr = loop.Unregister(local)
	}))
	assert.Error(t, regErr)
}

func TestLoopCallAfterStop(t *testing.T) {
	testlog.Start(t)
	loop, err := NewLoop()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, loop.Run(ctx))
	assert.ErrorIs(t, loop.Call(context.Background(), func() {}), ErrLoopClosed)

	require.NoError(t, loop.Close())
	assert.ErrorIs(t, loop.Post(func() {}), ErrLoopClosed)
}

func TestConnReadWouldBlockThenEOF(t *testing.T) {
	testlog.Start(t)
	local, peer := socketPair(t)

	buf := make([]byte, 8)
	n, err := local.Read(buf)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, mux.ErrWouldBlock)

	_, err = peer.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	n, err = local.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, buf[:n])

	require.NoError(t, peer.Close())
	n, err = local.Read(buf)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestConnWriteReportsWouldBlock(t *testing.T) {
	testlog.Start(t)
	local, _ := socketPair(t)

	chunk := make([]byte, 64*1024)
	var err error
	for i := 0; i < 1024 && err == nil; i++ {
		_, err = local.Write(chunk)
	}
	assert.ErrorIs(t, err, mux.ErrWouldBlock)
}

func TestConnWriteToClosedPeer(t *testing.T) {
	testlog.Start(t)
	local, peer := socketPair(t)
	require.NoError(t, peer.Close())

	_, err := local.Write([]byte("x"))
	assert.ErrorIs(t, err, unix.EPIPE)
}

func TestListenerAcceptTCP(t *testing.T) {
	testlog.Start(t)
	ln, err := Listen("tcp", "127.0.0.1:0", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	assert.NotEqual(t, "127.0.0.1:0", ln.Addr())

	_, err = ln.Accept()
	assert.ErrorIs(t, err, mux.ErrWouldBlock)

	client, err := net.Dial("tcp", ln.Addr())
	require.NoError(t, err)
	defer client.Close()

	var stream mux.Stream
	require.Eventually(t, func() bool {
		stream, err = ln.Accept()
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	defer stream.Close()
	assert.Equal(t, client.LocalAddr().String(), stream.RemoteAddr())

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	var n int
	require.Eventually(t, func() bool {
		n, err = stream.Read(buf)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "hello", string(buf[:n]))

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool {
		_, err = stream.Read(buf)
		return errors.Is(err, io.EOF)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestListenAddrInUse(t *testing.T) {
	testlog.Start(t)
	ln, err := Listen("tcp", "127.0.0.1:0", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	_, err = Listen("tcp", ln.Addr(), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAddrInUse)
	assert.ErrorIs(t, err, unix.EADDRINUSE)
	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, "bind", bindErr.Op)
}

func TestListenUnsupportedNetwork(t *testing.T) {
	testlog.Start(t)
	_, err := Listen("udp", "127.0.0.1:0", 0)
	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Nil(t, bindErr.Kind)
}

func TestListenUnixReplacesStaleSocket(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "btmux.sock")

	stale, err := net.Listen("unix", path)
	require.NoError(t, err)
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, stale.Close())
	_, err = os.Stat(path)
	require.NoError(t, err)

	ln, err := Listen("unix", path, 0)
	require.NoError(t, err)
	assert.Equal(t, path, ln.Addr())

	client, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, ln.Close())
	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestListenUnixRefusesLiveSocket(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "btmux.sock")
	ln, err := Listen("unix", path, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	_, err = Listen("unix", path, 0)
	assert.ErrorIs(t, err, ErrAddrInUse)
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestListenUnixRefusesRegularFile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "not-a-socket")
	require.NoError(t, os.WriteFile(path, []byte("keep"), 0o600))

	_, err := Listen("unix", path, 0)
	require.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
}
