//go:build linux

package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/danmuck/btmux/internal/mux"
)

const DefaultBacklog = 128

// Listener is a non-blocking stream listener on a raw descriptor.
type Listener struct {
	fd      int
	network string
	addr    string
	path    string
	closed  bool
}

// Listen opens a non-blocking listener. network is "unix", "tcp", "tcp4" or
// "tcp6". A stale unix socket file at address is removed first.
func Listen(network, address string, backlog int) (*Listener, error) {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	switch network {
	case "unix":
		return listenUnix(address, backlog)
	case "tcp", "tcp4", "tcp6":
		return listenTCP(network, address, backlog)
	default:
		return nil, &BindError{Op: "listen", Addr: address, Err: fmt.Errorf("unsupported network %q", network)}
	}
}

func listenUnix(path string, backlog int) (*Listener, error) {
	if err := removeStaleSocket(path); err != nil {
		return nil, bindError("listen", path, err)
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, bindError("socket", path, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, bindError("bind", path, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		_ = os.Remove(path)
		return nil, bindError("listen", path, err)
	}
	return &Listener{fd: fd, network: "unix", addr: path, path: path}, nil
}

// removeStaleSocket deletes a leftover socket file nobody is listening on.
// A live socket or any other file at path is left alone and reported.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if conn, err := net.DialTimeout("unix", path, 100*time.Millisecond); err == nil {
		_ = conn.Close()
		return unix.EADDRINUSE
	}
	return os.Remove(path)
}

func listenTCP(network, address string, backlog int) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return nil, &BindError{Op: "resolve", Addr: address, Err: err}
	}
	family, sa, err := tcpSockaddr(network, tcpAddr)
	if err != nil {
		return nil, &BindError{Op: "resolve", Addr: address, Err: err}
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, bindError("socket", address, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, bindError("setsockopt", address, err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, bindError("bind", address, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, bindError("listen", address, err)
	}
	bound := address
	if local, err := unix.Getsockname(fd); err == nil {
		bound = sockaddrString(local)
	}
	return &Listener{fd: fd, network: network, addr: bound}, nil
}

func tcpSockaddr(network string, a *net.TCPAddr) (int, unix.Sockaddr, error) {
	ip4 := a.IP.To4()
	if network != "tcp6" && (a.IP == nil || ip4 != nil) {
		sa := &unix.SockaddrInet4{Port: a.Port}
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return unix.AF_INET, sa, nil
	}
	if network == "tcp4" {
		return 0, nil, fmt.Errorf("%s is not an IPv4 address", a.IP)
	}
	sa := &unix.SockaddrInet6{Port: a.Port}
	copy(sa.Addr[:], a.IP.To16())
	return unix.AF_INET6, sa, nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port))
	case *unix.SockaddrUnix:
		if v.Name == "" {
			return "@unnamed"
		}
		return v.Name
	default:
		return "unknown"
	}
}

func bindError(op, addr string, err error) *BindError {
	var kind error
	switch {
	case errors.Is(err, unix.EADDRINUSE):
		kind = ErrAddrInUse
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		kind = ErrPermission
	case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE),
		errors.Is(err, unix.ENOBUFS), errors.Is(err, unix.ENOMEM):
		kind = ErrResources
	}
	return &BindError{Op: op, Addr: addr, Kind: kind, Err: err}
}

func (l *Listener) Fd() int         { return l.fd }
func (l *Listener) Addr() string    { return l.addr }
func (l *Listener) Network() string { return l.network }

// Accept takes one pending connection. It returns mux.ErrWouldBlock when the
// backlog is empty or the pending peer vanished before it was taken.
func (l *Listener) Accept() (mux.Stream, error) {
	for {
		nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
			if l.network != "unix" {
				_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
			}
			remote := l.network
			if sa != nil {
				remote = sockaddrString(sa)
			}
			return newConn(nfd, remote), nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.ECONNABORTED):
			return nil, mux.ErrWouldBlock
		default:
			return nil, fmt.Errorf("transport: accept on %s: %w", l.addr, err)
		}
	}
}

func (l *Listener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	err := unix.Close(l.fd)
	if l.path != "" {
		if rerr := os.Remove(l.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
			err = rerr
		}
	}
	return err
}

// Conn is one accepted non-blocking client socket.
type Conn struct {
	fd     int
	remote string
	closed bool
}

func newConn(fd int, remote string) *Conn {
	return &Conn{fd: fd, remote: remote}
}

func (c *Conn) Fd() int            { return c.fd }
func (c *Conn) RemoteAddr() string { return c.remote }

func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(c.fd, p)
		switch {
		case err == nil && n == 0:
			return 0, io.EOF
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, mux.ErrWouldBlock
		default:
			return 0, err
		}
	}
}

// Write never raises SIGPIPE; a vanished peer surfaces as EPIPE.
func (c *Conn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.SendmsgN(c.fd, p[written:], nil, nil, unix.MSG_NOSIGNAL)
		if n > 0 {
			written += n
		}
		switch {
		case err == nil:
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			return written, mux.ErrWouldBlock
		default:
			return written, err
		}
	}
	return written, nil
}

func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return unix.Close(c.fd)
}
