//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/danmuck/btmux/internal/mux"
	"github.com/danmuck/btmux/internal/observability"
)

const maxEvents = 128

// Loop is a level-triggered epoll reactor. Register, Unregister and every
// readiness callback run on the goroutine inside Run; other goroutines hand
// work to it with Post or Call.
type Loop struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent

	handlers map[int]func()

	mu      sync.Mutex
	posted  []func()
	closed  atomic.Bool
	running atomic.Bool
	done    chan struct{}

	log zerolog.Logger
}

func NewLoop() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("transport: epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("transport: eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("transport: epoll_ctl wakefd: %w", err)
	}
	return &Loop{
		epfd:     epfd,
		wakefd:   wakefd,
		events:   make([]unix.EpollEvent, maxEvents),
		handlers: make(map[int]func()),
		done:     make(chan struct{}),
		log:      observability.Component("reactor"),
	}, nil
}

// Register watches h for read readiness. It must be called before Run or from
// the loop goroutine.
func (l *Loop) Register(h mux.Handle, onReadable func()) error {
	if l.closed.Load() {
		return ErrLoopClosed
	}
	fd := h.Fd()
	if _, ok := l.handlers[fd]; ok {
		return fmt.Errorf("transport: fd %d already registered", fd)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLRDHUP, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("transport: epoll_ctl add fd %d: %w", fd, err)
	}
	l.handlers[fd] = onReadable
	return nil
}

func (l *Loop) Unregister(h mux.Handle) error {
	fd := h.Fd()
	if _, ok := l.handlers[fd]; !ok {
		return fmt.Errorf("transport: fd %d not registered", fd)
	}
	delete(l.handlers, fd)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("transport: epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Post queues fn to run on the loop goroutine and wakes the loop.
func (l *Loop) Post(fn func()) error {
	if l.closed.Load() {
		return ErrLoopClosed
	}
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	return l.wake()
}

// Call runs fn on the loop goroutine and waits for it to return.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrLoopClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) wake() error {
	var one [8]byte
	one[0] = 1
	for {
		_, err := unix.Write(l.wakefd, one[:])
		switch {
		case err == nil, errors.Is(err, unix.EAGAIN):
			// a full counter already guarantees a wakeup
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		default:
			return fmt.Errorf("transport: wake: %w", err)
		}
	}
}

func (l *Loop) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(l.wakefd, buf[:])
		if !errors.Is(err, unix.EINTR) {
			return
		}
	}
}

func (l *Loop) runPosted() {
	l.mu.Lock()
	batch := l.posted
	l.posted = nil
	l.mu.Unlock()
	for _, fn := range batch {
		if fn != nil {
			fn()
		}
	}
}

// Run dispatches readiness until ctx is cancelled. Posted work still queued at
// cancellation runs before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.done)

	var watch sync.WaitGroup
	quit := make(chan struct{})
	watch.Add(1)
	go func() {
		defer watch.Done()
		select {
		case <-ctx.Done():
			_ = l.wake()
		case <-quit:
		}
	}()
	defer func() {
		close(quit)
		watch.Wait()
	}()

	l.log.Debug().Msg("reactor running")
	for {
		if ctx.Err() != nil {
			l.runPosted()
			l.log.Debug().Msg("reactor stopped")
			return nil
		}
		n, err := unix.EpollWait(l.epfd, l.events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("transport: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(l.events[i].Fd)
			if fd == l.wakefd {
				l.drainWake()
				l.runPosted()
				continue
			}
			// looked up per event: an earlier callback in this batch may have
			// unregistered fd
			if fn, ok := l.handlers[fd]; ok {
				fn()
			}
		}
	}
}

// Close releases the epoll and eventfd descriptors. Call it after Run returns.
func (l *Loop) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := unix.Close(l.wakefd)
	if cerr := unix.Close(l.epfd); err == nil {
		err = cerr
	}
	return err
}
