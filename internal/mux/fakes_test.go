package mux

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/btmux/internal/protocol/frame"
	"github.com/danmuck/btmux/internal/testutil/testlog"
)

type fakeReactor struct {
	handlers    map[int]func()
	registerErr error
	registers   int
}

func newFakeReactor() *fakeReactor {
	return &fakeReactor{handlers: make(map[int]func())}
}

func (r *fakeReactor) Register(h Handle, onReadable func()) error {
	if r.registerErr != nil {
		return r.registerErr
	}
	if _, ok := r.handlers[h.Fd()]; ok {
		return fmt.Errorf("fd %d already registered", h.Fd())
	}
	r.registers++
	r.handlers[h.Fd()] = onReadable
	return nil
}

func (r *fakeReactor) Unregister(h Handle) error {
	if _, ok := r.handlers[h.Fd()]; !ok {
		return errors.New("not registered")
	}
	delete(r.handlers, h.Fd())
	return nil
}

func (r *fakeReactor) attached(h Handle) bool {
	_, ok := r.handlers[h.Fd()]
	return ok
}

// fire delivers one readiness notification, as a level-triggered loop would.
func (r *fakeReactor) fire(h Handle) bool {
	fn, ok := r.handlers[h.Fd()]
	if ok {
		fn()
	}
	return ok
}

type fakeStream struct {
	fd       int
	remote   string
	chunks   [][]byte
	eof      bool
	readErr  error
	written  bytes.Buffer
	writes   int
	writeErr error
	closed   bool
}

func (s *fakeStream) Fd() int            { return s.fd }
func (s *fakeStream) RemoteAddr() string { return s.remote }

func (s *fakeStream) deliver(b ...byte) {
	s.chunks = append(s.chunks, append([]byte(nil), b...))
}

func (s *fakeStream) unread() int {
	n := 0
	for _, c := range s.chunks {
		n += len(c)
	}
	return n
}

func (s *fakeStream) Read(p []byte) (int, error) {
	if len(s.chunks) == 0 {
		switch {
		case s.readErr != nil:
			return 0, s.readErr
		case s.eof:
			return 0, io.EOF
		default:
			return 0, ErrWouldBlock
		}
	}
	n := copy(p, s.chunks[0])
	s.chunks[0] = s.chunks[0][n:]
	if len(s.chunks[0]) == 0 {
		s.chunks = s.chunks[1:]
	}
	return n, nil
}

func (s *fakeStream) Write(p []byte) (int, error) {
	s.writes++
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return s.written.Write(p)
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeListener struct {
	fd        int
	pending   []Stream
	acceptErr error
	accepts   int
	closed    bool
}

func (l *fakeListener) Fd() int      { return l.fd }
func (l *fakeListener) Addr() string { return "fake:listener" }
func (l *fakeListener) Close() error {
	l.closed = true
	return nil
}

func (l *fakeListener) Accept() (Stream, error) {
	l.accepts++
	if l.acceptErr != nil {
		return nil, l.acceptErr
	}
	if len(l.pending) == 0 {
		return nil, ErrWouldBlock
	}
	s := l.pending[0]
	l.pending = l.pending[1:]
	return s, nil
}

type dispatched struct {
	id  ConnID
	msg Message
}

type recordingHandler struct {
	verdict      func(id ConnID, msg Message) Result
	dispatched   []dispatched
	attempts     []ConnID
	connected    []ConnID
	disconnected []ConnID
}

func (h *recordingHandler) Dispatch(id ConnID, msg Message) Result {
	h.attempts = append(h.attempts, id)
	res := Accepted
	if h.verdict != nil {
		res = h.verdict(id, msg)
	}
	if res == Accepted {
		msg.Body = append([]byte(nil), msg.Body...)
		h.dispatched = append(h.dispatched, dispatched{id: id, msg: msg})
	}
	return res
}

func (h *recordingHandler) ClientConnected(id ConnID)    { h.connected = append(h.connected, id) }
func (h *recordingHandler) ClientDisconnected(id ConnID) { h.disconnected = append(h.disconnected, id) }

func (h *recordingHandler) order() []ConnID {
	out := make([]ConnID, 0, len(h.dispatched))
	for _, d := range h.dispatched {
		out = append(out, d.id)
	}
	return out
}

type harness struct {
	t       *testing.T
	reactor *fakeReactor
	handler *recordingHandler
	ln      *fakeListener
	clock   *clock.Mock
	mux     *Mux
	nextFd  int
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	testlog.Start(t)

	h := &harness{
		t:       t,
		reactor: newFakeReactor(),
		handler: &recordingHandler{},
		ln:      &fakeListener{fd: 3},
		clock:   clock.NewMock(),
		nextFd:  10,
	}
	cfg := Config{Limits: frame.Limits{MaxBody: 64}, Clock: h.clock}
	if mutate != nil {
		mutate(&cfg)
	}
	h.mux = New(h.reactor, h.handler, cfg)
	_, err := h.mux.Listen(h.ln)
	require.NoError(t, err)
	return h
}

// connect queues one client on the listener, fires the listener and returns the
// admitted connection.
func (h *harness) connect() (*Conn, *fakeStream) {
	h.t.Helper()
	s := &fakeStream{fd: h.nextFd, remote: fmt.Sprintf("client-%d", h.nextFd)}
	h.nextFd++
	h.ln.pending = append(h.ln.pending, s)
	require.True(h.t, h.reactor.fire(h.ln))
	c, ok := h.mux.Conn(h.mux.nextID)
	require.True(h.t, ok)
	require.Same(h.t, s, c.stream)
	return c, s
}

// send delivers raw bytes and one readiness notification.
func (h *harness) send(s *fakeStream, b ...byte) {
	h.t.Helper()
	s.deliver(b...)
	h.reactor.fire(s)
}

func encode(t *testing.T, typ, ch uint16, body []byte) []byte {
	t.Helper()
	out, err := frame.AppendFrame(nil, typ, ch, body)
	require.NoError(t, err)
	return out
}
