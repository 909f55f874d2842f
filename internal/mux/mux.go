package mux

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/danmuck/btmux/internal/backoff"
	"github.com/danmuck/btmux/internal/observability"
	"github.com/danmuck/btmux/internal/protocol/frame"
)

// Config bounds per-connection memory and parking behaviour.
type Config struct {
	Limits frame.Limits
	// MaxParked caps the parked queue; a Busy result beyond it disconnects the
	// client with ErrParkedQueueFull. Zero means unbounded.
	MaxParked int
	// ParkTimeout disconnects clients parked longer than this on ExpireParked.
	// Zero disables expiry.
	ParkTimeout time.Duration
	// AcceptBackoff spaces out re-attaching a listener paused by an accept
	// error. A zero InitialDelay selects DefaultAcceptBackoff.
	AcceptBackoff backoff.Config
	Clock         clock.Clock
}

func DefaultConfig() Config {
	return Config{
		Limits:        frame.DefaultLimits(),
		AcceptBackoff: DefaultAcceptBackoff(),
		Clock:         clock.New(),
	}
}

func DefaultAcceptBackoff() backoff.Config {
	return backoff.Config{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
}

// Stats is a point-in-time summary of the multiplexer.
type Stats struct {
	Live         int      `json:"live"`
	Parked       int      `json:"parked"`
	Accepted     uint64   `json:"accepted"`
	Disconnected uint64   `json:"disconnected"`
	Listeners    []string `json:"listeners"`
	// PausedListeners lists listeners detached after an accept error.
	PausedListeners []string `json:"paused_listeners,omitempty"`
}

// Mux owns the registry and parked queue for one daemon instance. Every method
// must run on the reactor goroutine.
type Mux struct {
	cfg       Config
	reactor   Reactor
	handler   Handler
	registry  *Registry
	parked    *ParkedQueue
	acceptors []*Acceptor
	nextID    ConnID
	accepted  uint64
	closed    uint64
	shutdown  bool
	log       zerolog.Logger
}

func New(reactor Reactor, handler Handler, cfg Config) *Mux {
	if cfg.Limits.MaxBody == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.AcceptBackoff.InitialDelay <= 0 {
		cfg.AcceptBackoff = DefaultAcceptBackoff()
	}
	m := &Mux{
		cfg:     cfg,
		reactor: reactor,
		handler: handler,
		log:     observability.Component("mux"),
	}
	m.registry = NewRegistry(reactor, m.HandleReadable, m.log)
	m.parked = NewParkedQueue(m.registry, cfg.Clock, func(c *Conn, err error) {
		m.teardown(c, err)
	})
	return m
}

func (m *Mux) Registry() *Registry {
	return m.registry
}

func (m *Mux) Parked() *ParkedQueue {
	return m.parked
}

// Listen starts accepting clients from ln.
func (m *Mux) Listen(ln Listener) (*Acceptor, error) {
	if m.shutdown {
		return nil, ErrShutdown
	}
	a := NewAcceptor(ln, m.reactor, m.admit, backoff.New(m.cfg.AcceptBackoff, m.cfg.Clock, nil), m.log)
	if err := a.Start(); err != nil {
		return nil, err
	}
	m.acceptors = append(m.acceptors, a)
	return a, nil
}

// ResumeAccepting re-attaches paused listeners whose backoff has elapsed and
// returns how many were re-attached.
func (m *Mux) ResumeAccepting() int {
	if m.shutdown {
		return 0
	}
	n := 0
	for _, a := range m.acceptors {
		if a.Resume() {
			n++
		}
	}
	return n
}

func (m *Mux) admit(stream Stream) {
	if m.shutdown {
		_ = stream.Close()
		return
	}
	m.nextID++
	c := newConn(m.nextID, stream, m.cfg.Limits, m.cfg.Clock.Now())
	if err := m.registry.Add(c); err != nil {
		m.log.Warn().Uint64("conn_id", uint64(c.id)).Str("remote", stream.RemoteAddr()).Err(err).Msg("admit failed")
		_ = stream.Close()
		return
	}
	m.accepted++
	observability.RecordAccept()
	m.syncGauges()
	m.log.Info().Uint64("conn_id", uint64(c.id)).Str("remote", stream.RemoteAddr()).Msg("client connected")
	m.handler.ClientConnected(c.id)
}

// Conn looks a connection up in either collection.
func (m *Mux) Conn(id ConnID) (*Conn, bool) {
	if c, ok := m.registry.Get(id); ok {
		return c, true
	}
	return m.parked.Get(id)
}

// HandleReadable is the reactor callback for a live connection.
func (m *Mux) HandleReadable(c *Conn) {
	outcome, err := c.onReadable()
	switch outcome {
	case Closed:
		if err == nil {
			err = io.EOF
		}
		m.teardown(c, err)
	case Partial:
	case FrameReady:
		m.dispatch(c)
	}
}

func (m *Mux) dispatch(c *Conn) {
	res := m.offer(c, "first")
	if c.closed {
		return
	}
	switch res {
	case Accepted:
		c.resetForNextFrame()
	case Busy:
		m.park(c)
	}
}

// offer hands the held frame to the upstream handler without moving c.
func (m *Mux) offer(c *Conn, attempt string) Result {
	msg, ok := c.Held()
	if !ok {
		return Accepted
	}
	res := m.handler.Dispatch(c.id, msg)
	switch res {
	case Accepted:
		c.stats.FramesDispatched++
	case Busy:
	default:
		panic(fmt.Sprintf("mux: handler returned invalid result %d", int(res)))
	}
	observability.RecordDispatch(attempt, res.String())
	return res
}

func (m *Mux) park(c *Conn) {
	if m.cfg.MaxParked > 0 && m.parked.Len() >= m.cfg.MaxParked {
		m.teardown(c, ErrParkedQueueFull)
		return
	}
	m.parked.Park(c)
	m.syncGauges()
	m.log.Debug().Uint64("conn_id", uint64(c.id)).Int("parked", m.parked.Len()).Msg("client parked")
}

// RetryParked re-offers every parked frame in parking order. It reports whether
// any connection is still parked, in which case the caller should retry later.
func (m *Mux) RetryParked() bool {
	if m.parked.IsEmpty() {
		return false
	}
	before := m.parked.Len()
	pending := m.parked.RetryAll(func(c *Conn) Result {
		return m.offer(c, "retry")
	})
	m.syncGauges()
	if after := m.parked.Len(); after != before {
		m.log.Debug().Int("unparked", before-after).Int("parked", after).Msg("parked retry pass")
	}
	return pending
}

// ExpireParked disconnects clients parked longer than Config.ParkTimeout.
func (m *Mux) ExpireParked() int {
	expired := m.parked.Expired(m.cfg.ParkTimeout)
	for _, c := range expired {
		m.teardown(c, ErrParkTimeout)
	}
	return len(expired)
}

// Broadcast writes one frame to every live connection. Parked connections are
// skipped. A failed or would-block write disconnects that client only. Bodies
// larger than Limits.MaxBody are refused before any client is written to.
func (m *Mux) Broadcast(messageType, channelID uint16, body []byte) (int, error) {
	if len(body) > int(m.cfg.Limits.MaxBody) {
		return 0, fmt.Errorf("%w: body_len=%d max=%d", frame.ErrBodyTooLarge, len(body), m.cfg.Limits.MaxBody)
	}
	buf, err := frame.AppendFrame(make([]byte, 0, frame.HeaderLen+len(body)), messageType, channelID, body)
	if err != nil {
		return 0, err
	}
	delivered, failed := 0, 0
	m.registry.ForEach(func(c *Conn) {
		if err := writeFull(c.stream, buf); err != nil {
			failed++
			m.teardown(c, err)
			return
		}
		c.stats.FramesOut++
		delivered++
	})
	observability.RecordBroadcast(delivered, failed)
	return delivered, nil
}

func writeFull(s Stream, p []byte) error {
	for len(p) > 0 {
		n, err := s.Write(p)
		p = p[n:]
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return ErrSlowConsumer
			}
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}

// CloseConn disconnects one client on administrative request.
func (m *Mux) CloseConn(id ConnID) error {
	c, ok := m.Conn(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrConnNotFound, id)
	}
	return m.teardown(c, ErrClosedByAdmin)
}

// Shutdown stops every acceptor and disconnects every client.
func (m *Mux) Shutdown() error {
	if m.shutdown {
		return nil
	}
	m.shutdown = true
	var errs error
	for _, a := range m.acceptors {
		errs = multierr.Append(errs, a.Stop())
	}
	m.acceptors = nil
	for _, c := range append(m.registry.Snapshot(), m.parked.Snapshot()...) {
		errs = multierr.Append(errs, m.teardown(c, ErrShutdown))
	}
	return errs
}

// teardown removes c from whichever collection holds it, closes the stream and
// emits the disconnect event. Repeated calls are no-ops.
func (m *Mux) teardown(c *Conn, cause error) error {
	if c.closed {
		return nil
	}
	c.closed = true
	m.registry.Remove(c)
	m.parked.Remove(c)
	closeErr := c.stream.Close()

	reason := disconnectReason(cause)
	m.closed++
	observability.RecordDisconnect(reason)
	m.syncGauges()

	event := m.log.Info()
	if reason == reasonProtocol || reason == reasonIO {
		event = m.log.Warn()
	}
	event.
		Uint64("conn_id", uint64(c.id)).
		Str("remote", c.stream.RemoteAddr()).
		Str("reason", reason).
		AnErr("cause", cause).
		Uint64("frames_in", c.stats.FramesIn).
		Msg("client disconnected")

	m.handler.ClientDisconnected(c.id)
	return closeErr
}

func (m *Mux) Clients() []ConnInfo {
	live := m.registry.Snapshot()
	parked := m.parked.Snapshot()
	out := make([]ConnInfo, 0, len(live)+len(parked))
	for _, c := range live {
		out = append(out, c.info(false))
	}
	for _, c := range parked {
		out = append(out, c.info(true))
	}
	return out
}

func (m *Mux) Stats() Stats {
	listeners := make([]string, 0, len(m.acceptors))
	var paused []string
	for _, a := range m.acceptors {
		listeners = append(listeners, a.Addr())
		if a.Paused() {
			paused = append(paused, a.Addr())
		}
	}
	return Stats{
		Live:            m.registry.Len(),
		Parked:          m.parked.Len(),
		Accepted:        m.accepted,
		Disconnected:    m.closed,
		Listeners:       listeners,
		PausedListeners: paused,
	}
}

func (m *Mux) syncGauges() {
	observability.SetMuxConnections(m.registry.Len(), m.parked.Len())
}

const (
	reasonPeerClosed = "peer_closed"
	reasonProtocol   = "protocol_violation"
	reasonParkedFull = "parked_queue_full"
	reasonParkTime   = "park_timeout"
	reasonAdmin      = "admin"
	reasonShutdown   = "shutdown"
	reasonSlow       = "slow_consumer"
	reasonIO         = "io_error"
)

func disconnectReason(err error) string {
	switch {
	case errors.Is(err, io.EOF):
		return reasonPeerClosed
	case errors.Is(err, frame.ErrBodyTooLarge):
		return reasonProtocol
	case errors.Is(err, ErrParkedQueueFull):
		return reasonParkedFull
	case errors.Is(err, ErrParkTimeout):
		return reasonParkTime
	case errors.Is(err, ErrClosedByAdmin):
		return reasonAdmin
	case errors.Is(err, ErrShutdown):
		return reasonShutdown
	case errors.Is(err, ErrSlowConsumer):
		return reasonSlow
	default:
		return reasonIO
	}
}
