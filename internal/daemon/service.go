package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/btmux/internal/mux"
	"github.com/danmuck/btmux/internal/observability"
	"github.com/danmuck/btmux/internal/transport"
	"github.com/danmuck/btmux/internal/upstream"
)

// Stats extends the multiplexer snapshot with upstream and uptime details.
type Stats struct {
	mux.Stats
	QueueDepth int    `json:"queue_depth"`
	QueueCap   int    `json:"queue_cap"`
	Driver     string `json:"driver"`
	Uptime     string `json:"uptime"`
}

// Service wires the reactor, listener, multiplexer, upstream queue and admin
// HTTP server into one daemon.
type Service struct {
	cfg    ServiceConfig
	driver upstream.Driver

	// set once before ready is closed
	loop      *transport.Loop
	mux       *mux.Mux
	queue     *upstream.Queue
	addr      string
	adminAddr string
	startedAt time.Time
	ready     chan struct{}
	serving   atomic.Bool

	log zerolog.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	driver, err := upstream.NewDriver(cfg.Driver, cfg.deviceConfig())
	if err != nil {
		return nil, err
	}
	return newService(cfg, driver), nil
}

// NewServiceWithDriver builds a service around an externally constructed driver.
func NewServiceWithDriver(cfg ServiceConfig, driver upstream.Driver) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if driver == nil {
		return nil, upstream.ErrNoDriver
	}
	return newService(cfg, driver), nil
}

func newService(cfg ServiceConfig, driver upstream.Driver) *Service {
	return &Service{
		cfg:    cfg,
		driver: driver,
		ready:  make(chan struct{}),
		log:    observability.Component("daemon"),
	}
}

// Run serves until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Ready is closed once the listener is bound and the reactor is about to run.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Addr is the bound client listener address. Valid after Ready.
func (s *Service) Addr() string {
	return s.addr
}

// AdminAddr is the bound admin HTTP address, empty when admin is disabled.
func (s *Service) AdminAddr() string {
	return s.adminAddr
}

// Serve runs the daemon until ctx is cancelled or a component fails. Bind
// failures are returned as *transport.BindError before anything starts.
func (s *Service) Serve(ctx context.Context) (err error) {
	if !s.serving.CompareAndSwap(false, true) {
		return ErrAlreadyServing
	}
	observability.RegisterMetrics()

	loop, err := transport.NewLoop()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, loop.Close()) }()

	ln, err := transport.Listen(s.cfg.ListenNetwork, s.cfg.ListenAddr, s.cfg.Backlog)
	if err != nil {
		return err
	}

	queue, err := upstream.NewQueue(s.cfg.QueueDepth, s.driver, func() {
		_ = loop.Post(s.retryParked)
	})
	if err != nil {
		_ = ln.Close()
		return err
	}
	m := mux.New(loop, queue, s.cfg.muxConfig())
	if _, err := m.Listen(ln); err != nil {
		_ = ln.Close()
		return err
	}

	var adminLn net.Listener
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		adminLn, err = net.Listen("tcp", addr)
		if err != nil {
			_ = m.Shutdown()
			return err
		}
		s.adminAddr = adminLn.Addr().String()
	}

	s.loop, s.mux, s.queue = loop, m, queue
	s.addr = ln.Addr()
	s.startedAt = time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		runErr := loop.Run(gctx)
		// the reactor has stopped, so this goroutine is now the sole owner of m
		return multierr.Append(runErr, m.Shutdown())
	})
	g.Go(func() error { return queue.Run(gctx) })
	g.Go(func() error { return s.driver.Start(gctx, s.emit) })
	g.Go(func() error { return s.tick(gctx) })
	if adminLn != nil {
		g.Go(func() error { return s.serveAdmin(gctx, adminLn) })
	}

	s.log.Info().
		Str("network", s.cfg.ListenNetwork).
		Str("addr", s.addr).
		Str("admin_addr", s.adminAddr).
		Str("driver", s.driver.Name()).
		Uint16("max_frame_body", s.cfg.MaxFrameBody).
		Msg("btmuxd listening")
	close(s.ready)

	err = g.Wait()
	s.log.Info().Err(err).Msg("btmuxd stopped")
	return err
}

// emit broadcasts one controller event to every live client.
func (s *Service) emit(msg mux.Message) {
	body := append([]byte(nil), msg.Body...)
	err := s.loop.Post(func() {
		if _, err := s.mux.Broadcast(msg.Type, msg.Channel, body); err != nil {
			s.log.Warn().Uint16("type", msg.Type).Err(err).Msg("broadcast rejected")
		}
	})
	if err != nil && !errors.Is(err, transport.ErrLoopClosed) {
		s.log.Warn().Err(err).Msg("broadcast not scheduled")
	}
}

func (s *Service) retryParked() {
	s.mux.RetryParked()
}

// tick retries parked clients and expires stale ones on a fixed interval, in
// case a drain notification raced with parking. It also re-attaches listeners
// paused by accept errors once their backoff elapses.
func (s *Service) tick(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := s.loop.Post(func() {
				s.mux.ExpireParked()
				s.mux.RetryParked()
				s.mux.ResumeAccepting()
			})
			if errors.Is(err, transport.ErrLoopClosed) {
				return nil
			}
		}
	}
}

func (s *Service) serveAdmin(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info().Str("admin_addr", ln.Addr().String()).Msg("admin listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// call runs fn on the reactor goroutine.
func (s *Service) call(ctx context.Context, fn func()) error {
	select {
	case <-s.ready:
	default:
		return ErrNotRunning
	}
	if err := s.loop.Call(ctx, fn); err != nil {
		if errors.Is(err, transport.ErrLoopClosed) {
			return ErrNotRunning
		}
		return err
	}
	return nil
}

func (s *Service) Broadcast(ctx context.Context, messageType, channelID uint16, body []byte) (int, error) {
	var (
		n      int
		bcErr  error
		copied = append([]byte(nil), body...)
	)
	if err := s.call(ctx, func() { n, bcErr = s.mux.Broadcast(messageType, channelID, copied) }); err != nil {
		return 0, err
	}
	return n, bcErr
}

func (s *Service) Clients(ctx context.Context) ([]mux.ConnInfo, error) {
	var out []mux.ConnInfo
	err := s.call(ctx, func() { out = s.mux.Clients() })
	return out, err
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var st mux.Stats
	if err := s.call(ctx, func() { st = s.mux.Stats() }); err != nil {
		return Stats{}, err
	}
	return Stats{
		Stats:      st,
		QueueDepth: s.queue.Len(),
		QueueCap:   s.queue.Cap(),
		Driver:     s.driver.Name(),
		Uptime:     time.Since(s.startedAt).Round(time.Millisecond).String(),
	}, nil
}

func (s *Service) CloseClient(ctx context.Context, id mux.ConnID) error {
	var closeErr error
	if err := s.call(ctx, func() { closeErr = s.mux.CloseConn(id) }); err != nil {
		return err
	}
	if closeErr != nil && !errors.Is(closeErr, mux.ErrConnNotFound) {
		// the client is gone either way; the close error is only logged
		s.log.Debug().Uint64("conn_id", uint64(id)).Err(closeErr).Msg("close after admin disconnect")
		return nil
	}
	return closeErr
}

// RetryParked runs one retry pass and reports whether clients remain parked.
func (s *Service) RetryParked(ctx context.Context) (bool, error) {
	var pending bool
	err := s.call(ctx, func() { pending = s.mux.RetryParked() })
	return pending, err
}
