package mux

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/danmuck/btmux/internal/backoff"
	"github.com/danmuck/btmux/internal/observability"
)

// Acceptor admits new connections from one listener, one per readiness event.
//
// A hard accept error (descriptor exhaustion, for instance) detaches the
// listener from the reactor. Otherwise a level-triggered loop would fire again
// immediately for the same backlog. Resume re-attaches it once the backoff
// elapses.
type Acceptor struct {
	ln      Listener
	reactor Reactor
	admit   func(Stream)
	retry   *backoff.Backoff
	log     zerolog.Logger
	started bool
	paused  bool
}

func NewAcceptor(ln Listener, reactor Reactor, admit func(Stream), retry *backoff.Backoff, logger zerolog.Logger) *Acceptor {
	return &Acceptor{
		ln:      ln,
		reactor: reactor,
		admit:   admit,
		retry:   retry,
		log:     logger.With().Str("listen_addr", ln.Addr()).Logger(),
	}
}

func (a *Acceptor) Addr() string {
	return a.ln.Addr()
}

// Paused reports whether the listener is detached after an accept error.
func (a *Acceptor) Paused() bool {
	return a.paused
}

// Start attaches the listener to the reactor.
func (a *Acceptor) Start() error {
	if a.started {
		return ErrAlreadyListening
	}
	if err := a.reactor.Register(a.ln, a.OnAcceptable); err != nil {
		return fmt.Errorf("mux: register listener %s: %w", a.ln.Addr(), err)
	}
	a.started = true
	a.log.Info().Msg("accepting clients")
	return nil
}

// OnAcceptable accepts at most one pending connection. A level-triggered
// reactor calls again while the backlog is non-empty.
func (a *Acceptor) OnAcceptable() {
	stream, err := a.ln.Accept()
	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return
		}
		a.pause(err)
		return
	}
	a.retry.Reset()
	a.admit(stream)
}

func (a *Acceptor) pause(cause error) {
	if a.paused || !a.started {
		return
	}
	if err := a.reactor.Unregister(a.ln); err != nil {
		a.log.Error().Err(err).Msg("detach listener failed")
	}
	a.paused = true
	delay := a.retry.Fail()
	observability.RecordAcceptPause()
	a.log.Warn().Err(cause).Int("failures", a.retry.Failures()).Dur("retry_in", delay).Msg("accept failed; listener paused")
}

// Resume re-attaches a paused listener whose backoff has elapsed. It reports
// whether the listener was re-attached.
func (a *Acceptor) Resume() bool {
	if !a.paused || !a.started || !a.retry.Ready() {
		return false
	}
	if err := a.reactor.Register(a.ln, a.OnAcceptable); err != nil {
		delay := a.retry.Fail()
		a.log.Warn().Err(err).Dur("retry_in", delay).Msg("re-attach listener failed")
		return false
	}
	a.paused = false
	a.log.Info().Int("failures", a.retry.Failures()).Msg("listener resumed")
	return true
}

// Stop detaches and closes the listener.
func (a *Acceptor) Stop() error {
	var unregErr error
	if a.started && !a.paused {
		unregErr = a.reactor.Unregister(a.ln)
	}
	a.started = false
	a.paused = false
	if err := a.ln.Close(); err != nil {
		return err
	}
	return unregErr
}
