//go:build !linux

package transport

import (
	"context"

	"github.com/danmuck/btmux/internal/mux"
)

const DefaultBacklog = 128

type Loop struct{}

func NewLoop() (*Loop, error) { return nil, ErrUnsupported }

func (l *Loop) Register(mux.Handle, func()) error  { return ErrUnsupported }
func (l *Loop) Unregister(mux.Handle) error        { return ErrUnsupported }
func (l *Loop) Post(func()) error                  { return ErrUnsupported }
func (l *Loop) Call(context.Context, func()) error { return ErrUnsupported }
func (l *Loop) Run(context.Context) error          { return ErrUnsupported }
func (l *Loop) Close() error                       { return nil }

type Listener struct{}

func Listen(network, address string, backlog int) (*Listener, error) {
	return nil, &BindError{Op: "listen", Addr: address, Err: ErrUnsupported}
}

func (l *Listener) Fd() int                     { return -1 }
func (l *Listener) Addr() string                { return "" }
func (l *Listener) Network() string             { return "" }
func (l *Listener) Accept() (mux.Stream, error) { return nil, ErrUnsupported }
func (l *Listener) Close() error                { return nil }
