package mux

import (
	"errors"
	"fmt"
)

// ErrWouldBlock is returned by non-blocking handles when no data or pending
// connection is available yet. It is distinct from io.EOF, which ends a stream.
var ErrWouldBlock = errors.New("mux: operation would block")

// ConnID identifies one accepted client connection for the life of the daemon.
type ConnID uint64

// Handle is anything the reactor can watch for read readiness.
type Handle interface {
	Fd() int
}

// Stream is one accepted, non-blocking client endpoint.
//
// Read returns (0, ErrWouldBlock) or (0, nil) when nothing is available yet and
// (0, io.EOF) once the peer has closed. Write may return a short count together
// with ErrWouldBlock when the kernel buffer is full.
type Stream interface {
	Handle
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	RemoteAddr() string
}

// Listener yields non-blocking streams. Accept returns ErrWouldBlock when no
// connection is pending.
type Listener interface {
	Handle
	Accept() (Stream, error)
	Close() error
	Addr() string
}

// Reactor delivers read-readiness callbacks on a single goroutine. Register and
// Unregister must be callable from inside a callback.
type Reactor interface {
	Register(h Handle, onReadable func()) error
	Unregister(h Handle) error
}

// Message is one assembled frame as seen by the upstream handler.
type Message struct {
	Type    uint16
	Channel uint16
	Body    []byte
}

// Result is the upstream verdict on one dispatched frame.
type Result int

const (
	// Accepted means the handler took ownership of the frame contents.
	Accepted Result = iota
	// Busy means the handler cannot take the frame now; the connection is parked.
	Busy
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Busy:
		return "busy"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Handler is the upstream packet handler. All methods are called on the reactor
// goroutine and must not block. Message.Body aliases the connection buffer and
// is only valid until Dispatch returns.
type Handler interface {
	Dispatch(id ConnID, msg Message) Result
	ClientConnected(id ConnID)
	ClientDisconnected(id ConnID)
}
