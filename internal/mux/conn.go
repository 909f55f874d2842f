package mux

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/btmux/internal/observability"
	"github.com/danmuck/btmux/internal/protocol/frame"
)

// ReassemblyState reports where a connection is in the current frame.
type ReassemblyState int

const (
	AwaitingHeader ReassemblyState = iota
	AwaitingBody
	// FrameAssembled holds one complete frame that has not been accepted upstream.
	FrameAssembled
)

func (s ReassemblyState) String() string {
	switch s {
	case AwaitingHeader:
		return "awaiting_header"
	case AwaitingBody:
		return "awaiting_body"
	case FrameAssembled:
		return "frame_assembled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ReadOutcome is the result of one readiness notification on a connection.
type ReadOutcome int

const (
	Partial ReadOutcome = iota
	FrameReady
	Closed
)

func (o ReadOutcome) String() string {
	switch o {
	case Partial:
		return "partial"
	case FrameReady:
		return "frame_ready"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// reassembly is the closed set of per-frame states. Counts never exceed the
// target length because each read is bounded by the remaining slice.
type reassembly interface {
	state() ReassemblyState
}

type awaitingHeader struct {
	filled int
}

type awaitingBody struct {
	header frame.Header
	filled int
}

type assembled struct {
	header frame.Header
}

func (awaitingHeader) state() ReassemblyState { return AwaitingHeader }
func (awaitingBody) state() ReassemblyState   { return AwaitingBody }
func (assembled) state() ReassemblyState      { return FrameAssembled }

// ConnStats are lifetime counters for one connection.
type ConnStats struct {
	BytesIn          uint64 `json:"bytes_in"`
	FramesIn         uint64 `json:"frames_in"`
	FramesDispatched uint64 `json:"frames_dispatched"`
	FramesOut        uint64 `json:"frames_out"`
	Parks            uint64 `json:"parks"`
}

// ConnInfo is a point-in-time view of one connection.
type ConnInfo struct {
	ID          ConnID    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	State       string    `json:"state"`
	Parked      bool      `json:"parked"`
	ConnectedAt time.Time `json:"connected_at"`
	ParkedAt    time.Time `json:"parked_at,omitempty"`
	Stats       ConnStats `json:"stats"`
}

// Conn is one accepted client endpoint and its reassembly buffer. It is owned by
// either the Registry or the ParkedQueue, never both.
type Conn struct {
	id          ConnID
	stream      Stream
	limits      frame.Limits
	buf         []byte
	rs          reassembly
	connectedAt time.Time
	parkedAt    time.Time
	stats       ConnStats
	closed      bool
}

func newConn(id ConnID, stream Stream, limits frame.Limits, now time.Time) *Conn {
	return &Conn{
		id:          id,
		stream:      stream,
		limits:      limits,
		buf:         make([]byte, limits.BufferSize()),
		rs:          awaitingHeader{},
		connectedAt: now,
	}
}

func (c *Conn) ID() ConnID {
	return c.id
}

func (c *Conn) RemoteAddr() string {
	return c.stream.RemoteAddr()
}

func (c *Conn) State() ReassemblyState {
	return c.rs.state()
}

// Remaining is the number of bytes still needed to finish the current header or body.
func (c *Conn) Remaining() int {
	switch st := c.rs.(type) {
	case awaitingHeader:
		return frame.HeaderLen - st.filled
	case awaitingBody:
		return int(st.header.BodyLen) - st.filled
	default:
		return 0
	}
}

// BytesRead is the number of bytes of the current frame held in the buffer.
func (c *Conn) BytesRead() int {
	switch st := c.rs.(type) {
	case awaitingHeader:
		return st.filled
	case awaitingBody:
		return frame.HeaderLen + st.filled
	case assembled:
		return frame.HeaderLen + int(st.header.BodyLen)
	default:
		return 0
	}
}

// Held returns the assembled frame awaiting dispatch, if any. The body aliases
// the connection buffer.
func (c *Conn) Held() (Message, bool) {
	st, ok := c.rs.(assembled)
	if !ok {
		return Message{}, false
	}
	return Message{
		Type:    st.header.MessageType,
		Channel: st.header.ChannelID,
		Body:    c.buf[frame.HeaderLen : frame.HeaderLen+int(st.header.BodyLen)],
	}, true
}

func (c *Conn) Stats() ConnStats {
	return c.stats
}

func (c *Conn) info(parked bool) ConnInfo {
	return ConnInfo{
		ID:          c.id,
		RemoteAddr:  c.stream.RemoteAddr(),
		State:       c.State().String(),
		Parked:      parked,
		ConnectedAt: c.connectedAt,
		ParkedAt:    c.parkedAt,
		Stats:       c.stats,
	}
}

// onReadable pulls at most the bytes needed for the current header or body.
// Completing a non-empty header moves straight on to the body within the same call.
func (c *Conn) onReadable() (ReadOutcome, error) {
	for {
		switch st := c.rs.(type) {
		case assembled:
			return FrameReady, nil

		case awaitingHeader:
			n, err := c.read(c.buf[st.filled:frame.HeaderLen])
			if n == 0 {
				return noProgress(err)
			}
			st.filled += n
			if st.filled < frame.HeaderLen {
				c.rs = st
				return Partial, nil
			}
			h := frame.DecodeHeader([frame.HeaderLen]byte(c.buf[:frame.HeaderLen]))
			if err := frame.Validate(h, c.limits); err != nil {
				c.rs = st
				return Closed, err
			}
			if h.BodyLen == 0 {
				c.rs = assembled{header: h}
				c.stats.FramesIn++
				return FrameReady, nil
			}
			c.rs = awaitingBody{header: h}

		case awaitingBody:
			end := frame.HeaderLen + int(st.header.BodyLen)
			n, err := c.read(c.buf[frame.HeaderLen+st.filled : end])
			if n == 0 {
				return noProgress(err)
			}
			st.filled += n
			if st.filled < int(st.header.BodyLen) {
				c.rs = st
				return Partial, nil
			}
			c.rs = assembled{header: st.header}
			c.stats.FramesIn++
			return FrameReady, nil
		}
	}
}

func (c *Conn) read(p []byte) (int, error) {
	n, err := c.stream.Read(p)
	if n > 0 {
		c.stats.BytesIn += uint64(n)
		observability.AddBytesRead(n)
	}
	return n, err
}

// resetForNextFrame is only valid once the held frame has been accepted upstream.
func (c *Conn) resetForNextFrame() {
	c.rs = awaitingHeader{}
}

// noProgress separates "nothing yet" from end of stream for a zero-byte read.
func noProgress(err error) (ReadOutcome, error) {
	if err == nil || errors.Is(err, ErrWouldBlock) {
		return Partial, nil
	}
	return Closed, err
}
