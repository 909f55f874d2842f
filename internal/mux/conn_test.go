package mux

import (
	"errors"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/btmux/internal/protocol/frame"
	"github.com/danmuck/btmux/internal/testutil/testlog"
)

func newTestConn(limits frame.Limits) (*Conn, *fakeStream) {
	s := &fakeStream{fd: 42, remote: "test"}
	return newConn(1, s, limits, time.Time{}), s
}

// feed delivers each chunk followed by one readiness call and returns the last outcome.
func feed(t *testing.T, c *Conn, s *fakeStream, chunks [][]byte) ReadOutcome {
	t.Helper()
	out := Partial
	for i, chunk := range chunks {
		s.deliver(chunk...)
		var err error
		out, err = c.onReadable()
		require.NoError(t, err)
		if i < len(chunks)-1 {
			require.Equal(t, Partial, out, "chunk %d", i)
		}
	}
	return out
}

func TestConnReassemblesRegardlessOfChunking(t *testing.T) {
	testlog.Start(t)

	body := []byte("le audio isoc payload")
	wire := encode(t, 0x0201, 0x0040, body)

	for size := 1; size <= len(wire); size++ {
		c, s := newTestConn(frame.Limits{MaxBody: 64})
		var chunks [][]byte
		for off := 0; off < len(wire); off += size {
			end := min(off+size, len(wire))
			chunks = append(chunks, wire[off:end])
		}

		require.Equal(t, FrameReady, feed(t, c, s, chunks), "chunk size %d", size)
		msg, ok := c.Held()
		require.True(t, ok)
		assert.Equal(t, uint16(0x0201), msg.Type)
		assert.Equal(t, uint16(0x0040), msg.Channel)
		assert.Equal(t, body, msg.Body, "chunk size %d", size)
	}
}

func TestConnReassemblesRandomSplits(t *testing.T) {
	testlog.Start(t)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		body := make([]byte, rng.Intn(65))
		rng.Read(body)
		wire := encode(t, uint16(rng.Intn(1<<16)), uint16(rng.Intn(1<<16)), body)

		var chunks [][]byte
		for off := 0; off < len(wire); {
			n := 1 + rng.Intn(len(wire)-off)
			chunks = append(chunks, wire[off:off+n])
			off += n
		}

		c, s := newTestConn(frame.Limits{MaxBody: 64})
		require.Equal(t, FrameReady, feed(t, c, s, chunks))
		msg, _ := c.Held()
		assert.Equal(t, wire[frame.HeaderLen:], msg.Body)
		assert.Equal(t, len(wire), c.BytesRead())
	}
}

func TestConnStateAfterHeaderAndPartialBody(t *testing.T) {
	testlog.Start(t)

	c, s := newTestConn(frame.Limits{MaxBody: 64})
	require.Equal(t, AwaitingHeader, c.State())
	require.Equal(t, frame.HeaderLen, c.Remaining())

	s.deliver(0x01, 0x00, 0x05, 0x00)
	out, err := c.onReadable()
	require.NoError(t, err)
	assert.Equal(t, Partial, out)
	assert.Equal(t, AwaitingHeader, c.State())
	assert.Equal(t, 2, c.Remaining())
	assert.Equal(t, 4, c.BytesRead())

	s.deliver(0x02, 0x00)
	out, err = c.onReadable()
	require.NoError(t, err)
	assert.Equal(t, Partial, out)
	assert.Equal(t, AwaitingBody, c.State())
	assert.Equal(t, 2, c.Remaining())

	s.deliver(0xAA, 0xBB)
	out, err = c.onReadable()
	require.NoError(t, err)
	assert.Equal(t, FrameReady, out)
	assert.Equal(t, FrameAssembled, c.State())
	assert.Equal(t, 0, c.Remaining())

	c.resetForNextFrame()
	assert.Equal(t, AwaitingHeader, c.State())
	assert.Equal(t, frame.HeaderLen, c.Remaining())
	assert.Equal(t, 0, c.BytesRead())
	_, held := c.Held()
	assert.False(t, held)
}

func TestConnReadsOnlyCurrentFrame(t *testing.T) {
	testlog.Start(t)

	c, s := newTestConn(frame.Limits{MaxBody: 64})
	first := encode(t, 1, 1, []byte{0x01})
	second := encode(t, 2, 2, []byte{0x02, 0x03})
	s.deliver(append(first, second...)...)

	out, err := c.onReadable()
	require.NoError(t, err)
	require.Equal(t, FrameReady, out)
	assert.Equal(t, len(second), s.unread())

	c.resetForNextFrame()
	out, err = c.onReadable()
	require.NoError(t, err)
	require.Equal(t, FrameReady, out)
	msg, _ := c.Held()
	assert.Equal(t, uint16(2), msg.Type)
	assert.Equal(t, []byte{0x02, 0x03}, msg.Body)
}

func TestConnZeroLengthBodyIsReadyAtHeader(t *testing.T) {
	testlog.Start(t)

	c, s := newTestConn(frame.Limits{MaxBody: 64})
	s.deliver(encode(t, 9, 3, nil)...)
	out, err := c.onReadable()
	require.NoError(t, err)
	require.Equal(t, FrameReady, out)
	msg, ok := c.Held()
	require.True(t, ok)
	assert.Equal(t, uint16(9), msg.Type)
	assert.Empty(t, msg.Body)
}

func TestConnRejectsOversizedBodyBeforeCopy(t *testing.T) {
	testlog.Start(t)

	c, s := newTestConn(frame.Limits{MaxBody: 4})
	hb := frame.EncodeHeader(frame.Header{MessageType: 1, ChannelID: 1, BodyLen: 5})
	s.deliver(hb[:]...)
	s.deliver(0xDE, 0xAD, 0xBE, 0xEF, 0x99)

	out, err := c.onReadable()
	assert.Equal(t, Closed, out)
	assert.ErrorIs(t, err, frame.ErrBodyTooLarge)
	assert.Equal(t, 5, s.unread())
	assert.Equal(t, make([]byte, 4), c.buf[frame.HeaderLen:])
}

func TestConnDistinguishesWouldBlockFromEOF(t *testing.T) {
	testlog.Start(t)

	c, s := newTestConn(frame.Limits{MaxBody: 64})
	out, err := c.onReadable()
	require.NoError(t, err)
	assert.Equal(t, Partial, out)

	s.eof = true
	out, err = c.onReadable()
	assert.Equal(t, Closed, out)
	assert.ErrorIs(t, err, io.EOF)

	c, s = newTestConn(frame.Limits{MaxBody: 64})
	s.readErr = errors.New("connection reset by peer")
	out, err = c.onReadable()
	assert.Equal(t, Closed, out)
	assert.EqualError(t, err, "connection reset by peer")
}

func TestConnEOFMidBodyCloses(t *testing.T) {
	testlog.Start(t)

	c, s := newTestConn(frame.Limits{MaxBody: 64})
	s.deliver(encode(t, 1, 1, []byte{1, 2, 3, 4})[:8]...)
	out, err := c.onReadable()
	require.NoError(t, err)
	require.Equal(t, Partial, out)
	require.Equal(t, AwaitingBody, c.State())

	s.eof = true
	out, err = c.onReadable()
	assert.Equal(t, Closed, out)
	assert.ErrorIs(t, err, io.EOF)
}

func TestConnCountsBytesAndFrames(t *testing.T) {
	testlog.Start(t)

	c, s := newTestConn(frame.Limits{MaxBody: 64})
	s.deliver(encode(t, 1, 1, []byte{1, 2, 3})...)
	_, err := c.onReadable()
	require.NoError(t, err)

	st := c.Stats()
	assert.Equal(t, uint64(9), st.BytesIn)
	assert.Equal(t, uint64(1), st.FramesIn)
}
