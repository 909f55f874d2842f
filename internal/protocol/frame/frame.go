package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// HeaderLen is the fixed wire header size: type, channel, body length.
	HeaderLen = 6

	// MaxBodyCeiling is the largest body the u16 length field can describe.
	MaxBodyCeiling = math.MaxUint16

	DefaultMaxBody uint16 = 1024
)

var (
	ErrShortHeader  = errors.New("frame: short header")
	ErrBodyTooLarge = errors.New("frame: body too large")
	ErrShortBuffer  = errors.New("frame: destination buffer too small")
)

// Header is the fixed wire header. All fields are little-endian on the wire.
type Header struct {
	MessageType uint16
	ChannelID   uint16
	BodyLen     uint16
}

// Frame is one complete wire message.
type Frame struct {
	Header Header
	Body   []byte
}

// Limits constrains the body size a peer may declare.
type Limits struct {
	MaxBody uint16
}

func DefaultLimits() Limits {
	return Limits{MaxBody: DefaultMaxBody}
}

// BufferSize is the buffer a reader needs to hold one header plus the largest body.
func (l Limits) BufferSize() int {
	return HeaderLen + int(l.MaxBody)
}

// DecodeHeader interprets any six bytes as a header; validity is checked by Validate.
func DecodeHeader(b [HeaderLen]byte) Header {
	return Header{
		MessageType: binary.LittleEndian.Uint16(b[0:2]),
		ChannelID:   binary.LittleEndian.Uint16(b[2:4]),
		BodyLen:     binary.LittleEndian.Uint16(b[4:6]),
	}
}

func EncodeHeader(h Header) [HeaderLen]byte {
	var b [HeaderLen]byte
	binary.LittleEndian.PutUint16(b[0:2], h.MessageType)
	binary.LittleEndian.PutUint16(b[2:4], h.ChannelID)
	binary.LittleEndian.PutUint16(b[4:6], h.BodyLen)
	return b
}

// Validate rejects headers whose declared body does not fit the limits. It must
// run before any body bytes are read into a fixed-size buffer.
func Validate(h Header, limits Limits) error {
	if h.BodyLen > limits.MaxBody {
		return fmt.Errorf("%w: body_len=%d max=%d", ErrBodyTooLarge, h.BodyLen, limits.MaxBody)
	}
	return nil
}

// Encode writes the header followed by body into dst and returns the bytes written.
// The header's BodyLen is taken from len(body).
func Encode(dst []byte, h Header, body []byte) (int, error) {
	if len(body) > MaxBodyCeiling {
		return 0, fmt.Errorf("%w: body_len=%d", ErrBodyTooLarge, len(body))
	}
	n := HeaderLen + len(body)
	if len(dst) < n {
		return 0, fmt.Errorf("%w: need=%d have=%d", ErrShortBuffer, n, len(dst))
	}
	h.BodyLen = uint16(len(body))
	hb := EncodeHeader(h)
	copy(dst, hb[:])
	copy(dst[HeaderLen:], body)
	return n, nil
}

// AppendFrame appends one encoded frame to dst.
func AppendFrame(dst []byte, messageType, channelID uint16, body []byte) ([]byte, error) {
	if len(body) > MaxBodyCeiling {
		return dst, fmt.Errorf("%w: body_len=%d", ErrBodyTooLarge, len(body))
	}
	hb := EncodeHeader(Header{MessageType: messageType, ChannelID: channelID, BodyLen: uint16(len(body))})
	dst = append(dst, hb[:]...)
	return append(dst, body...), nil
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var hb [HeaderLen]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h := DecodeHeader(hb)
	if err := Validate(h, limits); err != nil {
		return Frame{}, err
	}

	body := make([]byte, h.BodyLen)
	if h.BodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Body: body}, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if len(f.Body) > int(limits.MaxBody) {
		return fmt.Errorf("%w: body_len=%d max=%d", ErrBodyTooLarge, len(f.Body), limits.MaxBody)
	}
	buf := make([]byte, HeaderLen+len(f.Body))
	if _, err := Encode(buf, f.Header, f.Body); err != nil {
		return err
	}
	_, err := w.Write(buf)
	return err
}
