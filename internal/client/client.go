// Package client is a small blocking client for btmuxd, used by btmuxctl and
// the daemon tests.
package client

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/danmuck/btmux/internal/protocol/frame"
)

var ErrClosed = errors.New("client: closed")

type Client struct {
	conn   net.Conn
	r      *bufio.Reader
	limits frame.Limits

	wmu    sync.Mutex
	closed bool
}

// Dial connects to a daemon. network is "unix" or "tcp".
func Dial(ctx context.Context, network, address string, limits frame.Limits) (*Client, error) {
	if limits.MaxBody == 0 {
		limits = frame.DefaultLimits()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, r: bufio.NewReader(conn), limits: limits}, nil
}

func (c *Client) Send(messageType, channelID uint16, body []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return frame.WriteFrame(c.conn, frame.Frame{
		Header: frame.Header{MessageType: messageType, ChannelID: channelID},
		Body:   body,
	}, c.limits)
}

// SendRaw writes bytes as-is, for exercising partial or malformed frames.
func (c *Client) SendRaw(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.conn.Write(b)
	return err
}

// Recv blocks for the next frame the daemon sends.
func (c *Client) Recv() (frame.Frame, error) {
	return frame.ReadFrame(c.r, frame.Limits{MaxBody: frame.MaxBodyCeiling})
}

// RecvTimeout is Recv with a read deadline.
func (c *Client) RecvTimeout(d time.Duration) (frame.Frame, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return frame.Frame{}, err
	}
	defer c.conn.SetReadDeadline(time.Time{})
	return c.Recv()
}

func (c *Client) LocalAddr() string {
	return c.conn.LocalAddr().String()
}

func (c *Client) Close() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
