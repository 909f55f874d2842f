package upstream

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/danmuck/btmux/internal/mux"
	"github.com/danmuck/btmux/internal/observability"
)

const DefaultQueueDepth = 64

var ErrNoDriver = errors.New("upstream: driver required")

// Queue is the upstream packet handler. Dispatch runs on the reactor goroutine
// and never blocks: a full queue answers Busy. Run drains the queue into the
// driver on its own goroutine.
type Queue struct {
	ch      chan mux.Message
	driver  Driver
	onDrain func()
	starved atomic.Bool
	clients atomic.Int64
	log     zerolog.Logger
}

// NewQueue builds a queue of the given depth. onDrain, if set, is called from
// the Run goroutine once a slot frees up after a Busy answer.
func NewQueue(depth int, driver Driver, onDrain func()) (*Queue, error) {
	if driver == nil {
		return nil, ErrNoDriver
	}
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Queue{
		ch:      make(chan mux.Message, depth),
		driver:  driver,
		onDrain: onDrain,
		log:     observability.Component("upstream"),
	}, nil
}

func (q *Queue) Dispatch(id mux.ConnID, msg mux.Message) mux.Result {
	msg.Body = append([]byte(nil), msg.Body...)
	if q.offer(msg) {
		return mux.Accepted
	}
	// Mark before the second attempt so a drain racing with this call still
	// produces a notification.
	q.starved.Store(true)
	if q.offer(msg) {
		return mux.Accepted
	}
	q.log.Debug().Uint64("conn_id", uint64(id)).Int("depth", cap(q.ch)).Msg("queue full")
	return mux.Busy
}

func (q *Queue) offer(msg mux.Message) bool {
	select {
	case q.ch <- msg:
		observability.SetUpstreamQueueDepth(len(q.ch))
		return true
	default:
		return false
	}
}

func (q *Queue) ClientConnected(id mux.ConnID) {
	n := q.clients.Add(1)
	q.log.Debug().Uint64("conn_id", uint64(id)).Int64("clients", n).Msg("client attached")
}

func (q *Queue) ClientDisconnected(id mux.ConnID) {
	n := q.clients.Add(-1)
	q.log.Debug().Uint64("conn_id", uint64(id)).Int64("clients", n).Msg("client detached")
}

func (q *Queue) Clients() int {
	return int(q.clients.Load())
}

func (q *Queue) Len() int {
	return len(q.ch)
}

func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Run forwards queued messages to the driver until ctx is cancelled. A send
// failure drops that message and is logged; the driver owns reconnection.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-q.ch:
			observability.SetUpstreamQueueDepth(len(q.ch))
			if q.starved.Swap(false) && q.onDrain != nil {
				q.onDrain()
			}
			err := q.driver.Send(ctx, msg)
			observability.RecordUpstreamSend(q.driver.Name(), err == nil)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				q.log.Warn().
					Str("driver", q.driver.Name()).
					Uint16("type", msg.Type).
					Uint16("channel", msg.Channel).
					Err(err).
					Msg("upstream send failed; message dropped")
			}
		}
	}
}
