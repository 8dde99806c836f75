package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/tablesync/internal/protocol"
)

// FrameFilter narrows a wait to frames whose payload matches.
type FrameFilter func(protocol.Frame) bool

type waiter struct {
	frameType protocol.Type
	filter    FrameFilter
	ch        chan protocol.Frame
}

// Correlator matches inbound acknowledgement frames to the driver goroutine
// waiting for them. Frames that arrive before anyone waits are buffered per
// type in a bounded queue; when the queue is full the oldest frame is
// dropped.
type Correlator struct {
	mu      sync.Mutex
	queues  map[protocol.Type][]protocol.Frame
	waiters []*waiter
	closed  bool
	bound   int
	logger  zerolog.Logger
}

// NewCorrelator creates a Correlator with the given per-type queue bound.
func NewCorrelator(bound int, logger zerolog.Logger) *Correlator {
	return &Correlator{
		queues: make(map[protocol.Type][]protocol.Frame),
		bound:  bound,
		logger: logger.With().Str("component", "correlator").Logger(),
	}
}

// Offer routes an inbound frame. It wakes the first matching waiter, or
// queues the frame for a future wait.
func (c *Correlator) Offer(f protocol.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	for i, w := range c.waiters {
		if w.frameType != f.Type {
			continue
		}
		if w.filter != nil && !w.filter(f) {
			continue
		}
		c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
		w.ch <- f
		return
	}

	q := c.queues[f.Type]
	if len(q) >= c.bound {
		dropped := q[0]
		q = q[1:]
		c.logger.Warn().
			Str("type", string(f.Type)).
			Str("messageId", dropped.MessageID).
			Msg("frame queue full, dropping oldest")
	}
	c.queues[f.Type] = append(q, f)
}

// WaitFor blocks until a frame of the given type passing filter arrives, a
// queued one already matches, the timeout elapses, or the session closes.
func (c *Correlator) WaitFor(ctx context.Context, t protocol.Type, filter FrameFilter, timeout time.Duration) (protocol.Frame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.Frame{}, ErrSessionClosed
	}

	if q := c.queues[t]; len(q) > 0 {
		for i, f := range q {
			if filter != nil && !filter(f) {
				continue
			}
			c.queues[t] = append(q[:i], q[i+1:]...)
			c.mu.Unlock()
			return f, nil
		}
	}

	w := &waiter{frameType: t, filter: filter, ch: make(chan protocol.Frame, 1)}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f, ok := <-w.ch:
		if !ok {
			return protocol.Frame{}, ErrSessionClosed
		}
		return f, nil
	case <-timer.C:
		c.remove(w)
		return protocol.Frame{}, ErrAckTimeout
	case <-ctx.Done():
		c.remove(w)
		return protocol.Frame{}, ctx.Err()
	}
}

func (c *Correlator) remove(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.waiters {
		if x == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// Close releases every pending waiter with ErrSessionClosed and discards the
// queues. Offer and WaitFor become no-ops afterwards.
func (c *Correlator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, w := range c.waiters {
		close(w.ch)
	}
	c.waiters = nil
	c.queues = make(map[protocol.Type][]protocol.Frame)
}
