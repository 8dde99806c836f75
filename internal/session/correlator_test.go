package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/tablesync/internal/protocol"
)

func TestCorrelator_QueuedBeforeWait(t *testing.T) {
	c := NewCorrelator(4, zerolog.Nop())
	c.Offer(clientFrame(protocol.TypeInitProcessed, "c1", nil))

	got, err := c.WaitFor(context.Background(), protocol.TypeInitProcessed, nil, time.Second)
	if err != nil {
		t.Fatalf("WaitFor() error = %v", err)
	}
	if got.Type != protocol.TypeInitProcessed {
		t.Errorf("frame type = %s", got.Type)
	}
}

func TestCorrelator_OfferWakesWaiter(t *testing.T) {
	c := NewCorrelator(4, zerolog.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := c.WaitFor(context.Background(), protocol.TypeInitReceived, nil, time.Second)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.Offer(clientFrame(protocol.TypeInitReceived, "c1", protocol.InitReceived{Table: "user", Chunk: 1}))

	if err := <-done; err != nil {
		t.Fatalf("WaitFor() error = %v", err)
	}
}

func TestCorrelator_FilterSkipsNonMatching(t *testing.T) {
	c := NewCorrelator(4, zerolog.Nop())
	c.Offer(clientFrame(protocol.TypeInitReceived, "c1", protocol.InitReceived{Table: "user", Chunk: 1}))
	c.Offer(clientFrame(protocol.TypeInitReceived, "c1", protocol.InitReceived{Table: "user", Chunk: 2}))

	got, err := c.WaitFor(context.Background(), protocol.TypeInitReceived, func(f protocol.Frame) bool {
		var ack protocol.InitReceived
		return f.Decode(&ack) == nil && ack.Chunk == 2
	}, time.Second)
	if err != nil {
		t.Fatalf("WaitFor() error = %v", err)
	}
	var ack protocol.InitReceived
	if err := got.Decode(&ack); err != nil || ack.Chunk != 2 {
		t.Errorf("got chunk %d, want 2", ack.Chunk)
	}

	// The non-matching frame must still be queued.
	got, err = c.WaitFor(context.Background(), protocol.TypeInitReceived, nil, time.Second)
	if err != nil {
		t.Fatalf("second WaitFor() error = %v", err)
	}
	if err := got.Decode(&ack); err != nil || ack.Chunk != 1 {
		t.Errorf("got chunk %d, want 1", ack.Chunk)
	}
}

func TestCorrelator_Timeout(t *testing.T) {
	c := NewCorrelator(4, zerolog.Nop())
	_, err := c.WaitFor(context.Background(), protocol.TypeClientReceived, nil, 20*time.Millisecond)
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("WaitFor() error = %v, want ErrAckTimeout", err)
	}
}

func TestCorrelator_BoundDropsOldest(t *testing.T) {
	c := NewCorrelator(2, zerolog.Nop())
	for i := 1; i <= 3; i++ {
		c.Offer(clientFrame(protocol.TypeInitReceived, "c1", protocol.InitReceived{Chunk: i}))
	}

	got, err := c.WaitFor(context.Background(), protocol.TypeInitReceived, nil, time.Second)
	if err != nil {
		t.Fatalf("WaitFor() error = %v", err)
	}
	var ack protocol.InitReceived
	if err := got.Decode(&ack); err != nil || ack.Chunk != 2 {
		t.Errorf("oldest surviving chunk = %d, want 2", ack.Chunk)
	}
}

func TestCorrelator_CloseReleasesWaiters(t *testing.T) {
	c := NewCorrelator(4, zerolog.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := c.WaitFor(context.Background(), protocol.TypeInitProcessed, nil, time.Minute)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.Close()

	if err := <-done; !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("WaitFor() error = %v, want ErrSessionClosed", err)
	}

	if _, err := c.WaitFor(context.Background(), protocol.TypeInitProcessed, nil, time.Second); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("WaitFor() after close error = %v, want ErrSessionClosed", err)
	}
}
