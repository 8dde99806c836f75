package session

import (
	"context"
	"fmt"
	"time"

	"github.com/jfoltran/tablesync/internal/protocol"
	"github.com/jfoltran/tablesync/pkg/lsn"
)

// feedPass ships every pending feed change in acknowledged batches and
// returns the number of changes sent. Each batch is deduplicated, reordered
// for hierarchy safety, and persisted only after the client confirms
// receipt.
func (a *Actor) feedPass(ctx context.Context) (int, error) {
	total := 0
	for {
		clientLSN, err := a.deps.Store.ClientLSN(ctx, a.clientID)
		if err != nil {
			return total, err
		}
		batch, err := a.deps.Feed.ChangesSince(ctx, clientLSN, a.cfg.ChunkSize)
		if err != nil {
			return total, err
		}
		if len(batch.Items) == 0 {
			return total, nil
		}

		deduped := protocol.Dedupe(batch.Items)
		ordered := OrderChanges(deduped, a.deps.Tables)

		wireLast := MaxLSN(ordered)
		persistLast := lsn.Max(wireLast, MaxLSN(batch.Items))

		if err := a.send(ctx, protocol.TypeSendChanges, protocol.SendChanges{
			Changes: ordered,
			LastLSN: wireLast.String(),
		}); err != nil {
			return total, err
		}
		a.deps.Metrics.FeedBatchSent(len(ordered))

		want := wireLast.String()
		_, err = a.corr.WaitFor(ctx, protocol.TypeClientReceived, func(f protocol.Frame) bool {
			var ack protocol.ClientReceived
			if err := f.Decode(&ack); err != nil {
				return false
			}
			return ack.LastLSN == want
		}, a.cfg.AckTimeout)
		if err != nil {
			return total, fmt.Errorf("await batch ack at %s: %w", want, err)
		}

		if err := a.deps.Store.SetClientLSN(ctx, a.clientID, persistLast); err != nil {
			return total, err
		}
		a.deps.Registry.Advise(ctx, a.clientID, persistLast.String(), string(protocol.PhaseLive))
		total += len(ordered)

		if !batch.HasMore {
			return total, nil
		}
	}
}

// runCatchup drains the backlog, then announces LIVE.
func (a *Actor) runCatchup(ctx context.Context) error {
	clientLSN, err := a.deps.Store.ClientLSN(ctx, a.clientID)
	if err != nil {
		return err
	}
	if err := a.send(ctx, protocol.TypeStateChange, protocol.StateChange{
		State: protocol.PhaseCatchup,
		LSN:   clientLSN.String(),
	}); err != nil {
		return err
	}

	if _, err := a.feedPass(ctx); err != nil {
		return err
	}

	cur, err := a.deps.Store.ClientLSN(ctx, a.clientID)
	if err != nil {
		return err
	}
	if err := a.deps.Store.SetPhase(ctx, a.clientID, protocol.PhaseLive); err != nil {
		return err
	}
	a.deps.Registry.Advise(ctx, a.clientID, cur.String(), string(protocol.PhaseLive))
	a.logger.Info().Stringer("lsn", cur).Msg("caught up")
	return a.send(ctx, protocol.TypeStateChange, protocol.StateChange{
		State: protocol.PhaseLive,
		LSN:   cur.String(),
	})
}

// runLive is the steady state: wait for commit notifications or the safety
// tick, feed whatever accumulated, and process inbound client work one frame
// at a time. Notification bursts are rate-limited so back-to-back commits
// collapse into one pass.
func (a *Actor) runLive(ctx context.Context) error {
	tick := time.NewTicker(a.cfg.LiveTick)
	defer tick.Stop()
	heartbeat := time.NewTicker(a.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case f := <-a.inbox:
			if err := a.processWorkFrame(ctx, f); err != nil {
				return err
			}

		case <-a.notify:
			if err := a.limiter.Wait(ctx); err != nil {
				return err
			}
			a.deps.Metrics.TouchWake()
			if err := a.deps.Store.TouchWake(ctx, a.clientID, time.Now()); err != nil {
				a.logger.Warn().Err(err).Msg("wake bookkeeping failed")
			}
			if _, err := a.feedPass(ctx); err != nil {
				return err
			}

		case <-tick.C:
			if _, err := a.feedPass(ctx); err != nil {
				return err
			}

		case <-heartbeat.C:
			if err := a.send(ctx, protocol.TypeServerHeartbeat, nil); err != nil {
				return err
			}
		}
	}
}

// FeedNow runs one feed pass on the session goroutine's behalf for the
// operator force-sync endpoint. It reports the number of changes that were
// pending and the client's position after the pass.
func (a *Actor) FeedNow(ctx context.Context) (int, string, error) {
	a.Notify()
	// The pass itself runs on the session goroutine; report the backlog
	// size observed now and the current persisted position.
	clientLSN, err := a.deps.Store.ClientLSN(ctx, a.clientID)
	if err != nil {
		return 0, "", err
	}
	batch, err := a.deps.Feed.ChangesSince(ctx, clientLSN, a.cfg.ChunkSize)
	if err != nil {
		return 0, "", err
	}
	return len(batch.Items), clientLSN.String(), nil
}
