package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jfoltran/tablesync/internal/metrics"
	"github.com/jfoltran/tablesync/internal/progress"
	"github.com/jfoltran/tablesync/internal/protocol"
	"github.com/jfoltran/tablesync/internal/tables"
	"github.com/jfoltran/tablesync/pkg/lsn"
)

// Config carries the per-session knobs.
type Config struct {
	CursorPageSize    int
	ChunkSize         int
	AckTimeout        time.Duration
	LiveTick          time.Duration
	HeartbeatInterval time.Duration
	QueueBound        int
}

// Deps bundles the collaborators an actor needs.
type Deps struct {
	Store    ProgressStore
	Registry Registry
	Feed     Feed
	Pager    Pager
	Applier  Applier
	Tables   *tables.Registry
	Metrics  *metrics.Collector
	Logger   zerolog.Logger
}

// Actor owns one client's session: the transport, the correlator, and the
// single goroutine that runs the sync workflow. All outbound frames for a
// client flow through its actor, so order is preserved.
type Actor struct {
	clientID   string
	claimedLSN pglogrepl.LSN
	transport  Transport
	corr       *Correlator
	inbox      chan protocol.Frame
	notify     chan struct{}
	limiter    *rate.Limiter
	cfg        Config
	deps       Deps
	logger     zerolog.Logger

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewActor creates an actor for the client. claimedLSN is the position the
// client presented at connect time; the store's monotonic guard decides
// whether it sticks.
func NewActor(clientID string, claimedLSN pglogrepl.LSN, transport Transport, cfg Config, deps Deps) *Actor {
	logger := deps.Logger.With().Str("component", "session").Str("client", clientID).Logger()
	return &Actor{
		clientID:   clientID,
		claimedLSN: claimedLSN,
		transport:  transport,
		corr:       NewCorrelator(cfg.QueueBound, logger),
		inbox:      make(chan protocol.Frame, cfg.QueueBound),
		notify:     make(chan struct{}, 1),
		limiter:    rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Start launches the session goroutine. Repeated calls are no-ops, so a
// reconnect racing the server handler cannot double-start the workflow.
func (a *Actor) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		a.cancel = cancel
		go a.run(runCtx)
	})
}

// Stop cancels the session and waits for the goroutine to drain. Stopping an
// actor that never started marks it done instead of waiting for a goroutine
// that does not exist.
func (a *Actor) Stop() {
	a.startOnce.Do(func() {
		close(a.done)
	})
	if a.cancel != nil {
		a.cancel()
	}
	<-a.done
}

// Done closes when the session goroutine has exited.
func (a *Actor) Done() <-chan struct{} {
	return a.done
}

// ClientID returns the owning client id.
func (a *Actor) ClientID() string {
	return a.clientID
}

// HandleFrame routes one inbound frame. Acknowledgement frames go to the
// correlator where a driver may be waiting; work frames queue for the session
// loop. A full inbox evicts the oldest queued frame rather than blocking the
// read loop, so newer work survives overload.
func (a *Actor) HandleFrame(f protocol.Frame) {
	switch f.Type {
	case protocol.TypeInitReceived, protocol.TypeInitProcessed, protocol.TypeClientReceived:
		a.corr.Offer(f)
	case protocol.TypeClientChanges, protocol.TypeClientHeartbeat,
		protocol.TypeClientApplied, protocol.TypeCatchupReceived,
		protocol.TypeClientError, protocol.TypeClientStats:
		for {
			select {
			case a.inbox <- f:
				return
			default:
			}
			select {
			case old := <-a.inbox:
				a.logger.Warn().Str("type", string(old.Type)).Str("messageId", old.MessageID).
					Msg("inbox full, dropping oldest frame")
			default:
			}
		}
	default:
		a.logger.Warn().Str("type", string(f.Type)).Msg("ignoring unknown frame type")
	}
}

// Notify wakes the live loop because new committed changes may exist.
// Coalescing is fine: one wake covers any number of commits.
func (a *Actor) Notify() {
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

// Forward writes raw frame bytes to the client, bypassing Build. Used for
// operator-initiated stats requests.
func (a *Actor) Forward(ctx context.Context, data []byte) error {
	return a.transport.Send(ctx, data)
}

func (a *Actor) send(ctx context.Context, t protocol.Type, payload any) error {
	data, err := protocol.Build(t, a.clientID, payload)
	if err != nil {
		return err
	}
	if err := a.transport.Send(ctx, data); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	return nil
}

func (a *Actor) run(ctx context.Context) {
	defer close(a.done)
	defer a.corr.Close()
	defer a.deps.Metrics.ClientDisconnected()
	a.deps.Metrics.ClientConnected()

	err := a.session(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		_ = a.transport.Close(CloseNormal, "session ended")
	default:
		a.deps.Metrics.Error()
		a.logger.Error().Err(err).Msg("session failed")
		_ = a.send(ctx, protocol.TypeServerError, protocol.ServerError{
			Code:    "SESSION_FAILED",
			Message: err.Error(),
		})
		_ = a.transport.Close(CloseInternalError, "session failed")
	}

	discCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if derr := a.deps.Registry.Disconnect(discCtx, a.clientID); derr != nil {
		a.logger.Warn().Err(derr).Msg("disconnect bookkeeping failed")
	}
}

// session runs the connect workflow: register, persist the claimed position,
// pick a phase, run its driver, then settle into the live loop. Failures
// close the transport; durable progress is never rolled back, so the client
// simply reconnects and resumes.
func (a *Actor) session(ctx context.Context) error {
	if err := a.deps.Registry.Connect(ctx, a.clientID); err != nil {
		return err
	}
	if err := a.deps.Store.SetCurrentClientID(ctx, a.clientID); err != nil {
		return err
	}
	if err := a.deps.Store.TouchWake(ctx, a.clientID, time.Now()); err != nil {
		a.logger.Warn().Err(err).Msg("wake bookkeeping failed")
	}
	if a.claimedLSN != lsn.Zero {
		if err := a.deps.Store.SetClientLSN(ctx, a.clientID, a.claimedLSN); err != nil {
			return err
		}
	}

	phase, clientLSN, err := a.selectPhase(ctx)
	if err != nil {
		return err
	}
	if err := a.deps.Store.SetPhase(ctx, a.clientID, phase); err != nil {
		return err
	}
	a.deps.Registry.Advise(ctx, a.clientID, clientLSN.String(), string(phase))
	a.logger.Info().Stringer("clientLSN", clientLSN).Str("phase", string(phase)).
		Msg("session starting")

	if phase == protocol.PhaseInitial {
		if err := a.runInitialSync(ctx); err != nil {
			return err
		}
		phase, err = a.deps.Store.Phase(ctx, a.clientID)
		if err != nil {
			return err
		}
	}

	if phase == protocol.PhaseCatchup {
		if err := a.runCatchup(ctx); err != nil {
			return err
		}
	} else if phase == protocol.PhaseLive {
		cur, err := a.deps.Store.ClientLSN(ctx, a.clientID)
		if err != nil {
			return err
		}
		if err := a.send(ctx, protocol.TypeStateChange, protocol.StateChange{
			State: protocol.PhaseLive,
			LSN:   cur.String(),
		}); err != nil {
			return err
		}
	}

	return a.runLive(ctx)
}

// selectPhase decides the starting phase. An unfinished snapshot pins the
// client to INITIAL regardless of any LSN it presents; otherwise the stored
// position against the server position decides.
func (a *Actor) selectPhase(ctx context.Context) (protocol.Phase, pglogrepl.LSN, error) {
	prog, found, err := a.deps.Store.InitialProgressGet(ctx, a.clientID)
	if err != nil {
		return "", lsn.Zero, err
	}
	if found && prog.Status == progress.StatusInProgress {
		return protocol.PhaseInitial, lsn.Zero, nil
	}

	clientLSN, err := a.deps.Store.ClientLSN(ctx, a.clientID)
	if err != nil {
		return "", lsn.Zero, err
	}
	serverLSN, err := a.deps.Feed.CurrentServerLSN(ctx)
	if err != nil {
		return "", lsn.Zero, err
	}
	a.deps.Metrics.ServerPosition(serverLSN)
	return SelectPhase(clientLSN, serverLSN), clientLSN, nil
}

// processWorkFrame handles one queued inbound frame from the live loop.
func (a *Actor) processWorkFrame(ctx context.Context, f protocol.Frame) error {
	switch f.Type {
	case protocol.TypeClientChanges:
		return a.handleClientChanges(ctx, f)
	case protocol.TypeClientHeartbeat:
		var hb protocol.ClientHeartbeat
		if err := f.Decode(&hb); err != nil {
			a.logger.Warn().Err(err).Msg("bad heartbeat payload")
			return nil
		}
		a.deps.Registry.Heartbeat(ctx, a.clientID, hb.LSN, true)
		return a.send(ctx, protocol.TypeServerHeartbeat, nil)
	case protocol.TypeClientApplied:
		var ca protocol.ClientApplied
		if err := f.Decode(&ca); err == nil && ca.LastLSN != "" {
			a.deps.Registry.Advise(ctx, a.clientID, ca.LastLSN, string(protocol.PhaseLive))
		}
		return nil
	case protocol.TypeCatchupReceived:
		var cr protocol.CatchupReceived
		if err := f.Decode(&cr); err == nil && cr.LSN != "" {
			a.deps.Registry.Advise(ctx, a.clientID, cr.LSN, string(protocol.PhaseCatchup))
		}
		return nil
	case protocol.TypeClientError:
		a.logger.Warn().Str("messageId", f.MessageID).
			RawJSON("frame", f.Raw()).Msg("client reported error")
		return nil
	case protocol.TypeClientStats:
		a.logger.Info().Str("messageId", f.MessageID).
			RawJSON("stats", f.Raw()).Msg("client stats")
		return nil
	default:
		return nil
	}
}

// handleClientChanges runs the inbound apply flow: dedupe, acknowledge
// receipt, apply with last-writer-wins, report the outcome. A successful
// apply is followed by a feed pass so the client sees its merge results; if
// the feed is idle a noop batch confirms liveness.
func (a *Actor) handleClientChanges(ctx context.Context, f protocol.Frame) error {
	var payload protocol.ClientChanges
	if err := f.Decode(&payload); err != nil {
		a.logger.Warn().Err(err).Msg("bad client changes payload")
		return a.send(ctx, protocol.TypeChangesApplied, protocol.ChangesApplied{
			Success: false,
			Error:   "malformed changes payload",
		})
	}

	valid := payload.Changes[:0:0]
	for _, c := range payload.Changes {
		if !c.Op.Valid() || !a.deps.Tables.Known(c.Table) {
			a.logger.Warn().Str("table", c.Table).Str("op", string(c.Op)).
				Msg("rejecting change for unknown table or op")
			continue
		}
		valid = append(valid, c)
	}
	deduped := protocol.Dedupe(valid)

	if err := a.send(ctx, protocol.TypeChangesReceived, protocol.ChangesReceived{
		ChangeIDs: protocol.IDs(deduped),
	}); err != nil {
		return err
	}

	res := a.deps.Applier.Apply(ctx, deduped)
	a.deps.Metrics.ClientBatchApplied(res.Applied, res.Skipped)

	applied := protocol.ChangesApplied{
		AppliedChanges: res.AppliedIDs,
		Success:        res.Success(),
	}
	if res.Err != nil {
		applied.Error = res.Err.Error()
	}
	if err := a.send(ctx, protocol.TypeChangesApplied, applied); err != nil {
		return err
	}
	if !res.Success() {
		return nil
	}

	sent, err := a.feedPass(ctx)
	if err != nil {
		return err
	}
	if sent == 0 {
		return a.send(ctx, protocol.TypeSendChanges, protocol.SendChanges{
			Changes: []protocol.Change{},
			LastLSN: lsn.ZeroString,
		})
	}
	return nil
}
