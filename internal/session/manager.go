package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jfoltran/tablesync/internal/protocol"
	"github.com/jfoltran/tablesync/pkg/lsn"
)

// Manager owns at most one live actor per clientId. A reconnect replaces the
// previous actor: the old session is stopped and drained before the new one
// starts, so two sessions never interleave writes for the same client.
type Manager struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger

	mu     sync.Mutex
	actors map[string]*Actor
}

// NewManager creates a Manager with the given session configuration.
func NewManager(cfg Config, deps Deps) *Manager {
	return &Manager{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With().Str("component", "sessions").Logger(),
		actors: make(map[string]*Actor),
	}
}

// Accept validates the connect parameters, evicts any previous session for
// the client, and starts a new actor on the transport.
func (m *Manager) Accept(ctx context.Context, transport Transport, clientID, rawLSN string) (*Actor, error) {
	if clientID == "" {
		return nil, fmt.Errorf("%w: missing clientId", ErrInvalidArgument)
	}
	claimed, err := lsn.Parse(rawLSN)
	if err != nil {
		return nil, fmt.Errorf("%w: bad lsn %q: %v", ErrInvalidArgument, rawLSN, err)
	}

	actor := NewActor(clientID, claimed, transport, m.cfg, m.deps)

	// Claim the slot and start under one lock acquisition, so concurrent
	// connects for the same client each see the winner and stop it before
	// retrying. Stopping runs outside the lock; by then the evicted actor is
	// already started, so Stop cannot hang on it.
	for {
		m.mu.Lock()
		prev := m.actors[clientID]
		if prev == nil {
			m.actors[clientID] = actor
			actor.Start(ctx)
			m.mu.Unlock()
			break
		}
		m.mu.Unlock()
		m.logger.Info().Str("client", clientID).Msg("replacing existing session")
		prev.Stop()
		m.mu.Lock()
		if m.actors[clientID] == prev {
			delete(m.actors, clientID)
		}
		m.mu.Unlock()
	}

	go func() {
		<-actor.Done()
		m.mu.Lock()
		if m.actors[clientID] == actor {
			delete(m.actors, clientID)
		}
		m.mu.Unlock()
	}()
	return actor, nil
}

// Lookup returns the live actor for a client, if any.
func (m *Manager) Lookup(clientID string) (*Actor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[clientID]
	return a, ok
}

// Notify wakes the named client's live loop, or every client when clientID
// is empty. Used by the commit listener and the force-sync endpoint.
func (m *Manager) Notify(clientID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if clientID != "" {
		if a, ok := m.actors[clientID]; ok {
			a.Notify()
			return 1
		}
		return 0
	}
	for _, a := range m.actors {
		a.Notify()
	}
	return len(m.actors)
}

// FeedNow triggers an immediate feed pass for the client and reports the
// backlog observed at trigger time.
func (m *Manager) FeedNow(ctx context.Context, clientID string) (int, string, error) {
	a, ok := m.Lookup(clientID)
	if !ok {
		return 0, "", fmt.Errorf("%w: client %s not connected", ErrInvalidArgument, clientID)
	}
	return a.FeedNow(ctx)
}

// ForwardStats sends a stats request frame to the connected client. The
// reply arrives asynchronously as a clt_stats frame.
func (m *Manager) ForwardStats(ctx context.Context, clientID string, stats map[string]any) error {
	a, ok := m.Lookup(clientID)
	if !ok {
		return fmt.Errorf("%w: client %s not connected", ErrInvalidArgument, clientID)
	}
	data, err := protocol.Build(protocol.TypeStatsRequest, clientID, protocol.StatsPayload{Stats: stats})
	if err != nil {
		return err
	}
	return a.Forward(ctx, data)
}

// Shutdown stops every live actor and waits for them to drain.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	actors := make([]*Actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.mu.Unlock()

	for _, a := range actors {
		a.Stop()
	}
}
