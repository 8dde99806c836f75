package server

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/tablesync/internal/session"
)

// Listener holds a LISTEN connection on the commit notification channel and
// wakes every live session when a notification arrives. Capture triggers
// raise one notification per committed statement, so wakes are cheap and
// coalesced by the sessions themselves.
type Listener struct {
	pool     *pgxpool.Pool
	channel  string
	sessions *session.Manager
	logger   zerolog.Logger
}

// NewListener creates a Listener on the given notification channel.
func NewListener(pool *pgxpool.Pool, channel string, sessions *session.Manager, logger zerolog.Logger) *Listener {
	return &Listener{
		pool:     pool,
		channel:  channel,
		sessions: sessions,
		logger:   logger.With().Str("component", "listener").Logger(),
	}
}

// Run listens until ctx is cancelled, reconnecting with backoff when the
// LISTEN connection drops.
func (l *Listener) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if err := l.listen(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn().Err(err).Msg("listen connection lost, retrying")
			select {
			case <-ctx.Done():
			case <-time.After(3 * time.Second):
			}
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return err
	}
	l.logger.Info().Str("channel", l.channel).Msg("listening for commit notifications")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		// An empty payload wakes every session; a clientId targets one.
		woken := l.sessions.Notify(n.Payload)
		l.logger.Debug().Int("sessions", woken).Str("target", n.Payload).
			Msg("commit notification")
	}
}
