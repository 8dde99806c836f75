package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Persister periodically writes the counter snapshot to a JSON file so the
// status tooling can read it without hitting the server.
type Persister struct {
	collector *Collector
	path      string
	interval  time.Duration
	logger    zerolog.Logger
}

// NewPersister creates a Persister writing to path every interval.
func NewPersister(collector *Collector, path string, interval time.Duration, logger zerolog.Logger) *Persister {
	return &Persister{
		collector: collector,
		path:      path,
		interval:  interval,
		logger:    logger.With().Str("component", "metrics").Logger(),
	}
}

// Run writes snapshots until ctx is cancelled, flushing once more on exit.
func (p *Persister) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := p.flush(); err != nil {
				p.logger.Warn().Err(err).Msg("final metrics flush failed")
			}
			return
		case <-ticker.C:
			if err := p.flush(); err != nil {
				p.logger.Warn().Err(err).Msg("metrics flush failed")
			}
		}
	}
}

// flush writes the snapshot atomically via a temp file rename.
func (p *Persister) flush() error {
	data, err := json.MarshalIndent(p.collector.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode metrics snapshot: %w", err)
	}

	tmp := p.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write metrics snapshot: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("publish metrics snapshot: %w", err)
	}
	return nil
}

// DefaultStatePath returns the conventional snapshot location.
func DefaultStatePath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "tablesync", "state.json")
	}
	return filepath.Join(os.TempDir(), "tablesync-state.json")
}

// ReadSnapshot loads a previously persisted snapshot.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode metrics snapshot %s: %w", path, err)
	}
	return s, nil
}
