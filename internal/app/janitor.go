package app

import (
	"context"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/observability"
	"github.com/rs/zerolog/log"
)

// Janitor periodically evicts session rows whose heartbeat is older than
// StaleAfter, covering clients that vanished without leaving.
type Janitor struct {
	Evictor    core.StaleEvictor
	Interval   time.Duration
	StaleAfter time.Duration
	Metrics    *observability.Metrics
	Now        func() time.Time
}

// Sweep runs one eviction pass and returns the number of rows removed.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	n, err := j.Evictor.EvictStale(ctx, now().Add(-j.StaleAfter))
	if err != nil {
		j.Metrics.StoreError("evict")
		return 0, err
	}
	if n > 0 {
		log.Info().Str("module", "app.janitor").Int64("evicted", n).Msg("evicted stale participants")
	}
	return n, nil
}

// Run sweeps every Interval until ctx ends. A non-positive Interval or
// StaleAfter returns immediately.
func (j *Janitor) Run(ctx context.Context) {
	if j.Interval <= 0 || j.StaleAfter <= 0 {
		return
	}
	t := time.NewTicker(j.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("module", "app.janitor").Msg("sweep failed")
			}
		}
	}
}
