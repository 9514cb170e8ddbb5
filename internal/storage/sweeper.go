// internal/storage/sweeper.go
package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/FanzDash/fanzdash-mediahub-go/internal/metrics"
)

// Sweeper periodically removes upload sessions whose acceptance window has
// closed. Expired sessions are unrecoverable; the client has to start a new
// upload.
type Sweeper struct {
	store    Store
	interval time.Duration
	metrics  *metrics.Metrics
}

// NewSweeper creates a sweeper over the given store. A non-positive interval
// falls back to ten minutes.
func NewSweeper(store Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{store: store, interval: interval, metrics: metrics.NewMetrics()}
}

// Run sweeps on a ticker until ctx is cancelled. It performs one sweep
// immediately on start.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.store.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("session sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.metrics.SweptSessionsTotal.Add(float64(n))
		// Swept sessions never reach complete or fail, so the active gauge
		// has to come down here.
		s.metrics.SessionsActive.Sub(float64(n))
		slog.Info("swept expired upload sessions", "count", n)
	}
}
