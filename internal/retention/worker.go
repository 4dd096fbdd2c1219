// Package retention prunes old rows from the outcome ledger.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Pruner deletes ledger rows older than a cutoff. *storage.Store implements it.
type Pruner interface {
	PruneOutcomes(cutoff time.Time) (int64, error)
}

// Worker periodically prunes ledger rows older than maxAge.
type Worker struct {
	store    Pruner
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewWorker creates a Worker. If interval is <= 0, it defaults to one hour.
func NewWorker(store Pruner, maxAge, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Worker{
		store:    store,
		maxAge:   maxAge,
		interval: interval,
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// Run prunes once immediately and then every interval until ctx is
// cancelled. It always returns nil so it can run in an errgroup.
func (w *Worker) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		if _, err := w.RunOnce(); err != nil {
			w.logger.Error("pruning outcomes failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// RunOnce deletes rows older than maxAge and returns how many were removed.
func (w *Worker) RunOnce() (int64, error) {
	if w.maxAge <= 0 {
		return 0, nil
	}
	n, err := w.store.PruneOutcomes(w.now().Add(-w.maxAge))
	if err != nil {
		return 0, fmt.Errorf("pruning outcomes: %w", err)
	}
	if n > 0 {
		w.logger.Info("pruned outcomes", "count", n, "max_age", w.maxAge)
	}
	return n, nil
}
