package telemetry

import (
	"context"
	"time"
)

// DefaultPruneInterval is how often Retention deletes expired events.
const DefaultPruneInterval = time.Hour

// Retention periodically deletes events older than a fixed window. It runs
// as a background worker of the connectivity manager.
type Retention struct {
	pruner   Pruner
	keep     time.Duration
	interval time.Duration
	logger   Logger
}

// NewRetention creates a worker that keeps keep worth of events.
func NewRetention(pruner Pruner, keep time.Duration) *Retention {
	return &Retention{
		pruner:   pruner,
		keep:     keep,
		interval: DefaultPruneInterval,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger.
func (r *Retention) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// SetInterval overrides the prune period.
func (r *Retention) SetInterval(d time.Duration) {
	if d > 0 {
		r.interval = d
	}
}

// Run prunes once immediately and then every interval until ctx ends.
func (r *Retention) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.prune(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.prune(ctx)
		}
	}
}

func (r *Retention) prune(ctx context.Context) {
	n, err := r.pruner.Prune(ctx, r.keep)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("failed to prune device events", "retention", r.keep, "error", err)
		}
		return
	}
	if n > 0 {
		r.logger.Info("pruned device events", "deleted", n, "retention", r.keep)
	}
}
