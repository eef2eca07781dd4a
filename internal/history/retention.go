package history

import (
	"context"
	"time"
)

// Retention deletes history older than Keep once per Interval.
type Retention struct {
	Repo     Repository
	Keep     time.Duration
	Interval time.Duration
	Logger   Logger

	// Compact, if set, runs after a prune that removed rows.
	Compact func(ctx context.Context) error

	now func() time.Time
}

// Run prunes immediately and then on every tick until ctx is done. A zero
// Keep disables pruning and Run just waits for ctx.
func (r *Retention) Run(ctx context.Context) error {
	if r.Keep <= 0 {
		<-ctx.Done()
		return nil
	}
	if r.Logger == nil {
		r.Logger = noopLogger{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	interval := r.Interval
	if interval <= 0 {
		interval = time.Hour
	}

	r.prune(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.prune(ctx)
		}
	}
}

func (r *Retention) prune(ctx context.Context) {
	before := r.now().Add(-r.Keep)
	n, err := r.Repo.Prune(ctx, before)
	if err != nil {
		r.Logger.Error("pruning history failed", "error", err)
		return
	}
	if n == 0 {
		return
	}
	r.Logger.Info("history pruned", "rows", n, "before", before.Format(time.RFC3339))
	if r.Compact != nil {
		if err := r.Compact(ctx); err != nil {
			r.Logger.Warn("compacting history failed", "error", err)
		}
	}
}
