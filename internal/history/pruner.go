package history

import (
	"context"
	"time"

	"github.com/rlanyon/farmhub/internal/infrastructure/logging"
)

// pruneInterval is how often the pruner sweeps expired rows.
const pruneInterval = time.Hour

// pruneTimeout bounds one sweep.
const pruneTimeout = 30 * time.Second

// Pruner periodically deletes history rows past their retention age.
// It implements the service lifecycle.
type Pruner struct {
	repo   *Repository
	retain time.Duration
	logger *logging.Logger
	cancel context.CancelFunc
}

// NewPruner creates a pruner keeping retainDays of history.
func NewPruner(repo *Repository, retainDays int, logger *logging.Logger) *Pruner {
	return &Pruner{
		repo:   repo,
		retain: time.Duration(retainDays) * 24 * time.Hour,
		logger: logger.With("component", "history-pruner"),
	}
}

// Name implements service.Service.
func (p *Pruner) Name() string { return "history-pruner" }

// Start begins the hourly prune loop, sweeping once immediately.
func (p *Pruner) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	go func() {
		p.sweep(ctx)
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Release implements service.Service.
func (p *Pruner) Release() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Pruner) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, pruneTimeout)
	defer cancel()

	deleted, err := p.repo.Prune(sweepCtx, p.retain)
	if err != nil {
		p.logger.Warn("history prune failed", "error", err)
		return
	}
	if deleted > 0 {
		p.logger.Info("pruned state history", "rows", deleted, "retain", p.retain.String())
	}
}
