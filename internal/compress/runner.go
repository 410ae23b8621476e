package compress

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Runner fires compression on a fixed interval until its context ends.
// A failed run aborts that run only; the next tick retries the same batch
// plus whatever has newly aged past the cutoff.
type Runner struct {
	comp     *Compressor
	interval time.Duration
	logger   *zap.Logger
}

// NewRunner creates a periodic runner for the compressor.
func NewRunner(comp *Compressor, interval time.Duration, logger *zap.Logger) *Runner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Runner{comp: comp, interval: interval, logger: logger}
}

// Start blocks, running compression every interval, until ctx is canceled.
func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("compression runner started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("compression runner stopped")
			return
		case <-ticker.C:
			if _, err := r.comp.Run(ctx); err != nil {
				r.logger.Error("compression run failed", zap.Error(err))
			}
		}
	}
}
