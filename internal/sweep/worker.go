package sweep

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type sweepRunner interface {
	Run(context.Context) (Summary, error)
}

type WorkerConfig struct {
	Enabled      bool
	StartupDelay time.Duration
	Interval     time.Duration
}

// Worker runs the sweeper after a startup delay and then on every interval
// tick until the context ends.
type Worker struct {
	runner sweepRunner
	cfg    WorkerConfig
	logger zerolog.Logger
}

func NewWorker(runner sweepRunner, cfg WorkerConfig, logger zerolog.Logger) *Worker {
	if cfg.StartupDelay < 0 {
		cfg.StartupDelay = 0
	}
	if cfg.Interval < 0 {
		cfg.Interval = 0
	}
	return &Worker{
		runner: runner,
		cfg:    cfg,
		logger: logger.With().Str("component", "sweep").Logger(),
	}
}

func (w *Worker) Run(ctx context.Context) {
	if !w.cfg.Enabled || w.runner == nil {
		return
	}
	if w.cfg.StartupDelay > 0 {
		timer := time.NewTimer(w.cfg.StartupDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}

	w.runOnce(ctx)
	if w.cfg.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	start := time.Now()
	summary, err := w.runner.Run(ctx)
	if err != nil {
		w.logger.Error().Err(err).Dur("took", time.Since(start)).Msg("chunk sweep failed")
		return
	}
	w.logger.Info().
		Dur("took", time.Since(start)).
		Int("scanned", summary.Scanned).
		Int("tasks", summary.Tasks).
		Int("deleted", summary.Deleted).
		Int("kept", summary.Kept).
		Int("failed", summary.Failed).
		Msg("chunk sweep finished")
}
