// Package sweep reclaims chunk blobs left behind by upload tasks that
// expired before completing.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"filevault/internal/metrics"
	"filevault/internal/storage"
	"filevault/internal/taskstate"
	"filevault/internal/upload"

	"github.com/rs/zerolog"
)

type Summary struct {
	Scanned int
	Tasks   int
	Deleted int
	Kept    int
	Failed  int
}

type TaskChecker interface {
	Exists(ctx context.Context, taskID string) (bool, error)
}

var _ TaskChecker = (taskstate.Store)(nil)

// Sweeper deletes chunk blobs whose task no longer exists and which are
// older than the grace period.
type Sweeper struct {
	blobs  storage.BlobStorage
	tasks  TaskChecker
	grace  time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

func NewSweeper(blobs storage.BlobStorage, tasks TaskChecker, grace time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		blobs:  blobs,
		tasks:  tasks,
		grace:  grace,
		now:    time.Now,
		logger: logger.With().Str("component", "sweep").Logger(),
	}
}

func (s *Sweeper) Run(ctx context.Context) (Summary, error) {
	if s.blobs == nil || s.tasks == nil {
		return Summary{}, fmt.Errorf("sweeper is not configured")
	}

	blobs, err := s.blobs.List(ctx, "")
	if err != nil {
		return Summary{}, fmt.Errorf("list blobs: %w", err)
	}

	byTask := make(map[string][]storage.Blob)
	var order []string
	for _, b := range blobs {
		taskID, _, ok := upload.ParseChunkBlobName(b.Name)
		if !ok {
			continue
		}
		if _, seen := byTask[taskID]; !seen {
			order = append(order, taskID)
		}
		byTask[taskID] = append(byTask[taskID], b)
	}

	var (
		summary Summary
		joined  error
	)
	cutoff := s.now().Add(-s.grace)
	for _, taskID := range order {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		chunks := byTask[taskID]
		summary.Tasks++
		summary.Scanned += len(chunks)

		live, err := s.tasks.Exists(ctx, taskID)
		if err != nil {
			summary.Failed += len(chunks)
			joined = errors.Join(joined, fmt.Errorf("%s: check task: %w", taskID, err))
			continue
		}
		if live {
			summary.Kept += len(chunks)
			continue
		}

		for _, b := range chunks {
			if b.CreatedAt.After(cutoff) {
				summary.Kept++
				continue
			}
			if err := s.blobs.DeleteByName(ctx, b.Name); err != nil {
				summary.Failed++
				joined = errors.Join(joined, fmt.Errorf("%s: %w", b.Name, err))
				continue
			}
			summary.Deleted++
			metrics.SweepDeletedTotal.Inc()
		}
		s.logger.Debug().Str("task_id", taskID).Int("chunks", len(chunks)).Msg("swept orphaned task")
	}
	return summary, joined
}
