// Package gc deletes chunks that no indexed manifest references any more.
package gc

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jacktea/shardian/pkg/blob"
	"github.com/jacktea/shardian/pkg/index"
	"github.com/jacktea/shardian/pkg/xerrors"
)

// Options configures a Sweeper.
type Options struct {
	Store     index.Store
	Blob      blob.Store
	BatchSize int
	// DryRun reports what would be deleted without touching the blob store or the queue.
	DryRun bool
	Logger *zap.Logger
}

// Sweeper removes zero-ref chunks from a blob store.
type Sweeper struct {
	store     index.Store
	blob      blob.Store
	batchSize int
	dryRun    bool
	log       *zap.Logger
}

// NewSweeper wires index and blob stores for garbage collection.
func NewSweeper(opts Options) *Sweeper {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		store:     opts.Store,
		blob:      opts.Blob,
		batchSize: opts.BatchSize,
		dryRun:    opts.DryRun,
		log:       log,
	}
}

// Sweep performs a best-effort GC pass, returning the number of chunks deleted (or that
// would be deleted in dry-run mode).
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.store == nil || s.blob == nil {
		return 0, xerrors.Wrap(xerrors.KindInvalid, "gc.sweep", "", errors.New("sweeper missing dependencies"))
	}
	limit := s.batchSize
	if limit <= 0 {
		limit = 128
	}
	if s.dryRun {
		// the queue is not drained, so one listing covers everything
		limit = 0
	}
	var total int
	for {
		if err := ctx.Err(); err != nil {
			return total, xerrors.Wrap(xerrors.KindCanceled, "gc.sweep", "", err)
		}
		chunks, err := s.store.ListZeroRef(ctx, limit)
		if err != nil {
			return total, err
		}
		if len(chunks) == 0 {
			return total, nil
		}
		for _, chunkID := range chunks {
			removed, err := s.removeChunk(ctx, chunkID)
			if err != nil {
				return total, err
			}
			if removed {
				total++
			}
		}
		if s.dryRun || len(chunks) < limit {
			s.log.Info("gc sweep finished", zap.Int("deleted", total), zap.Bool("dry_run", s.dryRun))
			return total, nil
		}
	}
}

// Start launches a background sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			_, err := s.Sweep(ctx)
			if err != nil && !xerrors.Is(err, xerrors.KindCanceled) {
				s.log.Warn("gc sweep failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}

func (s *Sweeper) removeChunk(ctx context.Context, chunkID string) (bool, error) {
	refs, err := s.store.Refs(ctx, chunkID)
	if err != nil {
		return false, err
	}
	if refs > 0 {
		// re-referenced after it was queued
		if s.dryRun {
			return false, nil
		}
		return false, s.store.MarkGCComplete(ctx, chunkID)
	}
	if s.dryRun {
		s.log.Info("gc candidate", zap.String("chunk", chunkID))
		return true, nil
	}
	if err := s.blob.Delete(ctx, blob.ID(chunkID)); err != nil && !xerrors.Is(err, xerrors.KindNotFound) {
		return false, err
	}
	s.log.Debug("gc deleted chunk", zap.String("chunk", chunkID))
	return true, s.store.MarkGCComplete(ctx, chunkID)
}
