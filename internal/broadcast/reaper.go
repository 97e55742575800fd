package broadcast

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/rueidis"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// Reaper deletes the registered paths of sessions whose heartbeat has
// lapsed. It is the ungraceful half of session cleanup; Close covers
// the graceful one.
type Reaper struct {
	store       *Store
	bookkeeping rueidis.Client
	logger      *zap.Logger
}

// NewReaper creates a reaper over the same clients the sessions use.
func NewReaper(store *Store, bookkeeping rueidis.Client, logger *zap.Logger) *Reaper {
	return &Reaper{
		store:       store,
		bookkeeping: bookkeeping,
		logger:      logger.Named("reaper"),
	}
}

// Run sweeps on the given cadence until ctx is canceled.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := r.SweepOrphans(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Warn("Sweep failed", zap.Error(err))
				}

				continue
			}

			if swept > 0 {
				r.logger.Info("Swept orphaned sessions", zap.Int("sessions", swept))
			}
		}
	}
}

// SweepOrphans scans for cleanup sets whose session is no longer
// alive, deletes their registered paths atomically per session, and
// drops the bookkeeping. It returns the number of sessions reaped.
func (r *Reaper) SweepOrphans(ctx context.Context) (int, error) {
	var (
		cursor uint64
		keys   []string
	)

	for {
		resp := r.bookkeeping.Do(ctx,
			r.bookkeeping.B().Scan().Cursor(cursor).Match(cleanupKeyPrefix+"*").Count(scanCount).Build())

		entry, err := resp.AsScanEntry()
		if err != nil {
			return 0, fmt.Errorf("scan cleanup sets: %w", wrapRedisErr(err))
		}

		keys = append(keys, entry.Elements...)

		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}

	if len(keys) == 0 {
		return 0, nil
	}

	var swept atomic.Int64

	p := pool.New().WithContext(ctx).WithMaxGoroutines(8)

	for _, key := range keys {
		p.Go(func(ctx context.Context) error {
			sessionID := strings.TrimPrefix(key, cleanupKeyPrefix)

			alive, err := r.bookkeeping.Do(ctx,
				r.bookkeeping.B().Exists().Key(aliveKeyPrefix+sessionID).Build()).AsInt64()
			if err != nil {
				return fmt.Errorf("check session %s: %w", sessionID, wrapRedisErr(err))
			}

			if alive > 0 {
				return nil
			}

			if err := r.reap(ctx, sessionID, key); err != nil {
				return err
			}

			swept.Add(1)

			return nil
		})
	}

	if err := p.Wait(); err != nil {
		return int(swept.Load()), fmt.Errorf("sweep orphans: %w", err)
	}

	return int(swept.Load()), nil
}

func (r *Reaper) reap(ctx context.Context, sessionID, cleanupKey string) error {
	paths, err := r.bookkeeping.Do(ctx,
		r.bookkeeping.B().Smembers().Key(cleanupKey).Build()).AsStrSlice()
	if err != nil {
		return fmt.Errorf("load cleanup set %s: %w", sessionID, wrapRedisErr(err))
	}

	if len(paths) > 0 {
		changes := make(map[string]any, len(paths))
		for _, path := range paths {
			changes[path] = nil
		}

		if err := r.store.Update(ctx, changes); err != nil {
			return fmt.Errorf("reap session %s: %w", sessionID, err)
		}
	}

	if err := r.bookkeeping.Do(ctx, r.bookkeeping.B().Del().Key(cleanupKey).Build()).Error(); err != nil {
		return fmt.Errorf("drop cleanup set %s: %w", sessionID, wrapRedisErr(err))
	}

	r.logger.Debug("Reaped session",
		zap.String("id", sessionID), zap.Int("paths", len(paths)))

	return nil
}
