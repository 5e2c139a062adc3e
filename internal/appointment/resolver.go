package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-core/internal/clock"
	"github.com/hackgods/clinic-scheduling-core/internal/lock"
	"github.com/hackgods/clinic-scheduling-core/internal/metrics"
)

// Resolver decides whether a candidate interval can be booked. The overlap
// check and the insert run in one transaction while the calendar lock for
// every day the interval touches is held, so no concurrent writer can slip
// an overlapping booking in between.
type Resolver struct {
	repo    Repository
	locker  lock.Locker
	metrics *metrics.Metrics
}

func NewResolver(repo Repository, locker lock.Locker, m *metrics.Metrics) *Resolver {
	return &Resolver{repo: repo, locker: locker, metrics: m}
}

// LockKeys returns the calendar lock keys guarding iv: one per UTC day.
func LockKeys(iv clock.Interval) []string {
	days := iv.Days()
	keys := make([]string, len(days))
	for i, d := range days {
		keys[i] = clock.FormatDate(d)
	}
	return keys
}

// Guard runs fn while holding the calendar lock for iv.
func (r *Resolver) Guard(ctx context.Context, iv clock.Interval, fn func(ctx context.Context) error) error {
	start := time.Now()
	return r.locker.WithLock(ctx, LockKeys(iv), func(ctx context.Context) error {
		r.metrics.ObserveLockWait(time.Since(start))
		return fn(ctx)
	})
}

// Reserve is check-and-reserve. When nothing scheduled overlaps iv, insert
// runs in the same transaction and committed is called after commit, still
// under the lock. Otherwise a *ConflictError naming the blocking
// appointments is returned and nothing is written.
func (r *Resolver) Reserve(
	ctx context.Context,
	iv clock.Interval,
	insert func(ctx context.Context, tx Repository) error,
	committed func(),
) error {
	return r.Guard(ctx, iv, func(ctx context.Context) error {
		err := r.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
			existing, err := tx.ListOverlapping(ctx, iv)
			if err != nil {
				return fmt.Errorf("list overlapping: %w", err)
			}
			if len(existing) > 0 {
				ids := make([]uuid.UUID, len(existing))
				for i, a := range existing {
					ids[i] = a.ID
				}
				return &ConflictError{IDs: ids}
			}
			return insert(ctx, tx)
		})
		if err != nil {
			return err
		}

		if committed != nil {
			committed()
		}
		return nil
	})
}
