// Package lock provides advisory distributed locks over named resources,
// backed by a single table row per resource. Locks only coordinate
// cooperating workers; nothing else enforces them.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"feedcast/internal/storage"
	logx "feedcast/pkg/logx"
)

// DefaultTTL is deliberately generous: one dispatch run can walk many
// recipients with pacing delays between sends, so a lease measured in
// seconds would expire mid-run.
const DefaultTTL = 10 * time.Minute

// Service hands out leases identified by an owner token unique to this
// process instance.
type Service struct {
	store *storage.Store
	log   logx.Logger
	owner string
	ttl   time.Duration
}

// New builds a lock service with a fresh owner token.
func New(store *storage.Store, ttl time.Duration, log logx.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		store: store,
		log:   log.With(logx.String("comp", "lock")),
		owner: uuid.NewString(),
		ttl:   ttl,
	}
}

// Owner returns this instance's token. Re-acquiring with the same token is
// idempotent, so a worker may refresh its own lease.
func (s *Service) Owner() string { return s.owner }

// Acquire tries to take the lease for a resource. Not acquiring is a
// normal outcome, not an error; callers skip the cycle and move on.
func (s *Service) Acquire(ctx context.Context, resource string) (bool, error) {
	ok, err := s.store.AcquireLock(ctx, resource, s.owner, s.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", resource, err)
	}
	if !ok {
		s.log.Debug("lock held elsewhere", logx.String("resource", resource))
	}
	return ok, nil
}

// Release drops the lease if this instance still owns it. Releasing a
// lease that expired and was taken over is a no-op.
func (s *Service) Release(ctx context.Context, resource string) {
	if err := s.store.ReleaseLock(ctx, resource, s.owner); err != nil {
		s.log.Warn("lock release failed",
			logx.String("resource", resource), logx.Err(err))
	}
}

// CleanupStale deletes expired lease rows. Purely hygienic; expired rows
// are already acquirable in place.
func (s *Service) CleanupStale(ctx context.Context) (int64, error) {
	n, err := s.store.CleanupStaleLocks(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Debug("cleaned stale locks", logx.Int64("count", n))
	}
	return n, nil
}

// ScheduleResource names the lock row guarding one schedule's dispatch.
func ScheduleResource(scheduleID int64) string {
	return fmt.Sprintf("schedule:%d", scheduleID)
}
