package glue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/execplane/internal/common/logger"
)

// StartupLocker is the narrow slice of StateStore RunOnce needs: a
// distributed mutual-exclusion lock plus a persisted "already done" flag, so
// a one-time bootstrap step (e.g. seeding defaults) runs exactly once across
// a fleet of replicas that all start at roughly the same time.
type StartupLocker interface {
	AcquireStartupLock(ctx context.Context, ttl time.Duration) (bool, error)
	MarkStartupDone(ctx context.Context) error
	StartupDone(ctx context.Context) (bool, error)
}

// RunOnce runs fn exactly once across every replica racing to start up: it
// checks the persisted done-flag first (cheap, no lock contention after the
// first successful run), then falls back to the distributed lock so only
// one replica executes fn while the others skip it. A replica that loses
// the lock race treats that as success, not an error — another replica is
// doing the work.
func RunOnce(ctx context.Context, store StartupLocker, lockTTL time.Duration, log *logger.Logger, fn func(ctx context.Context) error) error {
	done, err := store.StartupDone(ctx)
	if err != nil {
		log.Warn("startup done-flag check failed", zap.Error(err))
	} else if done {
		log.Info("startup bootstrap already completed by another replica")
		return nil
	}

	acquired, err := store.AcquireStartupLock(ctx, lockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		log.Info("startup lock held by another replica, skipping bootstrap")
		return nil
	}

	if err := fn(ctx); err != nil {
		return err
	}
	return store.MarkStartupDone(ctx)
}
