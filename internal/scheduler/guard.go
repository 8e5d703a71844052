package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"campaign-dialer/pkg/utils"
)

// Guard ensures a run loop executes in at most one process. The Manager's
// in-process set already prevents duplicates within a process.
type Guard interface {
	// Acquire returns ok=false when another process holds the run. The
	// returned context is canceled when the lease is lost; release must be called.
	Acquire(ctx context.Context, runID string) (leaseCtx context.Context, release func(), ok bool, err error)
}

type leaseFuncs struct {
	acquire func(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	refresh func(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	release func(ctx context.Context, key, token string) error
}

// RedisGuard holds an expiring Redis lease per run and refreshes it at a
// third of the TTL. A crashed holder's lease expires after the TTL.
type RedisGuard struct {
	prefix string
	ttl    time.Duration
	token  string
	log    *slog.Logger
	fns    leaseFuncs
}

func NewRedisGuard(rdb *redis.Client, prefix string, ttl time.Duration, log *slog.Logger) *RedisGuard {
	return newRedisGuard(leaseFuncs{
		acquire: func(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
			return utils.AcquireLease(ctx, rdb, key, token, ttl)
		},
		refresh: func(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
			return utils.RefreshLease(ctx, rdb, key, token, ttl)
		},
		release: func(ctx context.Context, key, token string) error {
			return utils.ReleaseLease(ctx, rdb, key, token)
		},
	}, prefix, ttl, log)
}

func newRedisGuard(fns leaseFuncs, prefix string, ttl time.Duration, log *slog.Logger) *RedisGuard {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisGuard{prefix: prefix, ttl: ttl, token: uuid.NewString(), log: log, fns: fns}
}

func (g *RedisGuard) key(runID string) string { return g.prefix + "run-lease:" + runID }

func (g *RedisGuard) Acquire(ctx context.Context, runID string) (context.Context, func(), bool, error) {
	key := g.key(runID)
	ok, err := g.fns.acquire(ctx, key, g.token, g.ttl)
	if err != nil || !ok {
		return nil, func() {}, false, err
	}

	leaseCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(g.ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-leaseCtx.Done():
				return
			case <-t.C:
				held, err := g.fns.refresh(leaseCtx, key, g.token, g.ttl)
				if leaseCtx.Err() != nil {
					return
				}
				if err != nil {
					g.log.Warn("run lease refresh failed", "run_id", runID, "err", err)
					continue
				}
				if !held {
					g.log.Warn("run lease lost", "run_id", runID)
					cancel()
					return
				}
			}
		}
	}()

	release := func() {
		cancel()
		<-done
		relCtx, relCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer relCancel()
		if err := g.fns.release(relCtx, key, g.token); err != nil {
			g.log.Warn("run lease release failed", "run_id", runID, "err", err)
		}
	}
	return leaseCtx, release, true, nil
}
