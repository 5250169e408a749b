// Package scheduler runs the periodic reconciliation tasks. Each task is
// single-flight: a run that finds its guard held is skipped, never queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Guard grants exclusive execution. TryAcquire never blocks on a held guard;
// it returns ok=false instead. release must be called once when ok is true.
type Guard interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// LocalGuard is an in-process running flag.
type LocalGuard struct {
	running atomic.Bool
}

func (g *LocalGuard) TryAcquire(context.Context) (func(), bool, error) {
	if !g.running.CompareAndSwap(false, true) {
		return nil, false, nil
	}
	return func() { g.running.Store(false) }, true, nil
}

// Held reports whether a run currently owns the guard.
func (g *LocalGuard) Held() bool { return g.running.Load() }

// RedisGuard extends a LocalGuard with a redsync mutex so that only one
// replica runs the task at a time. The lock is extended every expiry/3 while
// held, so expiry bounds how long a crashed replica blocks the others rather
// than how long a run may take.
type RedisGuard struct {
	local  LocalGuard
	mutex  *redsync.Mutex
	key    string
	expiry time.Duration
	logger *zap.Logger
}

func NewRedisGuard(client goredislib.UniversalClient, key string, expiry time.Duration, logger *zap.Logger) (*RedisGuard, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("lock key cannot be empty")
	}
	if expiry <= 0 {
		return nil, errors.New("lock expiry must be greater than 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rs := redsync.New(goredis.NewPool(client))
	return &RedisGuard{
		mutex:  rs.NewMutex(key, redsync.WithExpiry(expiry), redsync.WithTries(1)),
		key:    key,
		expiry: expiry,
		logger: logger,
	}, nil
}

func (g *RedisGuard) TryAcquire(ctx context.Context) (func(), bool, error) {
	releaseLocal, ok, _ := g.local.TryAcquire(ctx)
	if !ok {
		return nil, false, nil
	}

	if err := g.mutex.LockContext(ctx); err != nil {
		releaseLocal()
		if isContention(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("acquire lock %s: %w", g.key, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go g.keepAlive(stop, done)

	return func() {
		defer releaseLocal()
		close(stop)
		<-done
		// A cancelled run context must not keep the lock until expiry.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if ok, err := g.mutex.UnlockContext(unlockCtx); !ok || err != nil {
			g.logger.Warn("failed to release lock", zap.String("lock_key", g.key), zap.Bool("unlock_ok", ok), zap.Error(err))
		}
	}, true, nil
}

func (g *RedisGuard) keepAlive(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := g.expiry / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			ok, err := g.mutex.ExtendContext(ctx)
			cancel()
			if !ok || err != nil {
				g.logger.Warn("failed to extend lock", zap.String("lock_key", g.key), zap.Bool("extend_ok", ok), zap.Error(err))
			}
		}
	}
}

func isContention(err error) bool {
	return errors.Is(err, redsync.ErrFailed) || strings.Contains(err.Error(), "lock already taken")
}
