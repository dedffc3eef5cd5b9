package mutex

import (
	"context"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/pkg/errors"
	goredislib "github.com/redis/go-redis/v9"

	"github.com/clinicflow/bookingsaga/log"
)

const DefaultRedisLockExpiry = 30 * time.Second

type redisMutex struct {
	rs     *redsync.Redsync
	expiry time.Duration
	logger log.Logger
}

// NewRedisMutex takes redlock style locks. A lock expires after expiry unless released, so a
// crashed holder frees it eventually.
func NewRedisMutex(client goredislib.UniversalClient, expiry time.Duration, logger log.Logger) Mutex {
	if expiry <= 0 {
		expiry = DefaultRedisLockExpiry
	}

	return &redisMutex{
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: expiry,
		logger: logger,
	}
}

func (m *redisMutex) TryLock(ctx context.Context, key string) (Lock, bool, error) {
	mu := m.rs.NewMutex(key, redsync.WithExpiry(m.expiry), redsync.WithTries(1))

	if err := mu.LockContext(ctx); err != nil {
		if isContention(err) {
			m.logger.Logf(log.DebugLevel, "lock %s is held by somebody else", key)
			return nil, false, nil
		}

		return nil, false, WithMutexErr(errors.Wrapf(err, "acquiring lock %s", key))
	}

	return &redisLock{mutex: mu, key: key}, true, nil
}

func isContention(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock")
}

type redisLock struct {
	mutex *redsync.Mutex
	key   string
}

func (l *redisLock) Release(ctx context.Context) error {
	ok, err := l.mutex.UnlockContext(ctx)
	if err != nil {
		return WithMutexErr(errors.Wrapf(err, "releasing lock %s", l.key))
	}

	if !ok {
		return WithMutexErr(errors.Errorf("lock %s was not held anymore", l.key))
	}

	return nil
}
