package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockPrefix     = "task:lock:"
	schedPrefix    = "task:sched:"
	progressPrefix = "task:progress:"
)

// Only the holder may release; compare the stored token before DEL so an
// expired lock re-acquired by another handler is never released by the first.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// AcquireTaskLock takes the per-task completion lock. ok=false means another
// reconciliation path holds it; callers no-op.
func (s *Store) AcquireTaskLock(ctx context.Context, taskID string, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = s.rdb.SetNX(ctx, lockPrefix+taskID, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (s *Store) ReleaseTaskLock(ctx context.Context, taskID, token string) error {
	return releaseScript.Run(ctx, s.rdb, []string{lockPrefix + taskID}, token).Err()
}

// MarkScheduled sets the short-lived "a poll is already queued" marker.
// ok=false means a concurrent path already scheduled one.
func (s *Store) MarkScheduled(ctx context.Context, taskID string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, schedPrefix+taskID, "1", ttl).Result()
}

// SetProgress caches a non-terminal progress hint. Deliberately cheap: no
// lock, no database write.
func (s *Store) SetProgress(ctx context.Context, taskID string, percent int, ttl time.Duration) error {
	return s.rdb.Set(ctx, progressPrefix+taskID, percent, ttl).Err()
}

func (s *Store) GetProgress(ctx context.Context, taskID string) (int, bool, error) {
	v, err := s.rdb.Get(ctx, progressPrefix+taskID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, nil
	}
	return n, true, nil
}
