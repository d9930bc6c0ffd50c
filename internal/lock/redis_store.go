// Package lock provides the cooperative per-plan lock signaling that an
// AI generation or restore is in progress. The lock is a lease with a
// TTL, so a crashed holder can never wedge a plan permanently.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease describes who currently holds a plan lock and why.
type Lease struct {
	Owner      string    `json:"owner"`
	Reason     string    `json:"reason"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// RedisStore implements the plan lock on Redis. Acquisition is a single
// SET NX so two concurrent callers can never both win.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "planlock:"}
}

func (s *RedisStore) key(planID string) string {
	return s.prefix + planID
}

// Acquire takes the lock for planID. It returns false when another owner
// already holds it.
func (s *RedisStore) Acquire(ctx context.Context, planID, owner, reason string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	payload, err := json.Marshal(Lease{Owner: owner, Reason: reason, AcquiredAt: time.Now().UTC()})
	if err != nil {
		return false, fmt.Errorf("marshal lease: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(planID), payload, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire plan lock: %w", err)
	}
	return ok, nil
}

// releaseScript deletes the lease only if owner still holds it, in one
// round trip, so an expire-and-reacquire between read and delete cannot
// drop another owner's lease.
var releaseScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
	return 0
end
local lease = cjson.decode(raw)
if lease.owner == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Release clears the lock if owner still holds it. Releasing a lock held
// by someone else, or not held at all, is a no-op.
func (s *RedisStore) Release(ctx context.Context, planID, owner string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(planID)}, owner).Err(); err != nil {
		return fmt.Errorf("release plan lock: %w", err)
	}
	return nil
}

// Holder returns the current lease, or nil when the plan is unlocked.
func (s *RedisStore) Holder(ctx context.Context, planID string) (*Lease, error) {
	raw, err := s.client.Get(ctx, s.key(planID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read plan lock: %w", err)
	}
	var lease Lease
	if err := json.Unmarshal(raw, &lease); err != nil {
		return nil, fmt.Errorf("decode plan lock: %w", err)
	}
	return &lease, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
