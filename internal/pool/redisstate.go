package pool

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisHealthStore mirrors HealthTracker's per-account state into Redis so
// a fleet of chunkvault processes sharing the same accounts can converge
// on the same health view instead of each tracking failures locally. It is
// standalone: neither the engine nor AccountPool constructs or consults
// one, so they use the in-memory HealthTracker alone.
type RedisHealthStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisHealthStore builds a store against an already-configured redis
// client, namespacing keys under prefix (typically the deployment name).
func NewRedisHealthStore(client *redis.Client, prefix string) *RedisHealthStore {
	return &RedisHealthStore{client: client, prefix: prefix, ttl: 5 * time.Minute}
}

func (s *RedisHealthStore) key(accountID int) string {
	return fmt.Sprintf("%s:account:%d:state", s.prefix, accountID)
}

// Publish writes accountID's current state, refreshing its TTL so a
// process that stops updating eventually drops out of the shared view
// rather than pinning a stale Unavailable verdict forever.
func (s *RedisHealthStore) Publish(ctx context.Context, accountID int, state HealthState) error {
	return s.client.Set(ctx, s.key(accountID), int(state), s.ttl).Err()
}

// Fetch reads accountID's last published state. ok is false if nothing has
// been published yet (or its TTL expired), in which case callers should
// fall back to their own HealthTracker's view.
func (s *RedisHealthStore) Fetch(ctx context.Context, accountID int) (state HealthState, ok bool, err error) {
	v, err := s.client.Get(ctx, s.key(accountID)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redisstate: fetching account %d: %w", accountID, err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("redisstate: parsing state for account %d: %w", accountID, err)
	}
	return HealthState(n), true, nil
}

// Sync republishes every account's current HealthTracker state once per
// call; nothing in this module calls it on a schedule.
func (s *RedisHealthStore) Sync(ctx context.Context, tracker *HealthTracker, accountIDs []int) error {
	for _, id := range accountIDs {
		if err := s.Publish(ctx, id, tracker.State(id)); err != nil {
			return err
		}
	}
	return nil
}
