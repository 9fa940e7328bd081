package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shijo-seo/shijo/internal/plans"
)

const dailyKeyPrefix = "usage:daily:"

// RedisDailyStore keeps free-tier daily counters in Redis. Each key expires
// a retention window after its day ends, so pruning is handled by TTL.
type RedisDailyStore struct {
	rdb       redis.Cmdable
	retention time.Duration
}

// NewRedisDailyStore creates a daily store. retentionDays <= 0 keeps keys
// for one day past the counted day.
func NewRedisDailyStore(rdb redis.Cmdable, retentionDays int) *RedisDailyStore {
	if retentionDays <= 0 {
		retentionDays = 1
	}
	return &RedisDailyStore{rdb: rdb, retention: time.Duration(retentionDays) * 24 * time.Hour}
}

func dailyRedisKey(userID string, f plans.Feature, day string) string {
	return dailyKeyPrefix + userID + ":" + f.Key() + ":" + day
}

func (r *RedisDailyStore) GetDaily(ctx context.Context, userID string, f plans.Feature, day string) (int64, error) {
	n, err := r.rdb.Get(ctx, dailyRedisKey(userID, f, day)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("getting daily usage: %w", err)
	}
	return n, nil
}

func (r *RedisDailyStore) IncrementDaily(ctx context.Context, userID string, f plans.Feature, day string) (int64, error) {
	if !f.Valid() {
		return 0, ErrUnknownFeature
	}
	d, err := time.Parse(time.DateOnly, day)
	if err != nil {
		return 0, fmt.Errorf("invalid day %q: %w", day, err)
	}
	key := dailyRedisKey(userID, f, day)

	pipe := r.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireAt(ctx, key, d.Add(24*time.Hour+r.retention))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("daily usage pipeline: %w", err)
	}
	return incr.Val(), nil
}

// PruneDaily is a no-op; keys expire on their own.
func (r *RedisDailyStore) PruneDaily(context.Context, string) (int64, error) {
	return 0, nil
}

// PurgeUser deletes every daily counter owned by userID.
func (r *RedisDailyStore) PurgeUser(ctx context.Context, userID string) error {
	iter := r.rdb.Scan(ctx, 0, dailyKeyPrefix+userID+":*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scanning daily usage: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return r.rdb.Del(ctx, keys...).Err()
}

var _ DailyStore = (*RedisDailyStore)(nil)
