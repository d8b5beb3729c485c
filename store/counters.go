package store

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/fiscal_backend/appctx"
	"bitbucket.org/mmdatafocus/fiscal_backend/sequencer"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// RedisCounter numbers documents with INCR on one key per stream.
type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) IncrementAndGet(ctx context.Context, key sequencer.Key) (int64, error) {
	return c.client.Incr(ctx, key.String()).Result()
}

// raiseTo sets KEYS[1] to ARGV[1] only when the current value is lower.
var raiseTo = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local floor = tonumber(ARGV[1])
if cur < floor then
  redis.call('SET', KEYS[1], floor)
  return floor
end
return cur
`)

// EnsureAtLeast raises the counter for key to floor so a Redis restore from an
// older snapshot cannot hand out numbers that are already persisted.
func (c *RedisCounter) EnsureAtLeast(ctx context.Context, key sequencer.Key, floor int64) (int64, error) {
	return raiseTo.Run(ctx, c.client, []string{key.String()}, floor).Int64()
}

// SQLCounter numbers documents with a MySQL upsert on document_counters.
// LAST_INSERT_ID is connection-scoped, so both statements run in one transaction.
type SQLCounter struct {
	db *gorm.DB
}

func NewSQLCounter(db *gorm.DB) *SQLCounter {
	return &SQLCounter{db: db}
}

func (c *SQLCounter) IncrementAndGet(ctx context.Context, key sequencer.Key) (int64, error) {
	var next int64
	err := c.db.WithContext(appctx.WithoutTenantScope(ctx)).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(
			"INSERT INTO document_counters (issuer_id, kind, series, last_value, updated_at) VALUES (?, ?, ?, LAST_INSERT_ID(1), NOW()) "+
				"ON DUPLICATE KEY UPDATE last_value = LAST_INSERT_ID(last_value + 1), updated_at = NOW()",
			key.IssuerId, key.Kind, key.Series,
		).Error; err != nil {
			return err
		}
		return tx.Raw("SELECT LAST_INSERT_ID()").Scan(&next).Error
	})
	return next, err
}

type FloorSource interface {
	MaxDocumentNumbers(ctx context.Context) ([]CounterFloor, error)
}

// ResyncCounters raises every Redis counter to the highest number already
// persisted for its stream. It returns how many streams were synced.
func ResyncCounters(ctx context.Context, src FloorSource, counter *RedisCounter) (int, error) {
	floors, err := src.MaxDocumentNumbers(appctx.WithoutTenantScope(ctx))
	if err != nil {
		return 0, err
	}
	synced := 0
	for _, f := range floors {
		key := sequencer.Key{IssuerId: f.IssuerId, Kind: f.Kind, Series: f.Series}
		if _, err := counter.EnsureAtLeast(ctx, key, f.MaxNumber); err != nil {
			return synced, fmt.Errorf("resync %s: %w", key, err)
		}
		synced++
	}
	return synced, nil
}
