package config

import (
	"context"
	"os"
	"time"

	"github.com/bsm/redislock"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)

func GetRedisDB() *redis.Client {
	return rdb
}

func GetRedisLock() *redislock.Client {
	return locker
}

func init() {
	// Load env from .env
	godotenv.Load()
}

// ConnectRedisWithRetry connects and sets the global Redis client + lock client.
// It returns nil once ctx ends without a connection; callers then run on the
// SQL counter and process-local locks.
func ConnectRedisWithRetry(ctx context.Context) *redis.Client {
	logger := GetLogger().WithField("field", "redis")
	redisAddr := os.Getenv("REDIS_ADDRESS")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
		logger.Warnf("REDIS_ADDRESS not set; defaulting to %s", redisAddr)
	}
	logger = logger.WithField("addr", redisAddr)

	var attempt int
	for {
		attempt++
		client := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       intFromEnv("REDIS_DB", 0),
			PoolSize: intFromEnv("REDIS_POOL_SIZE", 100),
		})
		err := client.Ping(ctx).Err()
		if err == nil {
			rdb = client
			locker = redislock.New(client)
			logger.WithField("attempt", attempt).Info("connected to redis")
			return client
		}
		_ = client.Close()
		if ctx.Err() != nil {
			logger.WithError(ctx.Err()).Error("giving up on redis")
			return nil
		}
		sleep := retrySleep(attempt)
		logger.WithFields(logrus.Fields{"attempt": attempt, "retry_in": sleep.String()}).WithError(err).Warn("redis connect failed")
		select {
		case <-ctx.Done():
		case <-time.After(sleep):
		}
	}
}
