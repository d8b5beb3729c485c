package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/fiscal_backend/models"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

// Locker serializes transitions on one document. unlock must always be called.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

// LocalLocker is an in-process, context-aware mutex per key.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localEntry)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, models.NewConflictError("document %s is busy: %v", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

func (l *LocalLocker) release(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

const documentLockPrefix = "lock:fiscal:doc:"

// RedisLocker extends LocalLocker across replicas with a redislock lease.
// A Redis outage degrades to the local lock; the store's version check still
// rejects a racing commit.
type RedisLocker struct {
	Client  *redislock.Client
	Local   *LocalLocker
	Logger  *logrus.Logger
	TTL     time.Duration
	Backoff time.Duration
}

func NewRedisLocker(client *redislock.Client, logger *logrus.Logger) *RedisLocker {
	return &RedisLocker{
		Client:  client,
		Local:   NewLocalLocker(),
		Logger:  logger,
		TTL:     2 * time.Minute,
		Backoff: 100 * time.Millisecond,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := l.Local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	if l.Client == nil {
		return unlockLocal, nil
	}

	lock, err := l.Client.Obtain(ctx, documentLockPrefix+key, l.TTL, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.Backoff),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			unlockLocal()
			return nil, models.NewConflictError("document %s is locked by another request", key)
		}
		l.Logger.WithFields(logrus.Fields{
			"field": "RedisLocker",
			"key":   key,
		}).WithError(err).Warn("redis lock unavailable; continuing with local lock")
		return unlockLocal, nil
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.Logger.WithFields(logrus.Fields{
				"field": "RedisLocker",
				"key":   key,
			}).WithError(err).Warn("failed to release redis lock")
		}
		unlockLocal()
	}, nil
}
