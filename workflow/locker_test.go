package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/fiscal_backend/models"
)

func TestLocalLocker_SerializesSameKey(t *testing.T) {
	l := NewLocalLocker()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "doc-1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxInside)
	}
	if len(l.locks) != 0 {
		t.Fatalf("expected lock table to be empty, got %d entries", len(l.locks))
	}
}

func TestLocalLocker_ContextCancelIsConflict(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "doc-1"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}

	other, err := l.Lock(context.Background(), "doc-2")
	if err != nil {
		t.Fatalf("different key must not block: %v", err)
	}
	other()
}

func TestRedisLocker_NilClientFallsBackToLocal(t *testing.T) {
	l := NewRedisLocker(nil, quietLogger())
	unlock, err := l.Lock(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	unlock()
	unlock()
}
