package webhook

import (
	"context"
	"sync"
	"time"
)

// Scheduler is a min-heap of delayed tasks keyed by fire time. Each key has at
// most one pending task; scheduling a key again replaces it.
//
//	Schedule: O(log n)
//	Cancel:   O(log n)
//	RunDue:   O(k log n) for k due tasks
type Scheduler struct {
	mu    sync.Mutex
	heap  []*task
	byKey map[string]*task
	wake  chan struct{}
}

type task struct {
	key string
	at  time.Time
	fn  func()
	pos int
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		byKey: make(map[string]*task),
		wake:  make(chan struct{}, 1),
	}
}

func (s *Scheduler) Schedule(key string, at time.Time, fn func()) {
	s.mu.Lock()
	if old, ok := s.byKey[key]; ok {
		s.remove(old.pos)
	}
	t := &task{key: key, at: at, fn: fn, pos: len(s.heap)}
	s.heap = append(s.heap, t)
	s.byKey[key] = t
	s.siftUp(t.pos)
	s.mu.Unlock()
	s.notify()
}

// Cancel drops the pending task for key. It reports whether one existed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byKey[key]
	if !ok {
		return false
	}
	s.remove(t.pos)
	return true
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// Next returns the fire time of the earliest task.
func (s *Scheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].at, true
}

// popDue removes and returns the tasks due at now, earliest first.
func (s *Scheduler) popDue(now time.Time) []*task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*task
	for len(s.heap) > 0 && !s.heap[0].at.After(now) {
		t := s.heap[0]
		s.remove(0)
		due = append(due, t)
	}
	return due
}

// RunDue runs every task due at now on the calling goroutine and returns how
// many ran. Tasks scheduled by those tasks wait for the next call.
func (s *Scheduler) RunDue(now time.Time) int {
	due := s.popDue(now)
	for _, t := range due {
		t.fn()
	}
	return len(due)
}

// Run fires tasks on their own goroutines as they come due, until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		for _, t := range s.popDue(time.Now()) {
			go t.fn()
		}

		wait := time.Hour
		if at, ok := s.Next(); ok {
			wait = time.Until(at)
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) remove(i int) {
	t := s.heap[i]
	last := len(s.heap) - 1
	if i != last {
		s.swap(i, last)
	}
	s.heap[last] = nil
	s.heap = s.heap[:last]
	delete(s.byKey, t.key)
	if i < len(s.heap) {
		s.siftDown(i)
		s.siftUp(i)
	}
}

func (s *Scheduler) less(i, j int) bool {
	return s.heap[i].at.Before(s.heap[j].at)
}

func (s *Scheduler) swap(i, j int) {
	s.heap[i], s.heap[j] = s.heap[j], s.heap[i]
	s.heap[i].pos = i
	s.heap[j].pos = j
}

func (s *Scheduler) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !s.less(i, parent) {
			break
		}
		s.swap(i, parent)
		i = parent
	}
}

func (s *Scheduler) siftDown(i int) {
	n := len(s.heap)
	for {
		smallest := i
		left, right := 2*i+1, 2*i+2
		if left < n && s.less(left, smallest) {
			smallest = left
		}
		if right < n && s.less(right, smallest) {
			smallest = right
		}
		if smallest == i {
			return
		}
		s.swap(i, smallest)
		i = smallest
	}
}
