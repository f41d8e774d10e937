package modrelay

import (
	"context"
	"sync"
	"time"
)

const defaultLockIdleTTL = time.Minute

// UserLocks serializes work per user id. Waiters are granted the lock in
// strict FIFO order, so a check-then-create-then-relay sequence wrapped in
// Do can never race another message from the same user. Idle entries are
// reclaimed by EvictIdle to bound memory.
type UserLocks struct {
	mu      sync.Mutex
	idleTTL time.Duration
	queues  map[string]*userLockQueue
}

type userLockQueue struct {
	held      bool
	waiters   []chan struct{}
	idleSince time.Time
}

// NewUserLocks returns a lock map whose idle entries are considered
// evictable after idleTTL. A non-positive idleTTL uses the default of one
// minute.
func NewUserLocks(idleTTL time.Duration) *UserLocks {
	if idleTTL <= 0 {
		idleTTL = defaultLockIdleTTL
	}
	return &UserLocks{
		idleTTL: idleTTL,
		queues:  make(map[string]*userLockQueue),
	}
}

// Do runs fn while holding the lock for userID. Errors from fn propagate
// after the lock is released; the queue never swallows them. A context
// cancelled while queued abandons the slot without disturbing FIFO order.
func (l *UserLocks) Do(ctx context.Context, userID string, fn func() error) error {
	if userID == "" {
		return ErrInvalidInput
	}
	if err := l.acquire(ctx, userID); err != nil {
		return err
	}
	defer l.release(userID)
	return fn()
}

func (l *UserLocks) acquire(ctx context.Context, userID string) error {
	l.mu.Lock()
	q := l.queues[userID]
	if q == nil {
		q = &userLockQueue{}
		l.queues[userID] = q
	}
	if !q.held {
		q.held = true
		l.mu.Unlock()
		return nil
	}
	grant := make(chan struct{}, 1)
	q.waiters = append(q.waiters, grant)
	l.mu.Unlock()

	select {
	case <-grant:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, waiter := range q.waiters {
			if waiter == grant {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// The grant raced the cancellation; we own the lock and must pass
		// it on.
		<-grant
		l.release(userID)
		return ctx.Err()
	}
}

func (l *UserLocks) release(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.queues[userID]
	if q == nil {
		return
	}
	if len(q.waiters) > 0 {
		next := q.waiters[0]
		q.waiters = q.waiters[1:]
		next <- struct{}{}
		return
	}
	q.held = false
	q.idleSince = time.Now()
}

// EvictIdle removes entries that have had no holder and no waiters for at
// least the configured idle TTL, measured against now. It returns the number
// of entries removed.
func (l *UserLocks) EvictIdle(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for userID, q := range l.queues {
		if q.held || len(q.waiters) > 0 {
			continue
		}
		if now.Sub(q.idleSince) >= l.idleTTL {
			delete(l.queues, userID)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of tracked user entries.
func (l *UserLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queues)
}

// RunJanitor sweeps idle entries until ctx is cancelled.
func (l *UserLocks) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(l.idleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.EvictIdle(now)
		}
	}
}
