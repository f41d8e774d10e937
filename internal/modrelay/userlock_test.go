package modrelay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestUserLocksSerializePerUser(t *testing.T) {
	locks := NewUserLocks(0)
	ctx := context.Background()

	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locks.Do(ctx, "u-1", func() error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", maxInside)
	}
}

func TestUserLocksAreIndependentAcrossUsers(t *testing.T) {
	locks := NewUserLocks(0)
	ctx := context.Background()

	release := make(chan struct{})
	holding := make(chan struct{})
	go locks.Do(ctx, "u-1", func() error {
		close(holding)
		<-release
		return nil
	})
	<-holding

	done := make(chan struct{})
	go func() {
		locks.Do(ctx, "u-2", func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("a different user's lock blocked")
	}
	close(release)
}

func TestUserLocksGrantInFIFOOrder(t *testing.T) {
	locks := NewUserLocks(0)
	ctx := context.Background()

	release := make(chan struct{})
	holding := make(chan struct{})
	go locks.Do(ctx, "u-1", func() error {
		close(holding)
		<-release
		return nil
	})
	<-holding

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			locks.Do(ctx, "u-1", func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		// Stagger the enqueues so arrival order is deterministic.
		time.Sleep(20 * time.Millisecond)
	}

	close(release)
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("order = %v, want FIFO", order)
		}
	}
}

func TestUserLocksPropagateErrors(t *testing.T) {
	locks := NewUserLocks(0)
	sentinel := errors.New("boom")
	err := locks.Do(context.Background(), "u-1", func() error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
	// The failed run released the lock.
	if err := locks.Do(context.Background(), "u-1", func() error { return nil }); err != nil {
		t.Fatalf("Do after error: %v", err)
	}
}

func TestUserLocksAbandonOnContextCancel(t *testing.T) {
	locks := NewUserLocks(0)

	release := make(chan struct{})
	holding := make(chan struct{})
	go locks.Do(context.Background(), "u-1", func() error {
		close(holding)
		<-release
		return nil
	})
	<-holding

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	ran := false
	go func() {
		errCh <- locks.Do(ctx, "u-1", func() error {
			ran = true
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if ran {
		t.Fatal("cancelled waiter still ran")
	}

	// The holder's release still works and later acquisitions proceed.
	close(release)
	if err := locks.Do(context.Background(), "u-1", func() error { return nil }); err != nil {
		t.Fatalf("Do after cancel: %v", err)
	}
}

func TestUserLocksRejectEmptyUserID(t *testing.T) {
	locks := NewUserLocks(0)
	if err := locks.Do(context.Background(), "", func() error { return nil }); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestEvictIdleReclaimsOnlyStaleEntries(t *testing.T) {
	locks := NewUserLocks(time.Minute)
	ctx := context.Background()

	locks.Do(ctx, "u-idle", func() error { return nil })
	if locks.Len() != 1 {
		t.Fatalf("Len = %d, want 1", locks.Len())
	}

	// Too fresh to evict.
	if evicted := locks.EvictIdle(time.Now()); evicted != 0 {
		t.Fatalf("evicted = %d, want 0", evicted)
	}

	// A held entry never goes, no matter how old.
	release := make(chan struct{})
	holding := make(chan struct{})
	go locks.Do(ctx, "u-held", func() error {
		close(holding)
		<-release
		return nil
	})
	<-holding

	evicted := locks.EvictIdle(time.Now().Add(time.Hour))
	if evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	if locks.Len() != 1 {
		t.Fatalf("Len = %d, want the held entry to survive", locks.Len())
	}
	close(release)
}
