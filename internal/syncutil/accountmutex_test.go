package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLockUnlock(t *testing.T) {
	m := NewAccountMutex()
	ctx := context.Background()

	unlock, err := m.Lock(ctx, "acct-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	unlock()

	// Re-acquire after unlock must succeed immediately.
	unlock, err = m.Lock(ctx, "acct-1")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	unlock()
}

func TestMutualExclusionSameKey(t *testing.T) {
	m := NewAccountMutex()
	ctx := context.Background()

	var counter, max int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "acct-1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			defer unlock()

			mu.Lock()
			counter++
			if counter > max {
				max = counter
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			counter--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if max != 1 {
		t.Errorf("expected at most 1 holder of the same key, saw %d", max)
	}
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	m := NewAccountMutex()
	ctx := context.Background()

	unlock1, err := m.Lock(ctx, "acct-1")
	if err != nil {
		t.Fatalf("lock acct-1: %v", err)
	}
	defer unlock1()

	done := make(chan struct{})
	go func() {
		// Distinct key hashing to a different shard should not wait.
		unlock2, err := m.Lock(ctx, "acct-2")
		if err == nil {
			unlock2()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestLockRespectsContextCancellation(t *testing.T) {
	m := NewAccountMutex()

	unlock, err := m.Lock(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := m.Lock(ctx, "acct-1"); err == nil {
		t.Fatal("expected context error while lock is held")
	}
}
