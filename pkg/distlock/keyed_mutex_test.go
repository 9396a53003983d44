package distlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_ExclusivePerKey(t *testing.T) {
	m := NewKeyedMutex()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Wait(context.Background(), "job"); err != nil {
				t.Errorf("Wait() error = %v", err)
				return
			}
			n := inside.Add(1)
			for {
				current := maxInside.Load()
				if n <= current || maxInside.CompareAndSwap(current, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			if err := m.Release("job"); err != nil {
				t.Errorf("Release() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Fatalf("expected at most one holder, observed %d", maxInside.Load())
	}
	if m.IsHeld("job") {
		t.Fatal("expected key to be free after all releases")
	}
}

func TestKeyedMutex_CaseInsensitive(t *testing.T) {
	m := NewKeyedMutex()
	if err := m.Wait(context.Background(), "Job-1"); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if !m.IsHeld("JOB-1") {
		t.Fatal("expected key lookup to ignore case")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := m.Wait(ctx, "job-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected differently cased key to block, got %v", err)
	}

	if err := m.Release("job-1"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if m.IsHeld("Job-1") {
		t.Fatal("expected key to be free")
	}
}

func TestKeyedMutex_ReleaseNotHeld(t *testing.T) {
	m := NewKeyedMutex()
	if err := m.Release("missing"); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}

	if err := m.Wait(context.Background(), "k"); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if err := m.Release("k"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := m.Release("k"); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld on double release, got %v", err)
	}
}

func TestKeyedMutex_CanceledWaiterLeavesNoEntry(t *testing.T) {
	m := NewKeyedMutex()
	if err := m.Wait(context.Background(), "k"); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Wait(ctx, "k") }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if err := m.Release("k"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if m.IsHeld("k") {
		t.Fatal("expected no entry after holder released and waiter gave up")
	}
}

func TestKeyedMutex_HandsOffToWaiter(t *testing.T) {
	m := NewKeyedMutex()
	if err := m.Wait(context.Background(), "k"); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		if err := m.Wait(context.Background(), "k"); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("waiter acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}

	if err := m.Release("k"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was not handed the key")
	}
	if !m.IsHeld("k") {
		t.Fatal("expected key held by the second caller")
	}
}
