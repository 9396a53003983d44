package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithTimeout_Success(t *testing.T) {
	err := WithTimeout(context.Background(), 100*time.Millisecond, func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestWithTimeout_Timeout(t *testing.T) {
	err := WithTimeout(context.Background(), 50*time.Millisecond, func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestWithTimeout_FunctionError(t *testing.T) {
	expectedErr := errors.New("function error")
	err := WithTimeout(context.Background(), 100*time.Millisecond, func(ctx context.Context) error {
		return expectedErr
	})
	if !errors.Is(err, expectedErr) {
		t.Errorf("expected function error, got %v", err)
	}
}

func TestWithTimeout_ParentCancellationIsNotTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithTimeout(ctx, time.Second, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("expected cancellation, got ErrTimeout")
	}
}

func TestWithTimeoutValue_ReturnsValue(t *testing.T) {
	rows, err := WithTimeoutValue(context.Background(), time.Second, func(ctx context.Context) (int64, error) {
		return 1, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected 1, got %d", rows)
	}
}

func TestWithTimeoutValue_CancelsFunctionContextOnTimeout(t *testing.T) {
	observed := make(chan error, 1)
	_, err := WithTimeoutValue(context.Background(), 20*time.Millisecond, func(ctx context.Context) (int64, error) {
		<-ctx.Done()
		observed <- ctx.Err()
		return 0, ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	select {
	case ctxErr := <-observed:
		if !errors.Is(ctxErr, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded in fn, got %v", ctxErr)
		}
	case <-time.After(time.Second):
		t.Fatal("fn context was not canceled")
	}
}

func TestTimed_ReportsElapsed(t *testing.T) {
	_, elapsed, err := Timed(context.Background(), time.Second, nil, func(ctx context.Context) (bool, error) {
		time.Sleep(30 * time.Millisecond)
		return true, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed < 30*time.Millisecond {
		t.Fatalf("expected elapsed >= 30ms, got %s", elapsed)
	}
}

func TestTimed_UsesClock(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reads := 0
	now := func() time.Time {
		reads++
		return base.Add(time.Duration(reads) * time.Minute)
	}
	_, elapsed, err := Timed(context.Background(), time.Second, now, func(ctx context.Context) (int, error) {
		return 1, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed != time.Minute {
		t.Fatalf("expected elapsed read from the clock, got %s", elapsed)
	}
}
