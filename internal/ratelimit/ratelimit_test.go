package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestNewRejectsInvalidRate(t *testing.T) {
	tests := []struct {
		name   string
		n      int
		window time.Duration
	}{
		{"zero ops", 0, time.Minute},
		{"negative ops", -3, time.Minute},
		{"zero window", 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.n, tt.window); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestWindowSpacesConcurrentCallers(t *testing.T) {
	l, err := New(10, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	const callers = 5
	ctx := context.Background()
	start := time.Now()

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.Wait(ctx)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	}

	// Five callers at one slot per 20ms need at least four intervals.
	if elapsed := time.Since(start); elapsed < 70*time.Millisecond {
		t.Errorf("elapsed %s, want at least 70ms", elapsed)
	}
}

func TestWindowCancelled(t *testing.T) {
	l, err := New(1, time.Hour)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); err == nil {
		t.Fatal("expected error for slot beyond deadline")
	}
}

func TestUnlimited(t *testing.T) {
	l := Unlimited()
	for range 1000 {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Wait(ctx); err == nil {
		t.Fatal("expected error after cancel")
	}
}
