package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func TestDelay(t *testing.T) {
	p := Policy{
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		MaxAttempts:     4,
	}

	testCases := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{"first retry", 0, time.Second},
		{"second retry", 1, 2 * time.Second},
		{"third retry", 2, 4 * time.Second},
		{"fourth retry", 3, 8 * time.Second},
		{"capped", 10, 30 * time.Second},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := p.Delay(tc.attempt); got != tc.want {
				t.Fatalf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
			}
		})
	}
}

func TestExhausted(t *testing.T) {
	p := Policy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxAttempts: 3}

	if p.Exhausted(2) {
		t.Fatal("attempt 2 of 3 should not be exhausted")
	}
	if !p.Exhausted(3) {
		t.Fatal("attempt 3 of 3 should be exhausted")
	}

	unlimited := Policy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1}
	if unlimited.Exhausted(1000) {
		t.Fatal("policy without MaxAttempts should never exhaust")
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	p := Policy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxAttempts: 5}

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsAtMaxAttempts(t *testing.T) {
	p := Policy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxAttempts: 3}

	calls := 0
	failure := errors.New("persistent")
	err := p.Do(context.Background(), func() error {
		calls++
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected the operation error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 calls, got %d", calls)
	}
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	p := Policy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxAttempts: 5}

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return backoff.Permanent(errors.New("fatal"))
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if calls != 1 {
		t.Fatalf("permanent error should stop after 1 call, got %d", calls)
	}
}

func TestDoHonorsContext(t *testing.T) {
	p := Policy{InitialInterval: time.Hour, MaxInterval: time.Hour, Multiplier: 1, MaxAttempts: 5}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := p.Do(ctx, func() error { return errors.New("always") })
	if err == nil {
		t.Fatal("expected an error after cancellation")
	}
}
