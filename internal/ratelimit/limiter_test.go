package ratelimit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trade-sniper/internal/domain"
	"trade-sniper/internal/ratelimit"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Fatal(string, ...interface{}) {}

func newLimiter(spacing time.Duration) *ratelimit.Limiter {
	return ratelimit.New(map[domain.Channel]ratelimit.ChannelConfig{
		domain.ChannelREST: {MinSpacing: spacing},
	}, nopLogger{})
}

// ── Spacing ────────────────────────────────────────────────────────────────

func TestSchedule_EnforcesMinimumSpacing(t *testing.T) {
	const spacing = 50 * time.Millisecond
	l := newLimiter(spacing)

	var mu sync.Mutex
	var starts []time.Time

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Schedule(context.Background(), domain.ChannelREST, func() error {
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if len(starts) != 4 {
		t.Fatalf("expected 4 executions, got %d", len(starts))
	}
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		// Allow a small scheduling slop below the nominal spacing.
		if gap < spacing-5*time.Millisecond {
			t.Errorf("operations %d and %d only %v apart, want >= %v", i-1, i, gap, spacing)
		}
	}
}

func TestSchedule_FirstOperationRunsImmediately(t *testing.T) {
	l := newLimiter(time.Second)

	start := time.Now()
	err := l.Schedule(context.Background(), domain.ChannelREST, func() error { return nil })
	if err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("first operation waited %v, want immediate execution", elapsed)
	}
}

// ── Error propagation ──────────────────────────────────────────────────────

func TestSchedule_PropagatesOperationError(t *testing.T) {
	l := newLimiter(time.Millisecond)

	wantErr := errors.New("boom")
	err := l.Schedule(context.Background(), domain.ChannelREST, func() error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Errorf("Schedule error = %v, want %v", err, wantErr)
	}
}

func TestSchedule_UnknownChannel(t *testing.T) {
	l := newLimiter(time.Millisecond)

	err := l.Schedule(context.Background(), domain.ChannelConnect, func() error { return nil })
	if err == nil {
		t.Error("expected error for unconfigured channel, got nil")
	}
}

// ── Cancellation ───────────────────────────────────────────────────────────

func TestSchedule_CancelledWhileQueued(t *testing.T) {
	const spacing = 200 * time.Millisecond
	l := newLimiter(spacing)

	// Occupy the channel so the next submission has to wait out the spacing.
	if err := l.Schedule(context.Background(), domain.ChannelREST, func() error { return nil }); err != nil {
		t.Fatalf("warm-up Schedule failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	done := make(chan error, 1)
	go func() {
		done <- l.Schedule(ctx, domain.ChannelREST, func() error {
			ran = true
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Schedule error = %v, want context.Canceled", err)
	}

	// Give the worker a chance to (incorrectly) run the cancelled op.
	time.Sleep(spacing + 50*time.Millisecond)
	if ran {
		t.Error("cancelled operation still executed")
	}
}
