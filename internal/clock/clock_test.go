package clock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestManualAdvanceFiresWaiters(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := NewManual(start)
	ch := m.After(time.Second)
	if m.Waiters() != 1 {
		t.Fatalf("expected one waiter, got %d", m.Waiters())
	}
	m.Advance(500 * time.Millisecond)
	select {
	case <-ch:
		t.Fatalf("fired early")
	default:
	}
	m.Advance(500 * time.Millisecond)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(time.Second)) {
			t.Fatalf("fired at %v", got)
		}
	default:
		t.Fatalf("expected waiter to fire")
	}
}

func TestSleepHonoursContext(t *testing.T) {
	m := NewManual(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, m, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- Sleep(context.Background(), m, time.Minute) }()
	for m.Waiters() == 0 {
		time.Sleep(time.Millisecond)
	}
	m.Advance(time.Minute)
	if err := <-done; err != nil {
		t.Fatalf("sleep: %v", err)
	}
}
