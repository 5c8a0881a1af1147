package marker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/dtxn/internal/clock"
	"pkt.systems/dtxn/internal/routing"
)

func TestMemoryFirstMarkerWins(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemory(clock.NewManual(now))
	if err := s.Record(ctx, Marker{Participant: 1, BatchID: 42, Cookie: 7}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.Record(ctx, Marker{Participant: 1, BatchID: 42, Cookie: 99}); err != nil {
		t.Fatalf("re-record: %v", err)
	}
	m, ok, err := s.Lookup(ctx, 1, 42)
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	if m.Cookie != 7 || !m.RecordedAt.Equal(now) {
		t.Fatalf("unexpected marker %+v", m)
	}
	if _, ok, _ := s.Lookup(ctx, 2, 42); ok {
		t.Fatalf("unexpected marker for other participant")
	}
	if err := s.Record(ctx, Marker{Participant: 0, BatchID: 42}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if got := s.Batch(42); len(got) != 2 || got[0].Participant != 0 || got[1].Participant != 1 {
		t.Fatalf("unexpected batch markers %+v", got)
	}
	s.Forget(42)
	if s.Len() != 0 {
		t.Fatalf("expected empty store, got %d", s.Len())
	}
}

func TestSinkConcurrentPosts(t *testing.T) {
	store := NewMemory(nil)
	sink := NewSink(store, nil, 4)
	defer sink.Close()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := Marker{Participant: routing.ParticipantID(i % 4), BatchID: uint64(i)}
			if err := sink.Record(context.Background(), m); err != nil {
				t.Errorf("post %d: %v", i, err)
				return
			}
			if _, ok, _ := store.Lookup(context.Background(), m.Participant, m.BatchID); !ok {
				t.Errorf("marker %d not visible after post", i)
			}
		}(i)
	}
	wg.Wait()
	if store.Len() != 32 {
		t.Fatalf("expected 32 markers, got %d", store.Len())
	}
}

func TestSinkClosed(t *testing.T) {
	sink := NewSink(NewMemory(nil), nil, 0)
	sink.Close()
	sink.Close()
	if err := sink.Record(context.Background(), Marker{BatchID: 1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
