// Package marker records which participants have durably applied which
// batches. A marker for (participant, batch id) means "do not redo".
package marker

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"pkt.systems/dtxn/internal/clock"
	"pkt.systems/dtxn/internal/routing"
)

// ErrClosed is returned by a Sink after Close.
var ErrClosed = errors.New("marker: sink closed")

// Marker is the payload recorded once a participant's share of a batch is
// persistent. Cookie is the record offset in that participant's update log.
type Marker struct {
	Participant routing.ParticipantID
	BatchID     uint64
	MasterSeq   uint64
	Cookie      uint64
	Transno     uint64
	RecordedAt  time.Time
}

// Recorder accepts commit markers.
type Recorder interface {
	Record(ctx context.Context, m Marker) error
}

// Store records and looks up commit markers. Implementations must be safe
// for concurrent use; commit callbacks record from foreign goroutines.
type Store interface {
	Recorder
	Lookup(ctx context.Context, p routing.ParticipantID, batchID uint64) (Marker, bool, error)
}

type key struct {
	participant routing.ParticipantID
	batch       uint64
}

// Memory is a Store guarded by its own lock.
type Memory struct {
	clock clock.Clock

	mu      sync.RWMutex
	markers map[key]Marker
}

// NewMemory returns an empty marker store. clk may be nil.
func NewMemory(clk clock.Clock) *Memory {
	return &Memory{clock: clock.Ensure(clk), markers: make(map[key]Marker)}
}

// Record stores m. The first marker for a (participant, batch) pair wins;
// recording it again is a no-op.
func (s *Memory) Record(_ context.Context, m Marker) error {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = s.clock.Now()
	}
	k := key{participant: m.Participant, batch: m.BatchID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markers[k]; ok {
		return nil
	}
	s.markers[k] = m
	return nil
}

// Lookup returns the marker for (p, batchID) if one was recorded.
func (s *Memory) Lookup(_ context.Context, p routing.ParticipantID, batchID uint64) (Marker, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markers[key{participant: p, batch: batchID}]
	return m, ok, nil
}

// Forget drops every marker of batchID.
func (s *Memory) Forget(batchID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.markers {
		if k.batch == batchID {
			delete(s.markers, k)
		}
	}
}

// Len returns the number of markers held.
func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.markers)
}

// Batch lists the markers recorded for batchID ordered by participant.
func (s *Memory) Batch(batchID uint64) []Marker {
	s.mu.RLock()
	out := make([]Marker, 0, 2)
	for k, m := range s.markers {
		if k.batch == batchID {
			out = append(out, m)
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b Marker) int {
		return cmp.Compare(a.Participant, b.Participant)
	})
	return out
}
