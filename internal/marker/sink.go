package marker

import (
	"context"
	"sync"

	"pkt.systems/dtxn/internal/loggingutil"
	"pkt.systems/pslog"
)

type post struct {
	marker Marker
	done   chan error
}

// Sink serializes marker recording through a channel drained by one
// goroutine. Commit callbacks post into it from whatever goroutine the store
// commits on; Post returns once the marker is visible to Lookup.
type Sink struct {
	store  Recorder
	logger pslog.Logger
	posts  chan post

	closeOnce sync.Once
	closed    chan struct{}
	stopped   chan struct{}
}

// NewSink starts the drain goroutine. Close must be called to stop it.
func NewSink(store Recorder, logger pslog.Logger, buffer int) *Sink {
	if buffer < 0 {
		buffer = 0
	}
	s := &Sink{
		store:   store,
		logger:  loggingutil.WithSubsystem(logger, "marker.sink"),
		posts:   make(chan post, buffer),
		closed:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sink) run() {
	defer close(s.stopped)
	for {
		select {
		case p := <-s.posts:
			err := s.store.Record(context.Background(), p.marker)
			if err != nil {
				s.logger.Error("marker.record.failed",
					"participant", p.marker.Participant,
					"batch_id", p.marker.BatchID,
					"error", err,
				)
			}
			p.done <- err
		case <-s.closed:
			return
		}
	}
}

// Record posts m and waits for it to be stored.
func (s *Sink) Record(ctx context.Context, m Marker) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	p := post{marker: m, done: make(chan error, 1)}
	select {
	case s.posts <- p:
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-p.done:
		return err
	case <-s.stopped:
		// run exited before picking the post up
		select {
		case err := <-p.done:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the drain goroutine.
func (s *Sink) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
	<-s.stopped
}
