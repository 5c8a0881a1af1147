package updatelog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"pkt.systems/dtxn/internal/loggingutil"
	"pkt.systems/pslog"
)

// backing is the byte container a segment lives in.
type backing interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Sync() error
	Close() error
}

// segment is a log laid out as one contiguous byte range: a fixed log header
// followed by frames. Offsets are byte positions.
type segment struct {
	mu       sync.Mutex
	back     backing
	header   Header
	end      uint64
	records  uint64
	readOnly bool
	noSync   bool
	closed   bool
	logger   pslog.Logger
}

func openSegment(back backing, size int64, opts Options, now time.Time) (*segment, error) {
	s := &segment{
		back:     back,
		readOnly: opts.ReadOnly,
		noSync:   opts.NoSync,
		logger:   loggingutil.WithSubsystem(opts.Logger, "updatelog"),
	}
	if size == 0 {
		if opts.ReadOnly {
			return nil, fmt.Errorf("%w: empty log", ErrCorrupt)
		}
		s.header = Header{Participant: opts.Participant, WriterID: newWriterID(), Created: now.UTC()}
		if _, err := back.WriteAt(encodeLogHeader(s.header), 0); err != nil {
			return nil, fmt.Errorf("updatelog: write header: %w", err)
		}
		if err := s.sync(); err != nil {
			return nil, err
		}
		s.end = logHeaderSize
		s.finishHeader()
		return s, nil
	}
	buf := make([]byte, logHeaderSize)
	if _, err := back.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrCorrupt, err)
	}
	hdr, err := decodeLogHeader(buf)
	if err != nil {
		return nil, err
	}
	if !opts.ReadOnly && hdr.Participant != opts.Participant {
		return nil, fmt.Errorf("%w: log belongs to %s, opened as %s", ErrParticipant, hdr.Participant, opts.Participant)
	}
	s.header = hdr
	if err := s.recover(size); err != nil {
		return nil, err
	}
	s.finishHeader()
	return s, nil
}

func (s *segment) finishHeader() {
	s.header.FirstOffset = logHeaderSize
	s.header.NextOffset = s.end
	s.header.Records = s.records
}

// recover walks the frames to find the end of the log. A frame cut short by
// the end of the data is a torn append and is dropped; a complete frame that
// fails validation is corruption.
func (s *segment) recover(size int64) error {
	off := uint64(logHeaderSize)
	hbuf := make([]byte, recordHeaderSize)
	for {
		if int64(off) == size {
			break
		}
		if int64(off)+recordHeaderSize > size {
			return s.dropTail(off, size)
		}
		if _, err := s.back.ReadAt(hbuf, int64(off)); err != nil {
			return fmt.Errorf("updatelog: read frame at %d: %w", off, err)
		}
		hdr, err := decodeFrameHeader(hbuf)
		if err != nil {
			if s.readOnly {
				// leave the bad frame reachable so ReadFrom reports it
				s.end = uint64(size)
				return nil
			}
			return fmt.Errorf("%w: offset %d: %v", ErrCorrupt, off, err)
		}
		next := off + recordHeaderSize + uint64(hdr.payloadLen)
		if int64(next) > size {
			return s.dropTail(off, size)
		}
		off = next
		s.records++
	}
	s.end = off
	return nil
}

func (s *segment) dropTail(off uint64, size int64) error {
	s.logger.Warn("updatelog.recover.torn_tail",
		"participant", s.header.Participant,
		"offset", off,
		"discarded_bytes", size-int64(off),
		"read_only", s.readOnly,
	)
	s.end = off
	if s.readOnly {
		return nil
	}
	if err := s.back.Truncate(int64(off)); err != nil {
		return fmt.Errorf("updatelog: truncate torn tail: %w", err)
	}
	return s.sync()
}

func (s *segment) sync() error {
	if s.noSync {
		return nil
	}
	if err := s.back.Sync(); err != nil {
		return fmt.Errorf("updatelog: sync: %w", err)
	}
	return nil
}

// Append implements Log.
func (s *segment) Append(ctx context.Context, rec Record) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if rec.Batch == nil {
		return 0, errors.New("updatelog: append without batch")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.readOnly {
		return 0, ErrReadOnly
	}
	if rec.Participant != s.header.Participant {
		return 0, fmt.Errorf("%w: record for %s in log of %s", ErrParticipant, rec.Participant, s.header.Participant)
	}
	frame := encodeFrame(rec)
	offset := s.end
	if _, err := s.back.WriteAt(frame, int64(offset)); err != nil {
		return 0, fmt.Errorf("updatelog: append at %d: %w", offset, err)
	}
	if err := s.sync(); err != nil {
		return 0, err
	}
	s.end += uint64(len(frame))
	s.records++
	s.finishHeader()
	return offset, nil
}

// ReadFrom implements Log.
func (s *segment) ReadFrom(ctx context.Context, offset uint64) (Record, uint64, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, 0, ErrClosed
	}
	if offset == 0 {
		offset = logHeaderSize
	}
	if offset < logHeaderSize {
		return Record{}, 0, fmt.Errorf("%w: offset %d inside log header", ErrCorrupt, offset)
	}
	if offset >= s.end {
		return Record{}, 0, io.EOF
	}
	hbuf := make([]byte, recordHeaderSize)
	if _, err := s.back.ReadAt(hbuf, int64(offset)); err != nil {
		return Record{}, 0, fmt.Errorf("%w: read frame at %d: %v", ErrCorrupt, offset, err)
	}
	hdr, err := decodeFrameHeader(hbuf)
	if err != nil {
		return Record{}, 0, fmt.Errorf("offset %d: %w", offset, err)
	}
	next := offset + recordHeaderSize + uint64(hdr.payloadLen)
	if next > s.end {
		return Record{}, 0, fmt.Errorf("%w: frame at %d runs past end of log", ErrCorrupt, offset)
	}
	payload := make([]byte, hdr.payloadLen)
	if _, err := s.back.ReadAt(payload, int64(offset+recordHeaderSize)); err != nil {
		return Record{}, 0, fmt.Errorf("%w: read payload at %d: %v", ErrCorrupt, offset, err)
	}
	rec, err := decodePayload(hdr, payload, offset)
	if err != nil {
		return Record{}, 0, err
	}
	return rec, next, nil
}

// ReadHeader implements Log.
func (s *segment) ReadHeader(ctx context.Context) (Header, error) {
	if err := ctx.Err(); err != nil {
		return Header{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Header{}, ErrClosed
	}
	return s.header, nil
}

// Close implements Log.
func (s *segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.back.Close()
}
