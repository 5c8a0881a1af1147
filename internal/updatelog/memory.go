package updatelog

import (
	"io"
	"sync"
	"time"

	"pkt.systems/dtxn/internal/routing"
)

type memBacking struct {
	mu   sync.Mutex
	data []byte
}

func (m *memBacking) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memBacking) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	return copy(m.data[off:], p), nil
}

func (m *memBacking) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size < int64(len(m.data)) {
		m.data = m.data[:size]
	}
	return nil
}

func (m *memBacking) Sync() error  { return nil }
func (m *memBacking) Close() error { return nil }

func (m *memBacking) bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// Memory is a Log held in memory with the same byte layout as a disk log.
type Memory struct {
	*segment
	back *memBacking
}

// NewMemory returns an empty log owned by participant p.
func NewMemory(p routing.ParticipantID) *Memory {
	back := &memBacking{}
	seg, err := openSegment(back, 0, Options{Participant: p, NoSync: true}, time.Now())
	if err != nil {
		// writing a header into memory cannot fail
		panic(err)
	}
	return &Memory{segment: seg, back: back}
}

// OpenMemory reopens a log image produced by Bytes, recovering its tail the
// way a disk log would after a crash.
func OpenMemory(data []byte, opts Options) (*Memory, error) {
	back := &memBacking{data: append([]byte(nil), data...)}
	opts.NoSync = true
	seg, err := openSegment(back, int64(len(data)), opts, time.Now())
	if err != nil {
		return nil, err
	}
	return &Memory{segment: seg, back: back}, nil
}

// Bytes returns a copy of the log image.
func (m *Memory) Bytes() []byte {
	return m.back.bytes()
}
