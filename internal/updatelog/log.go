// Package updatelog persists Update Batches in a per-participant log. Each
// participant appends the batches it committed; the offset of the record is
// the participant's commit cookie for that batch.
package updatelog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"pkt.systems/dtxn/internal/routing"
	"pkt.systems/dtxn/internal/update"
	"pkt.systems/pslog"
)

var (
	// ErrCorrupt reports a record or header that fails validation.
	ErrCorrupt = errors.New("updatelog: corrupt log")
	// ErrClosed reports use of a closed log.
	ErrClosed = errors.New("updatelog: closed")
	// ErrReadOnly reports an append to a log opened read-only.
	ErrReadOnly = errors.New("updatelog: read-only")
	// ErrParticipant reports a record or header owned by another participant.
	ErrParticipant = errors.New("updatelog: participant mismatch")
)

// Record is one logged batch.
type Record struct {
	Participant routing.ParticipantID
	// Primary marks the participant whose sequence is the batch's master
	// sequence number.
	Primary bool
	// Aborted marks a record that cancels this log's latest earlier record
	// of Batch.ID: the share was logged but its transaction rolled back.
	// Only Batch.ID and Batch.MasterSeq are meaningful.
	Aborted bool
	// Transno is the participant's local transaction sequence.
	Transno uint64
	Batch   *update.Batch
	// Offset is the record's position; set by Append and ReadFrom.
	Offset uint64
}

// Header describes a log without scanning its records.
type Header struct {
	Participant routing.ParticipantID
	WriterID    uuid.UUID
	Created     time.Time
	Records     uint64
	FirstOffset uint64
	NextOffset  uint64
}

// Log is an append-only record log.
type Log interface {
	// Append persists rec and returns its offset.
	Append(ctx context.Context, rec Record) (uint64, error)
	// ReadFrom returns the record at offset together with the offset of the
	// following record. Offset zero means the first record. io.EOF marks the
	// end of the log.
	ReadFrom(ctx context.Context, offset uint64) (Record, uint64, error)
	ReadHeader(ctx context.Context) (Header, error)
	Close() error
}

// Options configures how a log is opened.
type Options struct {
	Participant routing.ParticipantID
	// ReadOnly opens an existing log for inspection; the participant is taken
	// from the log header.
	ReadOnly bool
	// NoSync skips fdatasync after appends.
	NoSync bool
	Logger pslog.Logger
}

// AbortRecord returns the record cancelling participant p's share of b.
func AbortRecord(p routing.ParticipantID, b *update.Batch) Record {
	return Record{
		Participant: p,
		Aborted:     true,
		Batch:       &update.Batch{ID: b.ID, MasterSeq: b.MasterSeq},
	}
}

// Committed returns the records of l that no later abort record cancels,
// in log order.
func Committed(ctx context.Context, l Log) ([]Record, error) {
	var out []Record
	err := Scan(ctx, l, func(rec Record) error {
		if !rec.Aborted {
			out = append(out, rec)
			return nil
		}
		for i := len(out) - 1; i >= 0; i-- {
			if out[i].Batch.ID == rec.Batch.ID {
				out = append(out[:i], out[i+1:]...)
				break
			}
		}
		return nil
	})
	return out, err
}

// Scan calls fn for every record in l in log order.
func Scan(ctx context.Context, l Log, fn func(Record) error) error {
	var offset uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, next, err := l.ReadFrom(ctx, offset)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		if next <= offset {
			return fmt.Errorf("%w: offset did not advance at %d", ErrCorrupt, offset)
		}
		offset = next
	}
}

func newWriterID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
