// Package routing maps object identifiers to the participant that owns them.
package routing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/google/btree"

	"pkt.systems/dtxn/internal/fid"
)

var (
	// ErrNoRoute indicates no participant owns the FID's sequence.
	ErrNoRoute = errors.New("routing: no owning participant")
	// ErrOverlap indicates a range that intersects an existing one.
	ErrOverlap = errors.New("routing: overlapping range")
)

// ParticipantID names one storage participant.
type ParticipantID uint32

func (p ParticipantID) String() string {
	return "p" + strconv.FormatUint(uint64(p), 10)
}

// Router resolves the owning participant of an object.
type Router interface {
	Owner(ctx context.Context, f fid.FID) (ParticipantID, error)
}

// Range assigns the sequences [Start, End) to Participant.
type Range struct {
	Start       uint64
	End         uint64
	Participant ParticipantID
}

func (r Range) contains(seq uint64) bool {
	return seq >= r.Start && seq < r.End
}

func (r Range) String() string {
	return fmt.Sprintf("0x%x-0x%x=%d", r.Start, r.End, r.Participant)
}

// ParseRange parses "start-end=participant"; numbers accept 0x prefixes.
func ParseRange(s string) (Range, error) {
	bounds, owner, ok := strings.Cut(strings.TrimSpace(s), "=")
	if !ok {
		return Range{}, fmt.Errorf("routing: range %q missing '='", s)
	}
	lo, hi, ok := strings.Cut(bounds, "-")
	if !ok {
		return Range{}, fmt.Errorf("routing: range %q missing '-'", s)
	}
	start, err := strconv.ParseUint(strings.TrimSpace(lo), 0, 64)
	if err != nil {
		return Range{}, fmt.Errorf("routing: range %q start: %w", s, err)
	}
	end, err := strconv.ParseUint(strings.TrimSpace(hi), 0, 64)
	if err != nil {
		return Range{}, fmt.Errorf("routing: range %q end: %w", s, err)
	}
	p, err := strconv.ParseUint(strings.TrimSpace(owner), 0, 32)
	if err != nil {
		return Range{}, fmt.Errorf("routing: range %q participant: %w", s, err)
	}
	if end <= start {
		return Range{}, fmt.Errorf("routing: range %q is empty", s)
	}
	return Range{Start: start, End: end, Participant: ParticipantID(p)}, nil
}

type rangeItem struct {
	Range
}

var _ btree.Item = &rangeItem{}

// Less orders ranges by their start sequence.
func (r *rangeItem) Less(other btree.Item) bool {
	return r.Start < other.(*rangeItem).Start
}

const defaultBTreeDegree = 16

// Table is a Router backed by sorted sequence ranges.
type Table struct {
	mu   sync.RWMutex
	tree *btree.BTree
}

// NewTable builds a table from ranges.
func NewTable(ranges ...Range) (*Table, error) {
	t := &Table{tree: btree.New(defaultBTreeDegree)}
	for _, r := range ranges {
		if err := t.Insert(r); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Insert adds r, rejecting overlaps.
func (t *Table) Insert(r Range) error {
	if r.End <= r.Start {
		return fmt.Errorf("routing: empty range %s", r)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev := t.floor(r.End - 1); prev != nil && prev.End > r.Start {
		return fmt.Errorf("%w: %s intersects %s", ErrOverlap, r, prev.Range)
	}
	t.tree.ReplaceOrInsert(&rangeItem{Range: r})
	return nil
}

// floor returns the range with the greatest start <= seq.
func (t *Table) floor(seq uint64) *rangeItem {
	var result *rangeItem
	t.tree.DescendLessOrEqual(&rangeItem{Range: Range{Start: seq}}, func(i btree.Item) bool {
		result = i.(*rangeItem)
		return false
	})
	return result
}

// Owner returns the participant owning f's sequence.
func (t *Table) Owner(_ context.Context, f fid.FID) (ParticipantID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r := t.floor(f.Seq); r != nil && r.contains(f.Seq) {
		return r.Participant, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrNoRoute, f)
}

// Ranges lists the table in start order.
func (t *Table) Ranges() []Range {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Range, 0, t.tree.Len())
	t.tree.Ascend(func(i btree.Item) bool {
		out = append(out, i.(*rangeItem).Range)
		return true
	})
	return out
}

// Participants lists the distinct owners in ascending order.
func (t *Table) Participants() []ParticipantID {
	var out []ParticipantID
	for _, r := range t.Ranges() {
		if !slices.Contains(out, r.Participant) {
			out = append(out, r.Participant)
		}
	}
	slices.Sort(out)
	return out
}

// Static routes every FID to one participant.
type Static ParticipantID

// Owner implements Router.
func (s Static) Owner(context.Context, fid.FID) (ParticipantID, error) {
	return ParticipantID(s), nil
}
