package routing

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/dtxn/internal/fid"
)

func TestTableOwner(t *testing.T) {
	table, err := NewTable(
		Range{Start: 0x200000400, End: 0x200000800, Participant: 0},
		Range{Start: 0x200000800, End: 0x200000c00, Participant: 1},
		Range{Start: 0x300000000, End: 0x300000400, Participant: 0},
	)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	ctx := context.Background()
	cases := []struct {
		seq  uint64
		want ParticipantID
		err  error
	}{
		{0x200000400, 0, nil},
		{0x2000007ff, 0, nil},
		{0x200000800, 1, nil},
		{0x300000001, 0, nil},
		{0x200000c00, 0, ErrNoRoute},
		{0x1, 0, ErrNoRoute},
	}
	for _, tc := range cases {
		got, err := table.Owner(ctx, fid.New(tc.seq, 1))
		if tc.err != nil {
			if !errors.Is(err, tc.err) {
				t.Fatalf("seq 0x%x: expected %v, got %v", tc.seq, tc.err, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("seq 0x%x: got %v err %v, want %v", tc.seq, got, err, tc.want)
		}
	}
	if ps := table.Participants(); len(ps) != 2 || ps[0] != 0 || ps[1] != 1 {
		t.Fatalf("unexpected participants %v", ps)
	}
}

func TestTableRejectsOverlap(t *testing.T) {
	table, err := NewTable(Range{Start: 100, End: 200, Participant: 0})
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	for _, r := range []Range{{Start: 150, End: 250}, {Start: 50, End: 101}, {Start: 120, End: 130}} {
		if err := table.Insert(r); !errors.Is(err, ErrOverlap) {
			t.Fatalf("%s: expected ErrOverlap, got %v", r, err)
		}
	}
	if err := table.Insert(Range{Start: 200, End: 300, Participant: 1}); err != nil {
		t.Fatalf("adjacent insert: %v", err)
	}
}

func TestParseRange(t *testing.T) {
	r, err := ParseRange("0x200000400-0x200000800=3")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.Start != 0x200000400 || r.End != 0x200000800 || r.Participant != 3 {
		t.Fatalf("unexpected range %+v", r)
	}
	for _, bad := range []string{"1-2", "1=2", "5-3=1", "a-b=c"} {
		if _, err := ParseRange(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
