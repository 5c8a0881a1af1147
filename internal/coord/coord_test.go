package coord_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"pkt.systems/dtxn/internal/clustertest"
	"pkt.systems/dtxn/internal/coord"
	"pkt.systems/dtxn/internal/fid"
	"pkt.systems/dtxn/internal/marker"
	"pkt.systems/dtxn/internal/objstore"
	"pkt.systems/dtxn/internal/routing"
	"pkt.systems/dtxn/internal/txn"
	"pkt.systems/dtxn/internal/update"
	"pkt.systems/dtxn/internal/updatelog"
)

const (
	src routing.ParticipantID = 1
	dst routing.ParticipantID = 2
)

func logRecords(t *testing.T, l updatelog.Log) []updatelog.Record {
	t.Helper()
	var out []updatelog.Record
	if err := updatelog.Scan(context.Background(), l, func(r updatelog.Record) error {
		out = append(out, r)
		return nil
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return out
}

func TestExecuteAcrossParticipants(t *testing.T) {
	c := clustertest.New(t, src, dst)
	ctx := context.Background()
	res := c.Execute(clustertest.Rename(t, 42, src, dst, 10, "a"))

	dstSeq := c.Nodes[dst].Store.LastSeq()
	srcSeq := c.Nodes[src].Store.LastSeq()
	if res.MasterSeq != dstSeq {
		t.Fatalf("master seq %d, want the first participant's seq %d", res.MasterSeq, dstSeq)
	}
	for i, want := range []uint64{dstSeq, dstSeq, srcSeq} {
		if !res.Replies[i].OK() || res.Replies[i].Transno != want {
			t.Fatalf("reply %d = %+v, want transno %d", i, res.Replies[i], want)
		}
	}
	for _, p := range []routing.ParticipantID{src, dst} {
		m, ok, err := c.Markers.Lookup(ctx, p, 42)
		if err != nil || !ok {
			t.Fatalf("marker for %s missing: %v", p, err)
		}
		recs := logRecords(t, c.Nodes[p].Log)
		if len(recs) != 1 {
			t.Fatalf("%s log has %d records", p, len(recs))
		}
		if m.Cookie != recs[0].Offset || m.MasterSeq != dstSeq {
			t.Fatalf("%s marker %+v does not match record offset %d", p, m, recs[0].Offset)
		}
		if recs[0].Batch.MasterSeq != dstSeq || len(recs[0].Batch.Ops) != 3 {
			t.Fatalf("%s logged batch %+v", p, recs[0].Batch)
		}
		if recs[0].Primary != (p == dst) {
			t.Fatalf("%s record primary=%v", p, recs[0].Primary)
		}
		pr, ok := res.Participant(p)
		if !ok || pr.Skipped || pr.Marker.Cookie != m.Cookie {
			t.Fatalf("participant result for %s: %+v", p, pr)
		}
	}
	dir, _ := c.Nodes[dst].Store.Get(clustertest.Root(dst))
	if dir.Index["a"].Target != clustertest.FID(dst, 10) {
		t.Fatalf("index entry missing: %+v", dir.Index)
	}
}

func TestMarkerSkipsParticipant(t *testing.T) {
	c := clustertest.New(t, src, dst)
	ctx := context.Background()
	if err := c.Markers.Record(ctx, marker.Marker{Participant: src, BatchID: 7, Transno: 99, Cookie: 48}); err != nil {
		t.Fatalf("record: %v", err)
	}
	res := c.Execute(clustertest.Rename(t, 7, src, dst, 11, "b"))
	if opened := c.Nodes[src].Store.Stats().Opened; opened != 0 {
		t.Fatalf("skipped participant opened %d transactions", opened)
	}
	pr, ok := res.Participant(src)
	if !ok || !pr.Skipped || pr.Marker.Transno != 99 || pr.Ops != 1 {
		t.Fatalf("src result %+v", pr)
	}
	if res.Replies[2].Transno != 99 || !res.Replies[2].OK() {
		t.Fatalf("skipped reply %+v", res.Replies[2])
	}
	if len(logRecords(t, c.Nodes[src].Log)) != 0 {
		t.Fatalf("skipped participant logged the batch")
	}
	if _, ok := c.Nodes[dst].Store.Get(clustertest.FID(dst, 11)); !ok {
		t.Fatalf("pending participant did not apply its share")
	}
}

func TestDeclareFailureStartsNothing(t *testing.T) {
	c := clustertest.New(t, src, dst)
	c.Nodes[src].Faults.Set(func(call clustertest.Call) error {
		if call.Phase == objstore.PhaseDeclare {
			return objstore.ErrBusy
		}
		return nil
	})
	res, err := c.Coord.Execute(context.Background(), clustertest.Rename(t, 8, src, dst, 12, "c"))
	var declErr *txn.DeclareError
	if !errors.As(err, &declErr) || declErr.Index != 2 || !errors.Is(err, objstore.ErrBusy) {
		t.Fatalf("expected declare error on op 2, got %v", err)
	}
	for _, p := range []routing.ParticipantID{src, dst} {
		stats := c.Nodes[p].Store.Stats()
		if stats.Started != 0 || stats.Executed != 0 {
			t.Fatalf("%s started work after declare failure: %+v", p, stats)
		}
	}
	for i, r := range res.Replies {
		if r.OK() {
			t.Fatalf("reply %d reports success", i)
		}
	}
	if c.Markers.Len() != 0 {
		t.Fatalf("markers recorded after declare failure")
	}
}

func TestExecuteFailureUndoesAcrossParticipants(t *testing.T) {
	c := clustertest.New(t, src, dst)
	c.Nodes[src].Faults.Set(func(call clustertest.Call) error {
		if call.Phase == objstore.PhaseExec && call.Kind == update.KindXattrSet {
			return objstore.ErrNoSpace
		}
		return nil
	})
	_, err := c.Coord.Execute(context.Background(), clustertest.Rename(t, 9, src, dst, 13, "d"))
	var execErr *txn.ExecuteError
	if !errors.As(err, &execErr) || execErr.Index != 2 {
		t.Fatalf("expected execute error on op 2, got %v", err)
	}
	var kinds []update.Kind
	for _, call := range c.Nodes[dst].Faults.Calls() {
		if call.Phase == objstore.PhaseExec {
			kinds = append(kinds, call.Kind)
		}
	}
	want := []update.Kind{update.KindCreate, update.KindIndexInsert, update.KindIndexDelete, update.KindDestroy}
	if len(kinds) != len(want) {
		t.Fatalf("dst exec calls %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("dst exec call %d = %s, want %s", i, kinds[i], want[i])
		}
	}
	if _, ok := c.Nodes[dst].Store.Get(clustertest.FID(dst, 13)); ok {
		t.Fatalf("created file survived global undo")
	}
	dir, _ := c.Nodes[dst].Store.Get(clustertest.Root(dst))
	if _, ok := dir.Index["d"]; ok {
		t.Fatalf("index entry survived global undo")
	}
	if c.Markers.Len() != 0 || len(logRecords(t, c.Nodes[dst].Log)) != 0 {
		t.Fatalf("failed batch left markers or log records")
	}
}

// failingLog fails every Append while err is set.
type failingLog struct {
	updatelog.Log
	err error
}

func (l *failingLog) Append(ctx context.Context, rec updatelog.Record) (uint64, error) {
	if l.err != nil {
		return 0, l.err
	}
	return l.Log.Append(ctx, rec)
}

func TestLogFailureUndoesBatch(t *testing.T) {
	c := clustertest.New(t, src, dst)
	ctx := context.Background()
	errDiskFull := errors.New("disk full")
	dstLog := &failingLog{Log: c.Nodes[dst].Log, err: errDiskFull}
	parts := c.Participants()
	for i := range parts {
		if parts[i].ID == dst {
			parts[i].Log = dstLog
		}
	}
	co, err := coord.New(coord.Config{Participants: parts, Router: c.Router, Markers: c.Markers})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	res, err := co.Execute(ctx, clustertest.Rename(t, 42, src, dst, 10, "a"))
	if !errors.Is(err, errDiskFull) {
		t.Fatalf("expected log failure, got %v", err)
	}
	for i, r := range res.Replies {
		if r.OK() {
			t.Fatalf("reply %d reports success", i)
		}
	}
	for _, p := range []routing.ParticipantID{src, dst} {
		if stats := c.Nodes[p].Store.Stats(); stats.Committed != 0 {
			t.Fatalf("%s committed after log failure: %+v", p, stats)
		}
	}
	if _, ok := c.Nodes[dst].Store.Get(clustertest.FID(dst, 10)); ok {
		t.Fatalf("created file survived log failure")
	}
	if dir, _ := c.Nodes[dst].Store.Get(clustertest.Root(dst)); len(dir.Index) != 0 {
		t.Fatalf("index entry survived log failure: %+v", dir.Index)
	}
	if root, _ := c.Nodes[src].Store.Get(clustertest.Root(src)); len(root.Xattrs) != 0 {
		t.Fatalf("xattr survived log failure: %+v", root.Xattrs)
	}
	if c.Markers.Len() != 0 {
		t.Fatalf("markers recorded for a failed batch")
	}
	recs := logRecords(t, c.Nodes[src].Log)
	if len(recs) != 2 || recs[0].Aborted || !recs[1].Aborted || recs[1].Batch.ID != 42 {
		t.Fatalf("src log should hold the share and its abort: %+v", recs)
	}
	committed, err := updatelog.Committed(ctx, c.Nodes[src].Log)
	if err != nil || len(committed) != 0 {
		t.Fatalf("aborted share still committed in src log: %+v %v", committed, err)
	}

	dstLog.err = nil
	res, err = co.Execute(ctx, clustertest.Rename(t, 42, src, dst, 10, "a"))
	if err != nil {
		t.Fatalf("retry after log failure: %v", err)
	}
	for i, r := range res.Replies {
		if !r.OK() {
			t.Fatalf("retry reply %d = %+v", i, r)
		}
	}
}

type failingRecorder struct{ err error }

func (r failingRecorder) Record(context.Context, marker.Marker) error { return r.err }

func TestMarkerFailureKeepsCommittedBatch(t *testing.T) {
	c := clustertest.New(t, src, dst)
	co, err := coord.New(coord.Config{
		Participants: c.Participants(),
		Router:       c.Router,
		Markers:      c.Markers,
		Recorder:     failingRecorder{err: errors.New("marker store down")},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := co.Execute(context.Background(), clustertest.Rename(t, 43, src, dst, 11, "b"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	for i, r := range res.Replies {
		if !r.OK() || r.Transno == 0 {
			t.Fatalf("reply %d = %+v", i, r)
		}
	}
	for _, p := range []routing.ParticipantID{src, dst} {
		recs := logRecords(t, c.Nodes[p].Log)
		if len(recs) != 1 || recs[0].Transno != c.Nodes[p].Store.LastSeq() {
			t.Fatalf("%s log %+v", p, recs)
		}
	}
	if c.Markers.Len() != 0 {
		t.Fatalf("marker store unexpectedly holds markers")
	}
}

func TestCrossedBatchesWithAdmissionLimit(t *testing.T) {
	c := clustertest.NewWithStore(t, objstore.MemoryConfig{MaxOpenTxns: 1}, src, dst)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	crossed := func(id uint64, first, second routing.ParticipantID) *update.Batch {
		return clustertest.Batch(t, id,
			clustertest.Op{FID: clustertest.Root(first), Payload: update.XattrSet{Name: "user.n", Value: []byte("1")}},
			clustertest.Op{FID: clustertest.Root(second), Payload: update.XattrSet{Name: "user.n", Value: []byte("2")}},
		)
	}
	const rounds = 100
	batches := func(base uint64, first, second routing.ParticipantID) []*update.Batch {
		out := make([]*update.Batch, rounds)
		for i := range out {
			out[i] = crossed(base+uint64(i), first, second)
		}
		return out
	}
	errs := make(chan error, 2)
	run := func(bs []*update.Batch) {
		for _, b := range bs {
			if _, err := c.Coord.Execute(ctx, b); err != nil {
				errs <- fmt.Errorf("batch %d: %w", b.ID, err)
				return
			}
		}
		errs <- nil
	}
	go run(batches(1000, src, dst))
	go run(batches(5000, dst, src))
	for range 2 {
		if err := <-errs; err != nil {
			t.Fatalf("crossed batches: %v", err)
		}
	}
	for _, p := range []routing.ParticipantID{src, dst} {
		if got := c.Nodes[p].Store.Stats().Committed; got != 2*rounds {
			t.Fatalf("%s committed %d transactions, want %d", p, got, 2*rounds)
		}
	}
}

func TestAllParticipantsCommitted(t *testing.T) {
	c := clustertest.New(t, src, dst)
	ctx := context.Background()
	for _, p := range []routing.ParticipantID{src, dst} {
		if err := c.Markers.Record(ctx, marker.Marker{Participant: p, BatchID: 5, MasterSeq: 3}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	batch := clustertest.Rename(t, 5, src, dst, 14, "e")
	batch.MasterSeq = 3
	res := c.Execute(batch)
	if res.MasterSeq != 3 {
		t.Fatalf("master seq %d", res.MasterSeq)
	}
	for _, p := range []routing.ParticipantID{src, dst} {
		if c.Nodes[p].Store.Stats().Opened != 0 {
			t.Fatalf("%s opened a transaction", p)
		}
	}
}

func TestPresetMasterSeqIsKept(t *testing.T) {
	c := clustertest.New(t, src, dst)
	batch := clustertest.Rename(t, 6, src, dst, 15, "f")
	batch.MasterSeq = 1234
	res := c.Execute(batch)
	if res.MasterSeq != 1234 {
		t.Fatalf("master seq overwritten: %d", res.MasterSeq)
	}
	for _, p := range []routing.ParticipantID{src, dst} {
		recs := logRecords(t, c.Nodes[p].Log)
		if len(recs) != 1 || recs[0].Batch.MasterSeq != 1234 || recs[0].Primary {
			t.Fatalf("%s record %+v", p, recs)
		}
	}
}

func TestUnroutableOperation(t *testing.T) {
	c := clustertest.New(t, src, dst)
	batch := clustertest.Batch(t, 1, clustertest.Op{FID: fid.New(0xdead0000, 1), Payload: update.AttrGet{}})
	if _, err := c.Coord.Execute(context.Background(), batch); !errors.Is(err, routing.ErrNoRoute) {
		t.Fatalf("expected no route, got %v", err)
	}
}

func TestCommitMarkersThroughSink(t *testing.T) {
	c := clustertest.New(t, src, dst)
	sink := marker.NewSink(c.Markers, nil, 4)
	defer sink.Close()
	co, err := coord.New(coord.Config{
		Participants: c.Participants(),
		Router:       c.Router,
		Markers:      c.Markers,
		Recorder:     sink,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := co.Execute(context.Background(), clustertest.Rename(t, 77, src, dst, 16, "g")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := len(c.Markers.Batch(77)); got != 2 {
		t.Fatalf("expected 2 markers through the sink, got %d", got)
	}
}

func TestNewValidates(t *testing.T) {
	c := clustertest.New(t, src)
	if _, err := coord.New(coord.Config{Participants: c.Participants(), Markers: c.Markers}); err == nil {
		t.Fatalf("expected router error")
	}
	parts := append(c.Participants(), c.Participants()...)
	if _, err := coord.New(coord.Config{Participants: parts, Router: c.Router, Markers: c.Markers}); err == nil {
		t.Fatalf("expected duplicate participant error")
	}
}
