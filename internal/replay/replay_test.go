package replay_test

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/dtxn/internal/clustertest"
	"pkt.systems/dtxn/internal/fid"
	"pkt.systems/dtxn/internal/objstore"
	"pkt.systems/dtxn/internal/replay"
	"pkt.systems/dtxn/internal/routing"
	"pkt.systems/dtxn/internal/txn"
	"pkt.systems/dtxn/internal/update"
	"pkt.systems/dtxn/internal/updatelog"
)

const (
	pA routing.ParticipantID = 1
	pB routing.ParticipantID = 2
	pC routing.ParticipantID = 3
)

func newEngine(t *testing.T, c *clustertest.Cluster, retry replay.RetryPolicy) *replay.Engine {
	t.Helper()
	e, err := replay.New(replay.Config{
		Coordinator: c.Coord,
		Router:      c.Router,
		Markers:     c.Markers,
		Logs:        c.Logs(),
		Retry:       retry,
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if err := e.Ingest(context.Background()); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return e
}

func appendRecord(t *testing.T, l updatelog.Log, p routing.ParticipantID, primary bool, b *update.Batch) {
	t.Helper()
	if _, err := l.Append(context.Background(), updatelog.Record{Participant: p, Primary: primary, Batch: b}); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestRedrivesOnlyMissingParticipant(t *testing.T) {
	c := clustertest.New(t, pA, pB)
	ctx := context.Background()
	c.Execute(clustertest.Rename(t, 42, pB, pA, 10, "a"))

	file := clustertest.FID(pA, 10)
	fileBefore, ok := c.Nodes[pA].Store.Get(file)
	if !ok {
		t.Fatalf("file missing before crash")
	}
	rootBefore, _ := c.Nodes[pA].Store.Get(clustertest.Root(pA))
	bRecords := len(scan(t, c.Nodes[pB].Log))
	bSeq := c.Nodes[pB].Store.LastSeq()

	c.Crash(pA)
	if _, ok := c.Nodes[pA].Store.Get(file); ok {
		t.Fatalf("crash did not lose the file")
	}
	bStats := c.Nodes[pB].Store.Stats()

	e := newEngine(t, c, replay.RetryPolicy{})
	if m, ok, err := c.Markers.Lookup(ctx, pB, 42); err != nil || !ok || m.Transno != bSeq {
		t.Fatalf("rebuilt marker %+v ok=%v err=%v, want transno %d", m, ok, err, bSeq)
	}
	plan, err := e.Plan(ctx)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan) != 1 || plan[0].BatchID != 42 || len(plan[0].Participants) != 2 {
		t.Fatalf("unexpected plan %+v", plan)
	}
	for _, pp := range plan[0].Participants {
		if pp.Committed != (pp.Participant == pB) {
			t.Fatalf("plan participant %+v", pp)
		}
	}

	rep, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Retired != 1 || rep.Redriven != 1 || rep.Remaining != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if got := c.Nodes[pB].Store.Stats(); got != bStats {
		t.Fatalf("participant with a marker was touched: before %+v after %+v", bStats, got)
	}
	fileAfter, ok := c.Nodes[pA].Store.Get(file)
	if !ok || !reflect.DeepEqual(fileBefore, fileAfter) {
		t.Fatalf("file after replay %+v, want %+v", fileAfter, fileBefore)
	}
	rootAfter, _ := c.Nodes[pA].Store.Get(clustertest.Root(pA))
	if !reflect.DeepEqual(rootBefore, rootAfter) {
		t.Fatalf("root after replay %+v, want %+v", rootAfter, rootBefore)
	}
	if len(scan(t, c.Nodes[pB].Log)) != bRecords {
		t.Fatalf("replay appended to the committed participant's log")
	}
	recs := scan(t, c.Nodes[pA].Log)
	if len(recs) != 1 || recs[0].Batch.ID != 42 {
		t.Fatalf("redriven participant did not log the batch: %+v", recs)
	}
	bRec := scan(t, c.Nodes[pB].Log)[0]
	if recs[0].Batch.MasterSeq != bRec.Batch.MasterSeq {
		t.Fatalf("redrive changed the master seq: %d != %d", recs[0].Batch.MasterSeq, bRec.Batch.MasterSeq)
	}

	// a second pass over the same logs finds every marker and executes nothing
	c.Restart()
	aStats, bStats := c.Nodes[pA].Store.Stats(), c.Nodes[pB].Store.Stats()
	again := newEngine(t, c, replay.RetryPolicy{})
	rep, err = again.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if rep.AlreadyCommitted != 1 || rep.Redriven != 0 {
		t.Fatalf("second run report %+v", rep)
	}
	res := c.Execute(clustertest.Rename(t, 42, pB, pA, 10, "a"))
	if r := res.Replies[2]; !r.OK() || r.Transno != bSeq {
		t.Fatalf("skipped participant reply %+v, want transno %d", r, bSeq)
	}
	if c.Nodes[pA].Store.Stats() != aStats || c.Nodes[pB].Store.Stats() != bStats {
		t.Fatalf("second replay touched a store")
	}
}

func scan(t *testing.T, l updatelog.Log) []updatelog.Record {
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

// orderedBatches logs, in B's log, a write with master seq 9 before the
// create it depends on with master seq 5. Both touch A and B.
func orderedBatches(t *testing.T, c *clustertest.Cluster) {
	t.Helper()
	file := clustertest.FID(pA, 20)
	write := clustertest.Batch(t, 200,
		clustertest.Op{FID: file, Payload: update.Write{Data: []byte("late"), Pos: 0}},
		clustertest.Op{FID: clustertest.Root(pB), Payload: update.XattrSet{Name: "user.w", Value: []byte("1")}},
	)
	write.MasterSeq = 9
	create := clustertest.Batch(t, 100,
		clustertest.Op{FID: file, Payload: update.Create{Attr: clustertest.RegularFile(0o644)}},
		clustertest.Op{FID: clustertest.Root(pB), Payload: update.XattrSet{Name: "user.c", Value: []byte("1")}},
	)
	create.MasterSeq = 5
	appendRecord(t, c.Nodes[pB].Log, pB, false, write)
	appendRecord(t, c.Nodes[pB].Log, pB, false, create)
}

func TestReplayOrdersByMasterSeq(t *testing.T) {
	c := clustertest.New(t, pA, pB)
	orderedBatches(t, c)
	e := newEngine(t, c, replay.RetryPolicy{})
	pending := e.Pending()
	if len(pending) != 2 || pending[0].MasterSeq != 5 || pending[1].MasterSeq != 9 {
		t.Fatalf("unexpected order %+v", pending)
	}
	rep, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Redriven != 2 {
		t.Fatalf("report %+v", rep)
	}
	snap, ok := c.Nodes[pA].Store.Get(clustertest.FID(pA, 20))
	if !ok || string(snap.Data) != "late" {
		t.Fatalf("file state %+v", snap)
	}
	if c.Nodes[pB].Store.Stats().Opened != 0 {
		t.Fatalf("participant B holds markers and must not be touched")
	}
}

func TestReplayStopsAtFirstFailure(t *testing.T) {
	c := clustertest.New(t, pA, pB)
	orderedBatches(t, c)
	c.Nodes[pA].Faults.Set(func(call clustertest.Call) error {
		if call.Phase == objstore.PhaseExec && call.Kind == update.KindCreate {
			return objstore.ErrNoSpace
		}
		return nil
	})
	e := newEngine(t, c, replay.RetryPolicy{MaxAttempts: 2})
	rep, err := e.Run(context.Background())
	var execErr *txn.ExecuteError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected execute error, got %v", err)
	}
	if rep.Failed == nil || rep.Failed.BatchID != 100 || rep.Failed.Attempts != 2 {
		t.Fatalf("unexpected failure %+v", rep.Failed)
	}
	if rep.Remaining != 2 || len(e.Pending()) != 2 {
		t.Fatalf("failed request must stay pending with its successors: %+v", rep)
	}
	for _, call := range c.Nodes[pA].Faults.Calls() {
		if call.Kind == update.KindWrite {
			t.Fatalf("later request ran after a failure")
		}
	}
}

func TestReplayRetriesWithinPolicy(t *testing.T) {
	c := clustertest.New(t, pA, pB)
	orderedBatches(t, c)
	var failures atomic.Int32
	c.Nodes[pA].Faults.Set(func(call clustertest.Call) error {
		if call.Phase == objstore.PhaseExec && call.Kind == update.KindCreate && failures.Add(1) == 1 {
			return objstore.ErrBusy
		}
		return nil
	})
	e := newEngine(t, c, replay.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	rep, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Retired != 2 || rep.Failed != nil {
		t.Fatalf("report %+v", rep)
	}
}

func TestCorruptPayloadIsNotRetried(t *testing.T) {
	c := clustertest.New(t, pA, pB)
	b := clustertest.Batch(t, 9, clustertest.Op{FID: clustertest.Root(pA), Payload: update.AttrGet{}})
	// attr-set needs an attribute parameter the op does not carry
	b.Ops[0].Kind = update.KindAttrSet
	b.MasterSeq = 1
	appendRecord(t, c.Nodes[pB].Log, pB, true, b)
	e := newEngine(t, c, replay.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour})
	rep, err := e.Run(context.Background())
	if !errors.Is(err, update.ErrCorrupt) {
		t.Fatalf("expected corruption error, got %v", err)
	}
	if rep.Failed == nil || rep.Failed.Attempts != 1 || rep.Remaining != 1 {
		t.Fatalf("corrupt batch must fail on the first attempt: %+v", rep.Failed)
	}
}

func TestAbortedShareIsNotReplayed(t *testing.T) {
	c := clustertest.New(t, pA, pB)
	ctx := context.Background()
	b := clustertest.Batch(t, 11, clustertest.Op{FID: clustertest.Root(pA), Payload: update.XattrSet{Name: "user.x", Value: []byte("1")}})
	b.MasterSeq = 4
	appendRecord(t, c.Nodes[pA].Log, pA, true, b)
	if _, err := c.Nodes[pA].Log.Append(ctx, updatelog.AbortRecord(pA, b)); err != nil {
		t.Fatalf("append abort: %v", err)
	}
	e := newEngine(t, c, replay.RetryPolicy{})
	if n := len(e.Pending()); n != 0 {
		t.Fatalf("aborted share is pending: %d requests", n)
	}
	if _, ok, _ := c.Markers.Lookup(ctx, pA, 11); ok {
		t.Fatalf("aborted share produced a marker")
	}
}

func TestIngestResequences(t *testing.T) {
	c := clustertest.New(t, pA, pB, pC)
	ctx := context.Background()
	e := newEngine(t, c, replay.RetryPolicy{})
	mk := func(id, seq uint64) *update.Batch {
		b := clustertest.Batch(t, id, clustertest.Op{FID: clustertest.Root(pA), Payload: update.AttrGet{}})
		b.MasterSeq = seq
		return b
	}
	ingest := func(p routing.ParticipantID, primary bool, b *update.Batch) {
		t.Helper()
		if err := e.IngestRecord(ctx, updatelog.Record{Participant: p, Primary: primary, Batch: b, Offset: 48}); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	ingest(pB, false, mk(30, 0))
	ingest(pB, false, mk(31, 7))
	if got := e.Pending(); got[0].BatchID != 30 {
		t.Fatalf("unknown sequence should sort first, got %d", got[0].BatchID)
	}
	ingest(pA, true, mk(30, 12))
	ingest(pC, false, mk(30, 3))
	got := e.Pending()
	if len(got) != 2 || got[0].BatchID != 31 || got[1].BatchID != 30 || got[1].MasterSeq != 12 {
		t.Fatalf("unexpected order after resequencing: %d/%d seq %d", got[0].BatchID, got[1].BatchID, got[1].MasterSeq)
	}
	if len(got[1].Logged) != 3 {
		t.Fatalf("expected markers from three logs, got %d", len(got[1].Logged))
	}
}

func TestAttributionFailureHalts(t *testing.T) {
	c := clustertest.New(t, pA, pB)
	b := clustertest.Batch(t, 7,
		clustertest.Op{FID: clustertest.Root(pB), Payload: update.AttrGet{}},
		clustertest.Op{FID: fid.New(0xfeed0000, 1), Payload: update.AttrGet{}},
	)
	b.MasterSeq = 1
	appendRecord(t, c.Nodes[pB].Log, pB, true, b)
	e := newEngine(t, c, replay.RetryPolicy{MaxAttempts: 3})
	plan, err := e.Plan(context.Background())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan) != 1 || !errors.Is(plan[0].Err, replay.ErrAttribution) {
		t.Fatalf("plan should report attribution failure: %+v", plan)
	}
	rep, err := e.Run(context.Background())
	if !errors.Is(err, replay.ErrAttribution) {
		t.Fatalf("expected attribution failure, got %v", err)
	}
	if rep.Failed == nil || rep.Failed.Attempts != 0 {
		t.Fatalf("attribution failures are not retried: %+v", rep.Failed)
	}
}
