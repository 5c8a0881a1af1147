// Package clustertest builds in-memory multi-participant clusters for tests.
package clustertest

import (
	"context"
	"sync"
	"testing"

	"pkt.systems/dtxn/internal/coord"
	"pkt.systems/dtxn/internal/fid"
	"pkt.systems/dtxn/internal/marker"
	"pkt.systems/dtxn/internal/objstore"
	"pkt.systems/dtxn/internal/routing"
	"pkt.systems/dtxn/internal/txn"
	"pkt.systems/dtxn/internal/update"
	"pkt.systems/dtxn/internal/updatelog"
)

const rangeWidth = 0x1000

// SeqBase returns the first FID sequence owned by participant p.
func SeqBase(p routing.ParticipantID) uint64 {
	return rangeWidth * (uint64(p) + 1)
}

// FID returns an object identifier owned by participant p.
func FID(p routing.ParticipantID, oid uint32) fid.FID {
	return fid.New(SeqBase(p), oid)
}

// Root returns the directory every participant is seeded with.
func Root(p routing.ParticipantID) fid.FID {
	return FID(p, 1)
}

// Call is one store call seen by a FaultSwitch.
type Call struct {
	Phase objstore.Phase
	FID   fid.FID
	Kind  update.Kind
}

// FaultSwitch records store calls and fails the ones Fail selects.
type FaultSwitch struct {
	mu    sync.Mutex
	fail  func(Call) error
	calls []Call
}

// Set installs fn; nil clears it.
func (s *FaultSwitch) Set(fn func(Call) error) {
	s.mu.Lock()
	s.fail = fn
	s.mu.Unlock()
}

// Calls returns the recorded calls.
func (s *FaultSwitch) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Reset forgets recorded calls.
func (s *FaultSwitch) Reset() {
	s.mu.Lock()
	s.calls = nil
	s.mu.Unlock()
}

func (s *FaultSwitch) fault(phase objstore.Phase, target fid.FID, kind update.Kind) error {
	c := Call{Phase: phase, FID: target, Kind: kind}
	s.mu.Lock()
	s.calls = append(s.calls, c)
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		return fail(c)
	}
	return nil
}

// Node is one participant's storage.
type Node struct {
	ID     routing.ParticipantID
	Store  *objstore.Memory
	Log    *updatelog.Memory
	Engine *txn.Engine
	Faults *FaultSwitch
}

// Cluster is a set of participants sharing a router and a marker store.
type Cluster struct {
	t        testing.TB
	storeCfg objstore.MemoryConfig
	Nodes    map[routing.ParticipantID]*Node
	IDs      []routing.ParticipantID
	Router   *routing.Table
	Markers  *marker.Memory
	Coord    *coord.Coordinator
}

// New builds a cluster of the given participants. Each owns the FID
// sequence range starting at SeqBase and is seeded with a root directory.
func New(t testing.TB, ids ...routing.ParticipantID) *Cluster {
	t.Helper()
	return NewWithStore(t, objstore.MemoryConfig{}, ids...)
}

// NewWithStore is New with every store built from cfg. Name and Fault are
// set per node.
func NewWithStore(t testing.TB, cfg objstore.MemoryConfig, ids ...routing.ParticipantID) *Cluster {
	t.Helper()
	c := &Cluster{t: t, storeCfg: cfg, Nodes: make(map[routing.ParticipantID]*Node), IDs: ids}
	var ranges []routing.Range
	for _, id := range ids {
		ranges = append(ranges, routing.Range{Start: SeqBase(id), End: SeqBase(id) + rangeWidth, Participant: id})
	}
	table, err := routing.NewTable(ranges...)
	if err != nil {
		t.Fatalf("routing table: %v", err)
	}
	c.Router = table
	for _, id := range ids {
		c.Nodes[id] = c.newNode(id, updatelog.NewMemory(id))
	}
	c.Restart()
	return c
}

func (c *Cluster) newNode(id routing.ParticipantID, log *updatelog.Memory) *Node {
	c.t.Helper()
	faults := &FaultSwitch{}
	cfg := c.storeCfg
	cfg.Name = id.String()
	cfg.Fault = faults.fault
	store := objstore.NewMemory(cfg)
	if err := store.Seed(Root(id), update.Attr{Valid: update.ValidMode, Mode: update.ModeDir | 0o755}); err != nil {
		c.t.Fatalf("seed %s: %v", id, err)
	}
	engine, err := txn.New(txn.Config{Store: store})
	if err != nil {
		c.t.Fatalf("engine %s: %v", id, err)
	}
	return &Node{ID: id, Store: store, Log: log, Engine: engine, Faults: faults}
}

// Participants returns the coordinator view of every node.
func (c *Cluster) Participants() []coord.Participant {
	out := make([]coord.Participant, 0, len(c.IDs))
	for _, id := range c.IDs {
		n := c.Nodes[id]
		out = append(out, coord.Participant{ID: id, Engine: n.Engine, Log: n.Log})
	}
	return out
}

// Restart drops every commit marker and rebuilds the coordinator, as a node
// restart would. Stores and logs survive.
func (c *Cluster) Restart() {
	c.t.Helper()
	c.Markers = marker.NewMemory(nil)
	co, err := coord.New(coord.Config{
		Participants: c.Participants(),
		Router:       c.Router,
		Markers:      c.Markers,
	})
	if err != nil {
		c.t.Fatalf("coordinator: %v", err)
	}
	c.Coord = co
}

// Crash loses participant p's store contents and log, then restarts.
func (c *Cluster) Crash(p routing.ParticipantID) {
	c.t.Helper()
	c.Nodes[p] = c.newNode(p, updatelog.NewMemory(p))
	c.Restart()
}

// Logs returns every participant log keyed by participant.
func (c *Cluster) Logs() map[routing.ParticipantID]updatelog.Log {
	out := make(map[routing.ParticipantID]updatelog.Log, len(c.Nodes))
	for id, n := range c.Nodes {
		out[id] = n.Log
	}
	return out
}

// Op is one operation for Batch.
type Op struct {
	FID     fid.FID
	Payload update.Payload
}

// Batch packs ops into a sealed batch.
func Batch(t testing.TB, id uint64, ops ...Op) *update.Batch {
	t.Helper()
	b := update.NewBuilder(id, update.BuilderOptions{})
	for _, op := range ops {
		if err := b.Pack(op.FID, op.Payload); err != nil {
			t.Fatalf("pack %s: %v", op.Payload.Kind(), err)
		}
	}
	return b.Seal()
}

// RegularFile returns attributes for a regular file with mode.
func RegularFile(mode uint32) update.Attr {
	return update.Attr{Valid: update.ValidMode, Mode: update.ModeRegular | mode}
}

// Rename builds the classic two-participant batch: a file created on dst
// is linked into dst's root and an entry in src's root is removed.
func Rename(t testing.TB, id uint64, src, dst routing.ParticipantID, oid uint32, name string) *update.Batch {
	t.Helper()
	file := FID(dst, oid)
	return Batch(t, id,
		Op{FID: file, Payload: update.Create{Attr: RegularFile(0o644), Parent: Root(dst)}},
		Op{FID: Root(dst), Payload: update.IndexInsert{Key: name, Target: file, Type: 1}},
		Op{FID: Root(src), Payload: update.XattrSet{Name: "trusted.renamed." + name, Value: file.Bytes()}},
	)
}

// Execute runs b through the cluster coordinator and fails the test on error.
func (c *Cluster) Execute(b *update.Batch) *coord.Result {
	c.t.Helper()
	res, err := c.Coord.Execute(context.Background(), b)
	if err != nil {
		c.t.Fatalf("execute batch %d: %v", b.ID, err)
	}
	return res
}
