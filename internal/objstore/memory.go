package objstore

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"pkt.systems/dtxn/internal/fid"
	"pkt.systems/dtxn/internal/loggingutil"
	"pkt.systems/dtxn/internal/update"
	"pkt.systems/pslog"
)

// Phase identifies where an injected fault fires.
type Phase uint8

const (
	PhaseDeclare Phase = iota + 1
	PhaseExec
)

func (p Phase) String() string {
	switch p {
	case PhaseDeclare:
		return "declare"
	case PhaseExec:
		return "exec"
	}
	return "unknown"
}

// FaultFunc may return an error to make a declare or a primitive fail.
// kind is the primitive being run, which for undo work is the inverse
// operation (destroy undoes create).
type FaultFunc func(phase Phase, target fid.FID, kind update.Kind) error

// DefaultMaxObjectSize bounds object data when MemoryConfig.MaxObjectSize
// is zero.
const DefaultMaxObjectSize = 1 << 30

// MemoryConfig tunes the in-memory store.
type MemoryConfig struct {
	Name string
	// MaxObjectSize bounds the end offset of any write. Zero means
	// DefaultMaxObjectSize.
	MaxObjectSize uint64
	// MaxObjects bounds live plus reserved objects. Zero disables the quota.
	MaxObjects int
	// MaxCredits bounds declares per transaction. Zero disables the limit.
	MaxCredits int
	// MaxOpenTxns bounds concurrently open transactions; Open blocks when the
	// limit is reached. Zero disables the limit.
	MaxOpenTxns int64
	Fault       FaultFunc
	Logger      pslog.Logger
}

// Stats counts store activity.
type Stats struct {
	Opened    int64
	Started   int64
	Committed int64
	Aborted   int64
	Declared  int64
	Executed  int64
}

// Memory is an in-memory Store with per-object locks.
type Memory struct {
	name   string
	cfg    MemoryConfig
	logger pslog.Logger
	sem    *semaphore.Weighted

	mu       sync.Mutex
	objects  map[fid.FID]*memObject
	reserved int

	live atomic.Int64
	seq  atomic.Uint64

	opened, started, committed, aborted, declared, executed atomic.Int64
}

// NewMemory constructs an empty in-memory store.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.Name == "" {
		cfg.Name = "mem"
	}
	if cfg.MaxObjectSize == 0 {
		cfg.MaxObjectSize = DefaultMaxObjectSize
	}
	m := &Memory{
		name:    cfg.Name,
		cfg:     cfg,
		logger:  loggingutil.WithSubsystem(cfg.Logger, "objstore.memory"),
		objects: make(map[fid.FID]*memObject),
	}
	if cfg.MaxOpenTxns > 0 {
		m.sem = semaphore.NewWeighted(cfg.MaxOpenTxns)
	}
	return m
}

// Name returns the store name.
func (m *Memory) Name() string { return m.name }

// Stats returns a copy of the activity counters.
func (m *Memory) Stats() Stats {
	return Stats{
		Opened:    m.opened.Load(),
		Started:   m.started.Load(),
		Committed: m.committed.Load(),
		Aborted:   m.aborted.Load(),
		Declared:  m.declared.Load(),
		Executed:  m.executed.Load(),
	}
}

// LastSeq returns the most recently assigned transaction sequence.
func (m *Memory) LastSeq() uint64 { return m.seq.Load() }

type memObject struct {
	store *Memory
	id    fid.FID
	refs  int // guarded by store.mu

	mu     sync.Mutex
	exists bool
	attr   update.Attr
	xattrs map[string][]byte
	index  map[string]IndexEntry
	data   []byte
}

func (o *memObject) FID() fid.FID { return o.id }

func (o *memObject) Exists() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.exists
}

func (o *memObject) Release() {
	s := o.store
	s.mu.Lock()
	defer s.mu.Unlock()
	o.refs--
	if o.refs > 0 {
		return
	}
	o.mu.Lock()
	gone := !o.exists
	o.mu.Unlock()
	if gone && s.objects[o.id] == o {
		delete(s.objects, o.id)
	}
}

func (o *memObject) snapshotLocked() Snapshot {
	snap := Snapshot{Exists: o.exists, Attr: o.attr}
	if o.xattrs != nil {
		snap.Xattrs = maps.Clone(o.xattrs)
	}
	if o.index != nil {
		snap.Index = maps.Clone(o.index)
	}
	if o.data != nil {
		snap.Data = bytes.Clone(o.data)
	}
	return snap
}

// Resolve returns a handle for f, creating an absent placeholder if needed.
func (m *Memory) Resolve(_ context.Context, f fid.FID) (Object, error) {
	if !f.Sane() {
		return nil, fmt.Errorf("%w: fid %s", ErrInvalid, f)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[f]
	if !ok {
		obj = &memObject{store: m, id: f}
		m.objects[f] = obj
	}
	obj.refs++
	return obj, nil
}

// Seed creates an object outside any transaction.
func (m *Memory) Seed(f fid.FID, attr update.Attr) error {
	obj, err := m.Resolve(context.Background(), f)
	if err != nil {
		return err
	}
	defer obj.Release()
	o := obj.(*memObject)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.exists {
		return fmt.Errorf("%w: %s", ErrExist, f)
	}
	o.exists = true
	o.attr = attr
	m.live.Add(1)
	return nil
}

// Get returns a snapshot of f.
func (m *Memory) Get(f fid.FID) (Snapshot, bool) {
	m.mu.Lock()
	o, ok := m.objects[f]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.exists {
		return Snapshot{}, false
	}
	return o.snapshotLocked(), true
}

// Objects returns the identifiers of every existing object.
func (m *Memory) Objects() []fid.FID {
	m.mu.Lock()
	candidates := make([]*memObject, 0, len(m.objects))
	for _, o := range m.objects {
		candidates = append(candidates, o)
	}
	m.mu.Unlock()
	out := make([]fid.FID, 0, len(candidates))
	for _, o := range candidates {
		if o.Exists() {
			out = append(out, o.id)
		}
	}
	return out
}

// Open starts a transaction in the declare state.
func (m *Memory) Open(ctx context.Context) (Txn, error) {
	if m.sem != nil {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}
	m.opened.Add(1)
	return &memTxn{store: m, state: txnOpen}, nil
}

type txnState uint8

const (
	txnOpen txnState = iota
	txnStarted
	txnStopped
)

type memTxn struct {
	store *Memory

	mu        sync.Mutex
	state     txnState
	seq       uint64
	credits   int
	reserved  int
	callbacks []CommitFunc
}

func (t *memTxn) object(obj Object) (*memObject, error) {
	o, ok := obj.(*memObject)
	if !ok || o.store != t.store {
		return nil, fmt.Errorf("%w: foreign object handle", ErrInvalid)
	}
	return o, nil
}

func (t *memTxn) Declare(_ context.Context, obj Object, p update.Payload) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != txnOpen {
		return fmt.Errorf("%w: declare after start", ErrTxnState)
	}
	o, err := t.object(obj)
	if err != nil {
		return err
	}
	s := t.store
	if s.cfg.Fault != nil {
		if err := s.cfg.Fault(PhaseDeclare, o.id, p.Kind()); err != nil {
			return err
		}
	}
	if w, ok := p.(update.Write); ok {
		if err := s.checkWriteRange(w.Pos, len(w.Data)); err != nil {
			return err
		}
	}
	if s.cfg.MaxCredits > 0 && t.credits >= s.cfg.MaxCredits {
		return fmt.Errorf("%w: %d credits in use", ErrBusy, t.credits)
	}
	if p.Kind() == update.KindCreate && s.cfg.MaxObjects > 0 {
		s.mu.Lock()
		if int(s.live.Load())+s.reserved >= s.cfg.MaxObjects {
			s.mu.Unlock()
			return fmt.Errorf("%w: object quota %d reached", ErrNoSpace, s.cfg.MaxObjects)
		}
		s.reserved++
		s.mu.Unlock()
		t.reserved++
	}
	t.credits++
	s.declared.Add(1)
	return nil
}

func (t *memTxn) Start(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != txnOpen {
		return fmt.Errorf("%w: start twice", ErrTxnState)
	}
	t.state = txnStarted
	t.seq = t.store.seq.Add(1)
	t.store.started.Add(1)
	return nil
}

func (t *memTxn) Seq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}

func (t *memTxn) OnCommit(fn CommitFunc) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	t.callbacks = append(t.callbacks, fn)
	t.mu.Unlock()
}

func (t *memTxn) Stop(ctx context.Context, result error) (Commit, error) {
	t.mu.Lock()
	if t.state == txnStopped {
		t.mu.Unlock()
		return Commit{}, fmt.Errorf("%w: stop twice", ErrTxnState)
	}
	started := t.state == txnStarted
	t.state = txnStopped
	callbacks := t.callbacks
	t.callbacks = nil
	commit := Commit{Store: t.store.name, Seq: t.seq}
	reserved := t.reserved
	t.reserved = 0
	t.mu.Unlock()

	s := t.store
	if reserved > 0 {
		s.mu.Lock()
		s.reserved -= reserved
		s.mu.Unlock()
	}
	if s.sem != nil {
		s.sem.Release(1)
	}
	if result != nil || !started {
		s.aborted.Add(1)
		return commit, nil
	}
	s.committed.Add(1)
	if len(callbacks) == 0 {
		return commit, nil
	}
	// commit callbacks run on their own goroutine, like a journal commit thread
	errs := make(chan error, 1)
	go func() {
		var first error
		for _, fn := range callbacks {
			if err := fn(ctx, commit); err != nil && first == nil {
				first = err
			}
		}
		errs <- first
	}()
	if err := <-errs; err != nil {
		s.logger.Error("objstore.commit.callback_failed", "store", s.name, "seq", commit.Seq, "error", err)
		return commit, err
	}
	return commit, nil
}

// exec locks o, checks the transaction state and runs fn.
func (t *memTxn) exec(obj Object, kind update.Kind, fn func(o *memObject) error) error {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()
	if state != txnStarted {
		return fmt.Errorf("%w: %s outside started transaction", ErrTxnState, kind)
	}
	o, err := t.object(obj)
	if err != nil {
		return err
	}
	s := t.store
	if s.cfg.Fault != nil {
		if err := s.cfg.Fault(PhaseExec, o.id, kind); err != nil {
			return err
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	s.executed.Add(1)
	return fn(o)
}

func requireExists(o *memObject) error {
	if !o.exists {
		return fmt.Errorf("%w: %s", ErrNotFound, o.id)
	}
	return nil
}

func requireDir(o *memObject) error {
	if err := requireExists(o); err != nil {
		return err
	}
	if !o.attr.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDir, o.id)
	}
	return nil
}

func (t *memTxn) Create(_ context.Context, obj Object, attr update.Attr) error {
	return t.exec(obj, update.KindCreate, func(o *memObject) error {
		if o.exists {
			return fmt.Errorf("%w: %s", ErrExist, o.id)
		}
		o.exists = true
		o.attr = attr
		if o.attr.Nlink == 0 {
			o.attr.Nlink = 1
			o.attr.Valid |= update.ValidNlink
		}
		o.xattrs = nil
		o.index = nil
		o.data = nil
		t.store.live.Add(1)
		return nil
	})
}

func (t *memTxn) Destroy(_ context.Context, obj Object) error {
	return t.exec(obj, update.KindDestroy, func(o *memObject) error {
		if err := requireExists(o); err != nil {
			return err
		}
		o.exists = false
		o.attr = update.Attr{}
		o.xattrs = nil
		o.index = nil
		o.data = nil
		t.store.live.Add(-1)
		return nil
	})
}

func (t *memTxn) RefAdd(_ context.Context, obj Object) error {
	return t.exec(obj, update.KindRefAdd, func(o *memObject) error {
		if err := requireExists(o); err != nil {
			return err
		}
		o.attr.Nlink++
		return nil
	})
}

func (t *memTxn) RefDel(_ context.Context, obj Object) error {
	return t.exec(obj, update.KindRefDel, func(o *memObject) error {
		if err := requireExists(o); err != nil {
			return err
		}
		if o.attr.Nlink == 0 {
			return fmt.Errorf("%w: %s link count already zero", ErrInvalid, o.id)
		}
		o.attr.Nlink--
		return nil
	})
}

func (t *memTxn) AttrSet(_ context.Context, obj Object, attr update.Attr) error {
	return t.exec(obj, update.KindAttrSet, func(o *memObject) error {
		if err := requireExists(o); err != nil {
			return err
		}
		o.attr = attr.Apply(o.attr)
		return nil
	})
}

func (t *memTxn) AttrGet(_ context.Context, obj Object) (update.Attr, error) {
	var out update.Attr
	err := t.exec(obj, update.KindAttrGet, func(o *memObject) error {
		if err := requireExists(o); err != nil {
			return err
		}
		out = o.attr
		return nil
	})
	return out, err
}

func (t *memTxn) XattrSet(_ context.Context, obj Object, name string, value []byte, flags uint32) error {
	return t.exec(obj, update.KindXattrSet, func(o *memObject) error {
		if err := requireExists(o); err != nil {
			return err
		}
		_, present := o.xattrs[name]
		if flags&update.XattrCreate != 0 && present {
			return fmt.Errorf("%w: xattr %q", ErrExist, name)
		}
		if flags&update.XattrReplace != 0 && !present {
			return fmt.Errorf("%w: xattr %q", ErrNoData, name)
		}
		if o.xattrs == nil {
			o.xattrs = make(map[string][]byte)
		}
		o.xattrs[name] = bytes.Clone(value)
		return nil
	})
}

func (t *memTxn) XattrGet(_ context.Context, obj Object, name string) ([]byte, error) {
	var out []byte
	err := t.exec(obj, update.KindXattrGet, func(o *memObject) error {
		if err := requireExists(o); err != nil {
			return err
		}
		v, ok := o.xattrs[name]
		if !ok {
			return fmt.Errorf("%w: xattr %q", ErrNoData, name)
		}
		out = bytes.Clone(v)
		return nil
	})
	return out, err
}

func (t *memTxn) XattrDel(_ context.Context, obj Object, name string) error {
	return t.exec(obj, update.KindXattrDel, func(o *memObject) error {
		if err := requireExists(o); err != nil {
			return err
		}
		if _, ok := o.xattrs[name]; !ok {
			return fmt.Errorf("%w: xattr %q", ErrNoData, name)
		}
		delete(o.xattrs, name)
		return nil
	})
}

func (t *memTxn) IndexInsert(_ context.Context, obj Object, key string, entry IndexEntry) error {
	return t.exec(obj, update.KindIndexInsert, func(o *memObject) error {
		if err := requireDir(o); err != nil {
			return err
		}
		if _, ok := o.index[key]; ok {
			return fmt.Errorf("%w: index key %q", ErrExist, key)
		}
		if o.index == nil {
			o.index = make(map[string]IndexEntry)
		}
		o.index[key] = entry
		return nil
	})
}

func (t *memTxn) IndexDelete(_ context.Context, obj Object, key string) error {
	return t.exec(obj, update.KindIndexDelete, func(o *memObject) error {
		if err := requireDir(o); err != nil {
			return err
		}
		if _, ok := o.index[key]; !ok {
			return fmt.Errorf("%w: index key %q", ErrNotFound, key)
		}
		delete(o.index, key)
		return nil
	})
}

func (t *memTxn) IndexLookup(_ context.Context, obj Object, key string) (IndexEntry, error) {
	var out IndexEntry
	err := t.exec(obj, update.KindIndexLookup, func(o *memObject) error {
		if err := requireDir(o); err != nil {
			return err
		}
		entry, ok := o.index[key]
		if !ok {
			return fmt.Errorf("%w: index key %q", ErrNotFound, key)
		}
		out = entry
		return nil
	})
	return out, err
}

func (t *memTxn) Write(_ context.Context, obj Object, pos uint64, data []byte) error {
	return t.exec(obj, update.KindWrite, func(o *memObject) error {
		if err := requireExists(o); err != nil {
			return err
		}
		if err := t.store.checkWriteRange(pos, len(data)); err != nil {
			return err
		}
		end := pos + uint64(len(data))
		if uint64(len(o.data)) < end {
			grown := make([]byte, end)
			copy(grown, o.data)
			o.data = grown
		}
		copy(o.data[pos:], data)
		if o.attr.Size < end {
			o.attr.Size = end
			o.attr.Valid |= update.ValidSize
		}
		return nil
	})
}

// checkWriteRange rejects writes ending past the object size limit.
func (m *Memory) checkWriteRange(pos uint64, n int) error {
	end := pos + uint64(n)
	if end < pos || end > m.cfg.MaxObjectSize {
		return fmt.Errorf("%w: write [%d, +%d) exceeds %d bytes", ErrFileTooBig, pos, n, m.cfg.MaxObjectSize)
	}
	return nil
}

func (t *memTxn) Read(_ context.Context, obj Object, pos, size uint64) ([]byte, error) {
	var out []byte
	err := t.exec(obj, update.KindRead, func(o *memObject) error {
		if err := requireExists(o); err != nil {
			return err
		}
		length := uint64(len(o.data))
		if pos >= length {
			out = []byte{}
			return nil
		}
		end := length
		if size < length-pos {
			end = pos + size
		}
		out = bytes.Clone(o.data[pos:end])
		return nil
	})
	return out, err
}

func (t *memTxn) Snapshot(_ context.Context, obj Object) (Snapshot, error) {
	o, err := t.object(obj)
	if err != nil {
		return Snapshot{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked(), nil
}

func (t *memTxn) Restore(_ context.Context, obj Object, snap Snapshot) error {
	// fault hooks see a restore as a write
	return t.exec(obj, update.KindWrite, func(o *memObject) error {
		switch {
		case snap.Exists && !o.exists:
			t.store.live.Add(1)
		case !snap.Exists && o.exists:
			t.store.live.Add(-1)
		}
		o.exists = snap.Exists
		o.attr = snap.Attr
		o.xattrs = maps.Clone(snap.Xattrs)
		o.index = maps.Clone(snap.Index)
		o.data = bytes.Clone(snap.Data)
		return nil
	})
}
