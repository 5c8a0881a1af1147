// Package txn turns Update Batches into local storage transactions. Every
// operation is declared before anything executes; an execute failure rolls
// the already applied operations back in reverse order.
package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/dtxn/internal/fid"
	"pkt.systems/dtxn/internal/loggingutil"
	"pkt.systems/dtxn/internal/objstore"
	"pkt.systems/dtxn/internal/update"
	"pkt.systems/pslog"
)

// Config wires an Engine to its participant-local store.
type Config struct {
	Store  objstore.Store
	Logger pslog.Logger
}

// Engine opens transactions against one store. It is safe for concurrent
// use; each Txn belongs to the goroutine that opened it.
type Engine struct {
	store   objstore.Store
	logger  pslog.Logger
	metrics *engineMetrics
}

// New constructs an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("txn: store required")
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "txn.engine")
	return &Engine{
		store:   cfg.Store,
		logger:  logger,
		metrics: newEngineMetrics(logger),
	}, nil
}

// Store returns the store the engine executes against.
func (e *Engine) Store() objstore.Store { return e.store }

type state uint8

const (
	stateOpen state = iota
	stateStarted
	stateExecuted
	stateClosed
)

// Request is one operation handed to Declare.
type Request struct {
	// Index is the operation's position in its batch, used in errors.
	Index   int
	FID     fid.FID
	Payload update.Payload
	// Reply, when set, receives the outcome at Close.
	Reply *ReplySlot
}

// arg is a declared operation: its resolved object, its kind-specific
// handler and, once executed, the undo for what it applied.
type arg struct {
	req      Request
	obj      objstore.Object
	h        handler
	undo     undoFunc
	executed bool
	undone   bool
}

// Txn is the local storage transaction of one batch id.
type Txn struct {
	engine  *Engine
	batchID uint64
	tx      objstore.Txn
	args    []*arg
	state   state
	opened  time.Time
}

// Open creates the local transaction for batchID. It blocks while the store
// cannot admit another transaction.
func (e *Engine) Open(ctx context.Context, batchID uint64) (*Txn, error) {
	tx, err := e.store.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("txn: open %s: %w", e.store.Name(), err)
	}
	return &Txn{engine: e, batchID: batchID, tx: tx, opened: time.Now()}, nil
}

// BatchID returns the batch id the transaction was opened for.
func (t *Txn) BatchID() uint64 { return t.batchID }

// Len returns the number of declared operations.
func (t *Txn) Len() int { return len(t.args) }

// Seq returns the local sequence assigned at Start.
func (t *Txn) Seq() uint64 { return t.tx.Seq() }

// OnCommit registers fn to run once the local transaction commits.
func (t *Txn) OnCommit(fn objstore.CommitFunc) { t.tx.OnCommit(fn) }

// Declare resolves the request's target and reserves what executing it will
// need. It returns the argument index used by ExecArg and UndoArg. A failed
// declare leaves no trace; the caller is expected to Close with the error.
func (t *Txn) Declare(ctx context.Context, req Request) (int, error) {
	if t.state != stateOpen {
		return -1, fmt.Errorf("%w: declare after start", ErrState)
	}
	kind := update.Kind(0)
	if req.Payload != nil {
		kind = req.Payload.Kind()
	}
	fail := func(err error) (int, error) {
		t.engine.metrics.recordDeclare(ctx, kind, err)
		return -1, &DeclareError{Index: req.Index, FID: req.FID, Kind: kind, Err: err}
	}
	h, err := handlerFor(req.Payload)
	if err != nil {
		return fail(err)
	}
	obj, err := t.engine.store.Resolve(ctx, req.FID)
	if err != nil {
		return fail(err)
	}
	if err := h.declare(ctx, t.tx, obj); err != nil {
		obj.Release()
		return fail(err)
	}
	t.engine.metrics.recordDeclare(ctx, kind, nil)
	t.args = append(t.args, &arg{req: req, obj: obj, h: h})
	return len(t.args) - 1, nil
}

// Start starts the local transaction. Only valid once every declare of the
// batch succeeded.
func (t *Txn) Start(ctx context.Context) error {
	if t.state != stateOpen {
		return fmt.Errorf("%w: start twice", ErrState)
	}
	if err := t.tx.Start(ctx); err != nil {
		return fmt.Errorf("txn: start batch %d: %w", t.batchID, err)
	}
	t.state = stateStarted
	return nil
}

// ExecArg executes the declared argument i.
func (t *Txn) ExecArg(ctx context.Context, i int) error {
	if t.state != stateStarted {
		return fmt.Errorf("%w: execute outside started transaction", ErrState)
	}
	a := t.args[i]
	if a.executed {
		return fmt.Errorf("%w: op %d executed twice", ErrState, a.req.Index)
	}
	kind := a.h.payload().Kind()
	undo, err := a.h.exec(ctx, t.tx, a.obj, a.req.Reply)
	t.engine.metrics.recordExec(ctx, kind, err)
	if err != nil {
		return &ExecuteError{Index: a.req.Index, FID: a.req.FID, Kind: kind, Err: err}
	}
	a.executed = true
	a.undo = undo
	return nil
}

// UndoArg reverses argument i if it executed and has an undo. cause is the
// failure being rolled back and is only used for reporting.
func (t *Txn) UndoArg(ctx context.Context, i int, cause error) error {
	a := t.args[i]
	if !a.executed || a.undone || a.undo == nil {
		return nil
	}
	kind := a.h.payload().Kind()
	err := a.undo(ctx, t.tx, a.obj)
	t.engine.metrics.recordUndo(ctx, kind, err)
	if err != nil {
		uerr := &UndoError{Index: a.req.Index, FID: a.req.FID, Kind: kind, Err: err, Cause: cause}
		t.engine.logger.Error("txn.undo.failed",
			"batch_id", t.batchID,
			"op", a.req.Index,
			"fid", a.req.FID,
			"kind", kind,
			"error", err,
			"cause", cause,
			"requires_failover", true,
		)
		return uerr
	}
	a.undone = true
	t.engine.logger.Debug("txn.undo.applied", "batch_id", t.batchID, "op", a.req.Index, "kind", kind)
	return nil
}

// Execute runs every declared argument in order. When argument i fails the
// arguments i-1 down to 0 are undone before the execute error is returned;
// a failing undo stops the cascade and is returned instead.
func (t *Txn) Execute(ctx context.Context) error {
	for i := range t.args {
		if err := t.ExecArg(ctx, i); err != nil {
			if uerr := t.undoFrom(ctx, i-1, err); uerr != nil {
				return uerr
			}
			return err
		}
	}
	t.state = stateExecuted
	return nil
}

func (t *Txn) undoFrom(ctx context.Context, last int, cause error) error {
	for j := last; j >= 0; j-- {
		if err := t.UndoArg(ctx, j, cause); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the local transaction with result and writes every reply
// slot: on success the code is zero and Transno the local sequence, on
// failure every slot carries the result's code. Object handles are released.
func (t *Txn) Close(ctx context.Context, result error) (objstore.Commit, error) {
	if t.state == stateClosed {
		return objstore.Commit{}, fmt.Errorf("%w: close twice", ErrState)
	}
	started := t.state != stateOpen
	t.state = stateClosed
	commit, err := t.tx.Stop(ctx, result)
	for _, a := range t.args {
		a.obj.Release()
	}
	if result == nil && err != nil {
		result = err
	}
	code := ResultCode(result)
	for _, a := range t.args {
		r := a.req.Reply
		if r == nil {
			continue
		}
		r.Code = code
		if result == nil {
			r.Transno = commit.Seq
		} else {
			r.Transno = 0
			r.Data = nil
		}
	}
	t.engine.metrics.recordBatch(ctx, time.Since(t.opened), started, result)
	if result != nil {
		t.engine.logger.Debug("txn.close.failed", "batch_id", t.batchID, "ops", len(t.args), "started", started, "error", result)
	} else {
		t.engine.logger.Trace("txn.close.committed", "batch_id", t.batchID, "ops", len(t.args), "seq", commit.Seq)
	}
	return commit, err
}

// Run applies b as one local transaction: declare every operation, start,
// execute with undo on failure and close. The returned slots hold one reply
// per operation.
func (e *Engine) Run(ctx context.Context, b *update.Batch) ([]ReplySlot, error) {
	entries := make([]Entry, len(b.Ops))
	for i, op := range b.Ops {
		p, err := b.Payload(i)
		if err != nil {
			return nil, fmt.Errorf("txn: batch %d op %d: %w", b.ID, i, err)
		}
		entries[i] = Entry{BatchID: b.ID, FID: op.FID, Payload: p}
	}
	return e.Handle(ctx, entries)
}

// Entry is one operation of a request that may span several batch ids.
type Entry struct {
	BatchID uint64
	FID     fid.FID
	Payload update.Payload
}

// Handle processes entries in order, opening one local transaction per run
// of consecutive entries that share a batch id. A change of batch id closes
// the current transaction before the next one opens; operations are never
// coalesced across batch ids. Processing stops at the first failed batch;
// the slots of entries after it carry -ECANCELED.
func (e *Engine) Handle(ctx context.Context, entries []Entry) ([]ReplySlot, error) {
	replies := make([]ReplySlot, len(entries))
	for start := 0; start < len(entries); {
		end := start + 1
		for end < len(entries) && entries[end].BatchID == entries[start].BatchID {
			end++
		}
		if err := e.runGroup(ctx, entries[start:end], replies[start:end], start); err != nil {
			skipped := ResultCode(context.Canceled)
			for i := end; i < len(replies); i++ {
				replies[i].Code = skipped
			}
			return replies, err
		}
		start = end
	}
	return replies, nil
}

func (e *Engine) runGroup(ctx context.Context, entries []Entry, replies []ReplySlot, base int) error {
	batchID := entries[0].BatchID
	t, err := e.Open(ctx, batchID)
	if err != nil {
		failAll(replies, err)
		return err
	}
	for i, en := range entries {
		req := Request{Index: base + i, FID: en.FID, Payload: en.Payload, Reply: &replies[i]}
		if _, err := t.Declare(ctx, req); err != nil {
			e.logger.Debug("txn.declare.failed", "batch_id", batchID, "op", base+i, "error", err)
			t.Close(ctx, err)
			failAll(replies, err)
			return err
		}
	}
	if err := t.Start(ctx); err != nil {
		t.Close(ctx, err)
		failAll(replies, err)
		return err
	}
	if err := t.Execute(ctx); err != nil {
		e.logger.Debug("txn.execute.failed", "batch_id", batchID, "error", err)
		t.Close(ctx, err)
		return err
	}
	if _, err := t.Close(ctx, nil); err != nil {
		return fmt.Errorf("txn: close batch %d: %w", batchID, err)
	}
	return nil
}

// failAll marks every slot with err, including slots of operations that were
// never declared.
func failAll(replies []ReplySlot, err error) {
	code := ResultCode(err)
	for i := range replies {
		replies[i] = ReplySlot{Code: code}
	}
}
