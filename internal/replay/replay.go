// Package replay rebuilds pending batches from the participant logs after a
// crash and redrives them, lowest master sequence first, through the
// coordinator. Participants holding a commit marker are never touched again.
package replay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/google/btree"
	"github.com/rs/xid"

	"pkt.systems/dtxn/internal/clock"
	"pkt.systems/dtxn/internal/coord"
	"pkt.systems/dtxn/internal/loggingutil"
	"pkt.systems/dtxn/internal/marker"
	"pkt.systems/dtxn/internal/routing"
	"pkt.systems/dtxn/internal/txn"
	"pkt.systems/dtxn/internal/update"
	"pkt.systems/dtxn/internal/updatelog"
	"pkt.systems/pslog"
)

// ErrAttribution reports a batch that references a participant which is
// neither redriven nor covered by a commit marker.
var ErrAttribution = errors.New("replay: attribution failure")

// RetryPolicy bounds redrive attempts of a failing request.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt; values below one mean one.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := time.Duration(float64(base) * math.Pow(mult, float64(attempt-1)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Config wires an Engine.
type Config struct {
	Coordinator *coord.Coordinator
	Router      routing.Router
	Markers     marker.Store
	Logs        map[routing.ParticipantID]updatelog.Log
	Retry       RetryPolicy
	Clock       clock.Clock
	Logger      pslog.Logger
}

// Engine runs one recovery pass. It is not safe for concurrent use.
type Engine struct {
	coord   *coord.Coordinator
	router  routing.Router
	markers marker.Store
	logs    map[routing.ParticipantID]updatelog.Log
	retry   RetryPolicy
	clock   clock.Clock
	logger  pslog.Logger
	metrics *replayMetrics
	runID   xid.ID

	requests map[uint64]*Request
	ordered  *btree.BTree
	counter  uint64
	ingested int
}

const btreeDegree = 32

// New constructs an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Coordinator == nil {
		return nil, errors.New("replay: coordinator required")
	}
	if cfg.Router == nil {
		return nil, errors.New("replay: router required")
	}
	if cfg.Markers == nil {
		return nil, errors.New("replay: marker store required")
	}
	runID := xid.New()
	logger := loggingutil.WithSubsystem(cfg.Logger, "replay").With("run_id", runID.String())
	return &Engine{
		coord:    cfg.Coordinator,
		router:   cfg.Router,
		markers:  cfg.Markers,
		logs:     cfg.Logs,
		retry:    cfg.Retry,
		clock:    clock.Ensure(cfg.Clock),
		logger:   logger,
		metrics:  newReplayMetrics(logger),
		runID:    runID,
		requests: make(map[uint64]*Request),
		ordered:  btree.New(btreeDegree),
	}, nil
}

// RunID identifies this recovery pass in logs.
func (e *Engine) RunID() xid.ID { return e.runID }

// Ingest reads every configured log, lowest participant first.
func (e *Engine) Ingest(ctx context.Context) error {
	ids := make([]routing.ParticipantID, 0, len(e.logs))
	for id := range e.logs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		l := e.logs[id]
		if l == nil {
			continue
		}
		recs, err := updatelog.Committed(ctx, l)
		if err != nil {
			return fmt.Errorf("replay: ingest %s: %w", id, err)
		}
		for _, rec := range recs {
			if err := e.IngestRecord(ctx, rec); err != nil {
				return fmt.Errorf("replay: ingest %s: %w", id, err)
			}
		}
	}
	e.logger.Info("replay.ingest.done", "logs", len(ids), "records", e.ingested, "requests", e.ordered.Len())
	return nil
}

// IngestRecord merges one logged batch into the pending set and records the
// marker it proves for the logging participant, including its transno.
// Abort records are ignored here; Ingest drops the shares they cancel.
func (e *Engine) IngestRecord(ctx context.Context, rec updatelog.Record) error {
	if rec.Batch == nil {
		return fmt.Errorf("replay: record at %d has no batch", rec.Offset)
	}
	if rec.Aborted {
		return nil
	}
	e.ingested++
	b := rec.Batch
	req, ok := e.requests[b.ID]
	if !ok {
		e.counter++
		req = &Request{
			BatchID:       b.ID,
			MasterSeq:     b.MasterSeq,
			Batch:         b,
			Logged:        make(map[routing.ParticipantID]marker.Marker),
			authoritative: rec.Primary && b.MasterSeq != 0,
			order:         e.counter,
		}
		e.attribute(ctx, req)
		e.requests[b.ID] = req
		e.ordered.ReplaceOrInsert(req.item())
		e.metrics.addPending(ctx, 1)
	} else if seq, better := e.betterSeq(req, rec); better {
		e.ordered.Delete(req.item())
		e.logger.Debug("replay.request.resequenced", "batch_id", req.BatchID, "from", req.MasterSeq, "to", seq, "primary", rec.Primary)
		req.MasterSeq = seq
		req.authoritative = req.authoritative || rec.Primary
		e.ordered.ReplaceOrInsert(req.item())
	}

	m := marker.Marker{
		Participant: rec.Participant,
		BatchID:     b.ID,
		MasterSeq:   b.MasterSeq,
		Transno:     rec.Transno,
		Cookie:      rec.Offset,
	}
	if _, seen := req.Logged[rec.Participant]; !seen {
		req.Logged[rec.Participant] = m
	}
	if err := e.markers.Record(ctx, m); err != nil {
		return fmt.Errorf("replay: record marker %s batch %d: %w", rec.Participant, b.ID, err)
	}
	return nil
}

// betterSeq decides whether rec carries a more authoritative master
// sequence than req: a primary record always wins over a non-primary one,
// and any known sequence wins over an unknown one.
func (e *Engine) betterSeq(req *Request, rec updatelog.Record) (uint64, bool) {
	seq := rec.Batch.MasterSeq
	if seq == 0 || seq == req.MasterSeq {
		return 0, false
	}
	if rec.Primary && !req.authoritative {
		return seq, true
	}
	if !req.authoritative && req.MasterSeq == 0 {
		return seq, true
	}
	return 0, false
}

// attribute resolves the participants the batch touches.
func (e *Engine) attribute(ctx context.Context, req *Request) {
	for i, op := range req.Batch.Ops {
		owner, err := e.router.Owner(ctx, op.FID)
		if err != nil {
			req.attrErr = fmt.Errorf("%w: batch %d op %d %s: %v", ErrAttribution, req.BatchID, i, op.FID, err)
			return
		}
		if !req.references(owner) {
			req.Participants = append(req.Participants, owner)
		}
	}
}

// Pending returns the outstanding requests in redrive order.
func (e *Engine) Pending() []*Request {
	out := make([]*Request, 0, e.ordered.Len())
	e.ordered.Ascend(func(i btree.Item) bool {
		out = append(out, i.(*requestItem).req)
		return true
	})
	return out
}

// PlanParticipant is one participant's state for a planned request.
type PlanParticipant struct {
	Participant routing.ParticipantID
	Committed   bool
	Cookie      uint64
}

// PlanEntry describes one request as Run would see it.
type PlanEntry struct {
	BatchID      uint64
	MasterSeq    uint64
	Ops          int
	Participants []PlanParticipant
	Err          error
}

// Plan lists the pending requests in order with each referenced
// participant's marker state. Nothing is executed.
func (e *Engine) Plan(ctx context.Context) ([]PlanEntry, error) {
	var out []PlanEntry
	for _, req := range e.Pending() {
		entry := PlanEntry{BatchID: req.BatchID, MasterSeq: req.MasterSeq, Ops: len(req.Batch.Ops), Err: req.attrErr}
		for _, p := range req.Participants {
			m, ok, err := e.markers.Lookup(ctx, p, req.BatchID)
			if err != nil {
				return nil, fmt.Errorf("replay: marker lookup %s batch %d: %w", p, req.BatchID, err)
			}
			entry.Participants = append(entry.Participants, PlanParticipant{Participant: p, Committed: ok, Cookie: m.Cookie})
		}
		out = append(out, entry)
	}
	return out, nil
}

// Failure describes the request that stopped a run.
type Failure struct {
	BatchID   uint64
	MasterSeq uint64
	Attempts  int
	Err       error
}

// Report summarises a run.
type Report struct {
	RunID            xid.ID
	Records          int
	Retired          int
	Redriven         int
	AlreadyCommitted int
	Remaining        int
	Failed           *Failure
}

// Run redrives pending requests strictly in order until none remain or one
// fails. A failed request stays pending and no later request is attempted.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	rep := Report{RunID: e.runID, Records: e.ingested}
	for {
		if err := ctx.Err(); err != nil {
			rep.Remaining = e.ordered.Len()
			return rep, err
		}
		head := e.ordered.Min()
		if head == nil {
			break
		}
		req := head.(*requestItem).req
		redriven, attempts, err := e.redrive(ctx, req)
		if err != nil {
			rep.Failed = &Failure{BatchID: req.BatchID, MasterSeq: req.MasterSeq, Attempts: attempts, Err: err}
			rep.Remaining = e.ordered.Len()
			e.metrics.recordRequest(ctx, "failed")
			e.logger.Error("replay.request.failed",
				"batch_id", req.BatchID,
				"master_seq", req.MasterSeq,
				"attempts", attempts,
				"remaining", rep.Remaining,
				"error", err,
			)
			return rep, fmt.Errorf("replay: batch %d (master seq %d): %w", req.BatchID, req.MasterSeq, err)
		}
		e.retire(ctx, req)
		rep.Retired++
		if redriven {
			rep.Redriven++
		} else {
			rep.AlreadyCommitted++
		}
	}
	e.logger.Info("replay.run.done", "retired", rep.Retired, "redriven", rep.Redriven, "already_committed", rep.AlreadyCommitted)
	return rep, nil
}

// redrive runs req through the coordinator, retrying within the policy.
func (e *Engine) redrive(ctx context.Context, req *Request) (bool, int, error) {
	if req.attrErr != nil {
		return false, 0, req.attrErr
	}
	attempts := max(e.retry.MaxAttempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			e.metrics.recordRetry(ctx)
			if err := clock.Sleep(ctx, e.clock, e.retry.delay(attempt-1)); err != nil {
				return false, attempt - 1, err
			}
		}
		batch := req.Batch.Clone()
		batch.MasterSeq = req.MasterSeq
		res, err := e.coord.Execute(ctx, batch)
		if err == nil {
			redriven, aerr := e.checkAttribution(req, res)
			if aerr != nil {
				return false, attempt, aerr
			}
			return redriven, attempt, nil
		}
		lastErr = err
		e.logger.Warn("replay.request.redrive_failed",
			"batch_id", req.BatchID,
			"attempt", attempt,
			"max_attempts", attempts,
			"code", txn.ResultCode(err),
			"error", err,
		)
		if permanent(err) {
			return false, attempt, err
		}
	}
	return false, attempts, lastErr
}

// permanent reports failures a retry of the same batch cannot fix.
func permanent(err error) bool {
	return errors.Is(err, txn.ErrUndoFailed) ||
		errors.Is(err, update.ErrCorrupt) ||
		errors.Is(err, update.ErrShape) ||
		errors.Is(err, context.Canceled)
}

// checkAttribution confirms every referenced participant either held a
// marker or was just redriven.
func (e *Engine) checkAttribution(req *Request, res *coord.Result) (bool, error) {
	redriven := false
	for _, p := range req.Participants {
		pr, ok := res.Participant(p)
		if !ok {
			return false, fmt.Errorf("%w: batch %d participant %s has no result", ErrAttribution, req.BatchID, p)
		}
		if pr.Skipped {
			continue
		}
		if pr.Marker.BatchID != req.BatchID {
			return false, fmt.Errorf("%w: batch %d participant %s recorded no marker", ErrAttribution, req.BatchID, p)
		}
		redriven = true
	}
	return redriven, nil
}

func (e *Engine) retire(ctx context.Context, req *Request) {
	e.ordered.Delete(req.item())
	delete(e.requests, req.BatchID)
	e.metrics.addPending(ctx, -1)
	e.metrics.recordRequest(ctx, "retired")
	e.logger.Debug("replay.request.retired", "batch_id", req.BatchID, "master_seq", req.MasterSeq, "participants", len(req.Participants))
}
