// Package coord drives an Update Batch whose operations span several
// participants. Each participant gets one sub-transaction; participants that
// already hold a commit marker for the batch are skipped entirely.
package coord

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/dtxn/internal/clock"
	"pkt.systems/dtxn/internal/loggingutil"
	"pkt.systems/dtxn/internal/marker"
	"pkt.systems/dtxn/internal/objstore"
	"pkt.systems/dtxn/internal/routing"
	"pkt.systems/dtxn/internal/txn"
	"pkt.systems/dtxn/internal/update"
	"pkt.systems/dtxn/internal/updatelog"
	"pkt.systems/pslog"
)

// ErrUnknownParticipant reports an operation routed to a participant the
// coordinator has no engine for.
var ErrUnknownParticipant = errors.New("coord: unknown participant")

// Participant is one storage node as seen by the coordinator.
type Participant struct {
	ID     routing.ParticipantID
	Engine *txn.Engine
	// Log receives the batch before the participant's share commits. The
	// record offset becomes the marker cookie. May be nil.
	Log updatelog.Log
}

// Config wires a Coordinator.
type Config struct {
	Participants []Participant
	Router       routing.Router
	// Markers is consulted before a participant is touched.
	Markers marker.Store
	// Recorder receives fresh markers from commit callbacks. Defaults to
	// Markers; pass a *marker.Sink to serialise posts through a channel.
	Recorder marker.Recorder
	Clock    clock.Clock
	Logger   pslog.Logger
}

// Coordinator is safe for concurrent use. Per-batch state lives in a pass
// owned by the calling goroutine.
type Coordinator struct {
	participants map[routing.ParticipantID]Participant
	router       routing.Router
	markers      marker.Store
	recorder     marker.Recorder
	clock        clock.Clock
	logger       pslog.Logger
	metrics      *coordMetrics
	tracer       trace.Tracer
}

// New constructs a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Router == nil {
		return nil, errors.New("coord: router required")
	}
	if cfg.Markers == nil {
		return nil, errors.New("coord: marker store required")
	}
	if len(cfg.Participants) == 0 {
		return nil, errors.New("coord: at least one participant required")
	}
	parts := make(map[routing.ParticipantID]Participant, len(cfg.Participants))
	for _, p := range cfg.Participants {
		if p.Engine == nil {
			return nil, fmt.Errorf("coord: participant %s has no engine", p.ID)
		}
		if _, dup := parts[p.ID]; dup {
			return nil, fmt.Errorf("coord: participant %s configured twice", p.ID)
		}
		parts[p.ID] = p
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = cfg.Markers
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "coord")
	return &Coordinator{
		participants: parts,
		router:       cfg.Router,
		markers:      cfg.Markers,
		recorder:     recorder,
		clock:        clock.Ensure(cfg.Clock),
		logger:       logger,
		metrics:      newCoordMetrics(logger),
		tracer:       otel.Tracer("pkt.systems/dtxn/coord"),
	}, nil
}

// Participant returns the configured participant p.
func (c *Coordinator) Participant(p routing.ParticipantID) (Participant, bool) {
	part, ok := c.participants[p]
	return part, ok
}

// ParticipantResult summarises one participant's share of a batch.
type ParticipantResult struct {
	Participant routing.ParticipantID
	// Skipped is set when a marker already existed; Marker is that marker.
	// Otherwise Marker is the one recorded by this pass.
	Skipped bool
	Ops     int
	Marker  marker.Marker
}

// Result is the outcome of Execute.
type Result struct {
	BatchID   uint64
	MasterSeq uint64
	// Replies holds one slot per operation of the batch.
	Replies      []txn.ReplySlot
	Participants []ParticipantResult
}

// Participant returns the result for p.
func (r *Result) Participant(p routing.ParticipantID) (ParticipantResult, bool) {
	for _, pr := range r.Participants {
		if pr.Participant == p {
			return pr, true
		}
	}
	return ParticipantResult{}, false
}

// subTxn is one participant's slot in a pass arena.
type subTxn struct {
	part    Participant
	tx      *txn.Txn
	skipped bool
	marker  marker.Marker
	ops     int
	primary bool
	cookie  uint64
}

// step is one declared operation: the sub-transaction index and the
// argument index inside it.
type step struct {
	sub int
	arg int
}

type pass struct {
	c       *Coordinator
	batch   *update.Batch
	replies []txn.ReplySlot
	subs    []*subTxn
	index   map[routing.ParticipantID]int
	steps   []step
}

// Execute applies b across every participant it touches. Declares run for
// all pending participants in operation order before any sub-transaction
// starts; executes run in operation order and a failure undoes every earlier
// operation, across participants, in reverse. Each pending participant logs
// the batch before any of them commits; a failed append is handled like an
// execute failure. If b.MasterSeq is zero the first participant that runs
// assigns it from its local sequence.
func (c *Coordinator) Execute(ctx context.Context, b *update.Batch) (*Result, error) {
	started := c.clock.Now()
	ctx, span := c.tracer.Start(ctx, "dtxn.coord.execute", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.Int64("dtxn.batch_id", int64(b.ID)),
		attribute.Int("dtxn.batch.ops", len(b.Ops)),
	)
	p := &pass{
		c:       c,
		batch:   b,
		replies: make([]txn.ReplySlot, len(b.Ops)),
		index:   make(map[routing.ParticipantID]int),
	}
	res, err := p.run(ctx)
	c.metrics.recordBatch(ctx, c.clock.Now().Sub(started), len(p.subs), err)
	span.SetAttributes(attribute.Int("dtxn.batch.participants", len(p.subs)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch_failed")
	} else {
		span.SetAttributes(attribute.Int64("dtxn.master_seq", int64(res.MasterSeq)))
		span.SetStatus(codes.Ok, "")
	}
	return res, err
}

func (p *pass) run(ctx context.Context) (*Result, error) {
	b := p.batch
	payloads := make([]update.Payload, len(b.Ops))
	for i := range b.Ops {
		pl, err := b.Payload(i)
		if err != nil {
			return p.fail(ctx, fmt.Errorf("coord: batch %d op %d: %w", b.ID, i, err))
		}
		payloads[i] = pl
	}

	owners := make([]routing.ParticipantID, len(b.Ops))
	for i, op := range b.Ops {
		owner, err := p.c.router.Owner(ctx, op.FID)
		if err != nil {
			return p.fail(ctx, fmt.Errorf("coord: batch %d op %d: %w", b.ID, i, err))
		}
		owners[i] = owner
	}
	if err := p.open(ctx, owners); err != nil {
		return p.fail(ctx, err)
	}

	for i, op := range b.Ops {
		sub := p.index[owners[i]]
		st := p.subs[sub]
		st.ops++
		if st.skipped {
			p.replies[i] = txn.ReplySlot{Transno: st.marker.Transno}
			continue
		}
		arg, err := st.tx.Declare(ctx, txn.Request{Index: i, FID: op.FID, Payload: payloads[i], Reply: &p.replies[i]})
		if err != nil {
			p.c.logger.Debug("coord.declare.failed", "batch_id", b.ID, "participant", owners[i], "op", i, "error", err)
			return p.fail(ctx, err)
		}
		p.steps = append(p.steps, step{sub: sub, arg: arg})
	}

	if len(p.steps) == 0 {
		p.c.logger.Debug("coord.batch.already_committed", "batch_id", b.ID, "participants", len(p.subs))
		return p.result(b.MasterSeq), nil
	}

	for _, st := range p.subs {
		if st.skipped {
			continue
		}
		if err := st.tx.Start(ctx); err != nil {
			return p.fail(ctx, err)
		}
	}
	masterSeq := b.MasterSeq
	if masterSeq == 0 {
		// the first pending participant in operation order is primary
		for _, owner := range owners {
			if st := p.subs[p.index[owner]]; !st.skipped {
				st.primary = true
				masterSeq = st.tx.Seq()
				break
			}
		}
	}

	for k, s := range p.steps {
		if err := p.subs[s.sub].tx.ExecArg(ctx, s.arg); err != nil {
			p.c.logger.Debug("coord.execute.failed", "batch_id", b.ID, "participant", p.subs[s.sub].part.ID, "error", err)
			if uerr := p.undo(ctx, k-1, err); uerr != nil {
				return p.fail(ctx, uerr)
			}
			return p.fail(ctx, err)
		}
	}

	logged := b.Clone()
	logged.MasterSeq = masterSeq
	if err := p.logShares(ctx, logged); err != nil {
		if uerr := p.undo(ctx, len(p.steps)-1, err); uerr != nil {
			return p.fail(ctx, uerr)
		}
		return p.fail(ctx, err)
	}

	var firstErr error
	for _, st := range p.subs {
		if st.skipped {
			continue
		}
		st.tx.OnCommit(p.commitHook(st, logged))
		if _, err := st.tx.Close(ctx, nil); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("coord: close %s: %w", st.part.ID, err)
		}
	}
	res := p.result(masterSeq)
	if firstErr != nil {
		return res, firstErr
	}
	return res, nil
}

// open creates the sub-transaction of every participant in owners.
// Participants are opened in ascending id order, never in operation order,
// so two batches waiting on store admission cannot hold each other's slot.
func (p *pass) open(ctx context.Context, owners []routing.ParticipantID) error {
	ids := slices.Clone(owners)
	slices.Sort(ids)
	for _, id := range slices.Compact(ids) {
		if _, err := p.sub(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// sub returns the arena index for participant id, creating the
// sub-transaction on first use.
func (p *pass) sub(ctx context.Context, id routing.ParticipantID) (int, error) {
	if idx, ok := p.index[id]; ok {
		return idx, nil
	}
	part, ok := p.c.participants[id]
	if !ok {
		return -1, fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
	}
	st := &subTxn{part: part}
	m, found, err := p.c.markers.Lookup(ctx, id, p.batch.ID)
	if err != nil {
		return -1, fmt.Errorf("coord: marker lookup %s batch %d: %w", id, p.batch.ID, err)
	}
	if found {
		st.skipped = true
		st.marker = m
		p.c.metrics.recordSubtxn(ctx, "skipped")
		p.c.logger.Debug("coord.subtxn.skip", "batch_id", p.batch.ID, "participant", id, "cookie", m.Cookie, "transno", m.Transno)
	} else {
		tx, err := part.Engine.Open(ctx, p.batch.ID)
		if err != nil {
			return -1, err
		}
		st.tx = tx
		p.c.metrics.recordSubtxn(ctx, "opened")
		p.c.logger.Trace("coord.subtxn.open", "batch_id", p.batch.ID, "participant", id)
	}
	p.subs = append(p.subs, st)
	p.index[id] = len(p.subs) - 1
	return len(p.subs) - 1, nil
}

// logShares appends logged to the log of every pending participant while
// their transactions are still uncommitted. If an append fails the records
// already written are cancelled with abort records and the error returned.
func (p *pass) logShares(ctx context.Context, logged *update.Batch) error {
	var written []*subTxn
	for _, st := range p.subs {
		if st.skipped || st.part.Log == nil {
			continue
		}
		offset, err := st.part.Log.Append(ctx, updatelog.Record{
			Participant: st.part.ID,
			Primary:     st.primary,
			Transno:     st.tx.Seq(),
			Batch:       logged,
		})
		if err != nil {
			p.c.logger.Error("coord.log.append_failed", "batch_id", logged.ID, "participant", st.part.ID, "error", err)
			p.cancelShares(context.WithoutCancel(ctx), written, logged)
			return fmt.Errorf("coord: log %s batch %d: %w", st.part.ID, logged.ID, err)
		}
		st.cookie = offset
		written = append(written, st)
	}
	return nil
}

func (p *pass) cancelShares(ctx context.Context, written []*subTxn, logged *update.Batch) {
	for _, st := range written {
		if _, err := st.part.Log.Append(ctx, updatelog.AbortRecord(st.part.ID, logged)); err != nil {
			p.c.logger.Error("coord.log.abort_failed",
				"batch_id", logged.ID,
				"participant", st.part.ID,
				"offset", st.cookie,
				"error", err,
				"requires_failover", true,
			)
			continue
		}
		p.c.metrics.recordSubtxn(ctx, "log_cancelled")
	}
}

// undo walks the declared steps from last down to zero.
func (p *pass) undo(ctx context.Context, last int, cause error) error {
	for j := last; j >= 0; j-- {
		s := p.steps[j]
		if err := p.subs[s.sub].tx.UndoArg(ctx, s.arg, cause); err != nil {
			return err
		}
	}
	return nil
}

// fail closes every open sub-transaction with err and marks all replies.
func (p *pass) fail(ctx context.Context, err error) (*Result, error) {
	for _, st := range p.subs {
		if st.tx != nil {
			st.tx.Close(ctx, err)
		}
	}
	code := txn.ResultCode(err)
	for i := range p.replies {
		p.replies[i] = txn.ReplySlot{Code: code}
	}
	return p.result(p.batch.MasterSeq), err
}

// commitHook records the participant's marker once its share commits. It
// runs on the store's commit goroutine. The share is already logged, so a
// marker that cannot be recorded is left for replay to rebuild from the log
// and does not fail the batch.
func (p *pass) commitHook(st *subTxn, logged *update.Batch) objstore.CommitFunc {
	return func(ctx context.Context, commit objstore.Commit) error {
		m := marker.Marker{
			Participant: st.part.ID,
			BatchID:     logged.ID,
			MasterSeq:   logged.MasterSeq,
			Transno:     commit.Seq,
			Cookie:      st.cookie,
		}
		st.marker = m
		if err := p.c.recorder.Record(ctx, m); err != nil {
			p.c.logger.Error("coord.commit.marker_failed", "batch_id", logged.ID, "participant", st.part.ID, "cookie", st.cookie, "error", err)
			p.c.metrics.recordSubtxn(ctx, "marker_failed")
			return nil
		}
		p.c.metrics.recordSubtxn(ctx, "committed")
		return nil
	}
}

func (p *pass) result(masterSeq uint64) *Result {
	res := &Result{
		BatchID:   p.batch.ID,
		MasterSeq: masterSeq,
		Replies:   p.replies,
	}
	for _, st := range p.subs {
		res.Participants = append(res.Participants, ParticipantResult{
			Participant: st.part.ID,
			Skipped:     st.skipped,
			Ops:         st.ops,
			Marker:      st.marker,
		})
	}
	return res
}
