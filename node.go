package dtxn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/dtxn/internal/clock"
	"pkt.systems/dtxn/internal/coord"
	"pkt.systems/dtxn/internal/loggingutil"
	"pkt.systems/dtxn/internal/marker"
	"pkt.systems/dtxn/internal/objstore"
	"pkt.systems/dtxn/internal/replay"
	"pkt.systems/dtxn/internal/replycache"
	"pkt.systems/dtxn/internal/routing"
	"pkt.systems/dtxn/internal/txn"
	"pkt.systems/dtxn/internal/update"
	"pkt.systems/dtxn/internal/updatelog"
	"pkt.systems/pslog"
)

// ErrClosed is returned by a Node after Close.
var ErrClosed = errors.New("dtxn: node closed")

// Node hosts every participant of a cluster in one process: a store and a
// transaction engine per participant, their update logs, the shared commit
// marker store, the coordinator, and the reply cache used to answer resends.
type Node struct {
	cfg        Config
	logger     pslog.Logger
	clock      clock.Clock
	instanceID uuid.UUID

	router  *routing.Table
	ids     []routing.ParticipantID
	stores  map[routing.ParticipantID]*objstore.Memory
	logs    map[routing.ParticipantID]updatelog.Log
	markers *marker.Memory
	sink    *marker.Sink
	coord   *coord.Coordinator
	replies *replycache.Cache[*coord.Result]
	tel     *telemetry

	// recovery and submission exclude each other
	mu     sync.RWMutex
	closed bool
}

// NewNode validates cfg, opens every participant log and wires the
// coordinator. Close releases the logs and telemetry.
func NewNode(ctx context.Context, cfg Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	instanceID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("dtxn: instance id: %w", err)
	}
	logger := loggingutil.EnsureLogger(cfg.Logger).With("instance_id", instanceID.String())
	clk := clock.Ensure(cfg.Clock)
	router, err := routing.NewTable(cfg.RoutingRanges()...)
	if err != nil {
		return nil, fmt.Errorf("dtxn: %w", err)
	}
	n := &Node{
		cfg:        cfg,
		logger:     logger,
		clock:      clk,
		instanceID: instanceID,
		router:     router,
		ids:        cfg.ParticipantIDs(),
		stores:     make(map[routing.ParticipantID]*objstore.Memory),
		logs:       make(map[routing.ParticipantID]updatelog.Log),
		markers:    marker.NewMemory(clk),
		replies: replycache.New[*coord.Result](replycache.Config{
			Capacity: cfg.ReplyCacheSize,
			TTL:      cfg.ReplyCacheTTL,
			Clock:    clk,
		}),
	}
	tel, err := setupTelemetry(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	n.tel = tel
	fail := func(err error) (*Node, error) {
		_ = n.closeLogs()
		_ = n.tel.Shutdown(ctx)
		return nil, err
	}

	parts := make([]coord.Participant, 0, len(n.ids))
	for _, id := range n.ids {
		store := objstore.NewMemory(objstore.MemoryConfig{
			Name:          id.String(),
			MaxObjects:    cfg.MaxObjects,
			MaxCredits:    cfg.MaxCredits,
			MaxOpenTxns:   cfg.MaxOpenTxns,
			MaxObjectSize: uint64(cfg.MaxObjectSize),
			Logger:        logger,
		})
		engine, err := txn.New(txn.Config{Store: store, Logger: logger})
		if err != nil {
			return fail(err)
		}
		logURL := cfg.ParticipantLogURL(id)
		lg, err := updatelog.Open(ctx, logURL, updatelog.Options{
			Participant: id,
			NoSync:      cfg.NoSync,
			Logger:      logger,
		})
		if err != nil {
			return fail(fmt.Errorf("dtxn: open log for %s: %w", id, err))
		}
		n.stores[id] = store
		n.logs[id] = lg
		parts = append(parts, coord.Participant{ID: id, Engine: engine, Log: lg})
		logger.Info("node.participant.ready", "participant", id, "log", logURL)
	}
	n.sink = marker.NewSink(n.markers, logger, cfg.MarkerBuffer)
	n.coord, err = coord.New(coord.Config{
		Participants: parts,
		Router:       router,
		Markers:      n.markers,
		Recorder:     n.sink,
		Clock:        clk,
		Logger:       logger,
	})
	if err != nil {
		n.sink.Close()
		return fail(err)
	}
	return n, nil
}

// InstanceID identifies this Node in logs.
func (n *Node) InstanceID() uuid.UUID { return n.instanceID }

// Participants returns the hosted participants in ascending order.
func (n *Node) Participants() []routing.ParticipantID {
	return append([]routing.ParticipantID(nil), n.ids...)
}

// Router returns the FID routing table.
func (n *Node) Router() *routing.Table { return n.router }

// Store returns participant p's object store.
func (n *Node) Store(p routing.ParticipantID) (*objstore.Memory, bool) {
	s, ok := n.stores[p]
	return s, ok
}

// Log returns participant p's update log.
func (n *Node) Log(p routing.ParticipantID) (updatelog.Log, bool) {
	l, ok := n.logs[p]
	return l, ok
}

// Markers returns the commit marker store.
func (n *Node) Markers() *marker.Memory { return n.markers }

// MetricsAddr returns the bound Prometheus address, or "" when disabled.
func (n *Node) MetricsAddr() string { return n.tel.MetricsAddr() }

// NewBuilder returns a batch builder bounded by the configured sizes.
func (n *Node) NewBuilder(batchID uint64) *update.Builder {
	return update.NewBuilder(batchID, n.cfg.BuilderOptions())
}

// Submit executes b across its participants. When tag is non-zero and a
// reply for it is cached, the cached reply is returned and nothing executes.
// Successful replies are cached under tag.
func (n *Node) Submit(ctx context.Context, tag replycache.Tag, b *update.Batch) (*coord.Result, error) {
	if b == nil {
		return nil, errors.New("dtxn: nil batch")
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return nil, ErrClosed
	}
	if !tag.IsNil() {
		if res, ok := n.replies.Get(tag); ok {
			n.logger.Debug("node.submit.reconstructed", "tag", tag.String(), "batch_id", res.BatchID)
			return res, nil
		}
	}
	if size := b.EncodedSize(); size > n.cfg.MaxBatchSize {
		return nil, &update.TooBigError{Scope: "batch", Required: size, Limit: n.cfg.MaxBatchSize}
	}
	res, err := n.coord.Execute(ctx, b)
	if err != nil {
		return res, err
	}
	n.replies.Put(tag, res)
	return res, nil
}

// newReplay builds a replay engine over the node's logs.
func (n *Node) newReplay() (*replay.Engine, error) {
	logs := make(map[routing.ParticipantID]updatelog.Log, len(n.logs))
	for id, l := range n.logs {
		logs[id] = l
	}
	return replay.New(replay.Config{
		Coordinator: n.coord,
		Router:      n.router,
		Markers:     n.markers,
		Logs:        logs,
		Retry:       n.cfg.RetryPolicy(),
		Clock:       n.clock,
		Logger:      n.logger,
	})
}

// Plan reads every log and returns the replay requests in the order
// Recover would drive them, without executing anything.
func (n *Node) Plan(ctx context.Context) ([]replay.PlanEntry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	eng, err := n.newReplay()
	if err != nil {
		return nil, err
	}
	if err := eng.Ingest(ctx); err != nil {
		return nil, err
	}
	return eng.Plan(ctx)
}

// Recover replays every participant log, redriving batches some
// participant never committed. Submit is blocked while it runs.
func (n *Node) Recover(ctx context.Context) (replay.Report, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return replay.Report{}, ErrClosed
	}
	eng, err := n.newReplay()
	if err != nil {
		return replay.Report{}, err
	}
	start := n.clock.Now()
	if err := eng.Ingest(ctx); err != nil {
		return replay.Report{RunID: eng.RunID()}, err
	}
	rep, err := eng.Run(ctx)
	n.logger.Info("node.recover.done",
		"run_id", rep.RunID.String(),
		"records", rep.Records,
		"retired", rep.Retired,
		"redriven", rep.Redriven,
		"remaining", rep.Remaining,
		"elapsed", n.clock.Now().Sub(start).Round(time.Millisecond),
	)
	return rep, err
}

func (n *Node) closeLogs() error {
	var errs []error
	for id, l := range n.logs {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Close stops the marker sink, closes every log and shuts telemetry down.
func (n *Node) Close(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	n.sink.Close()
	errs := []error{n.closeLogs()}
	if err := n.tel.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
