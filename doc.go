// Package dtxn hosts the distributed-transaction layer of a clustered
// storage target: update batches that span several participants are
// executed atomically per participant, logged, and replayed after a crash.
//
// # Running a node
//
// A Node owns one in-memory object store and transaction engine per
// participant, each participant's update log, the commit marker store and
// the coordinator that drives batches across them.
//
//	cfg := dtxn.Config{
//	    Ranges: []string{"0x1000-0x2000=0", "0x2000-0x3000=1"},
//	    LogURL: "disk:///var/lib/dtxn/{participant}.log",
//	}
//	node, err := dtxn.NewNode(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer node.Close(context.Background())
//
//	if _, err := node.Recover(ctx); err != nil {
//	    log.Fatalf("dtxn: replay: %v", err)
//	}
//
// Ranges assign FID sequence ranges to participants ("start-end=owner",
// end exclusive). LogURL accepts mem://name, disk:// or bare paths and
// s3://bucket/prefix; "{participant}" expands to the participant id.
//
// # Submitting batches
//
// Build a batch with Node.NewBuilder, pack operations and submit it with a
// client tag. Each reply slot carries a negative errno result code and, on
// success, the participant's transaction number.
//
//	b := node.NewBuilder(batchID)
//	_ = b.Pack(dir, dtxn.IndexInsert{Key: "name", Target: file, Type: 1})
//	_ = b.Pack(file, dtxn.Create{Attr: attr, Parent: dir})
//	res, err := node.Submit(ctx, dtxn.NewTag(), b.Seal())
//
// Resubmitting with the same tag returns the cached result without touching
// any store. A participant that already holds a commit marker for a batch
// is skipped, so submitting the same batch id twice never applies it twice.
//
// # Recovery
//
// Every participant whose share of a batch committed appends the whole
// batch to its log. Node.Recover reads every log, orders the batches by
// master sequence and redrives each through the coordinator; participants
// with a log record are skipped and the rest execute their share. Node.Plan
// lists the same requests without executing them.
//
// # Telemetry
//
// Setting MetricsListen serves Prometheus metrics for the txn, coord and
// replay packages; OTLPEndpoint exports traces; PprofListen serves
// net/http/pprof.
package dtxn
