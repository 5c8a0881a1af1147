package dtxn

import (
	"pkt.systems/dtxn/internal/coord"
	"pkt.systems/dtxn/internal/fid"
	"pkt.systems/dtxn/internal/replay"
	"pkt.systems/dtxn/internal/replycache"
	"pkt.systems/dtxn/internal/routing"
	"pkt.systems/dtxn/internal/txn"
	"pkt.systems/dtxn/internal/update"
)

// Identifiers and batches.
type (
	FID           = fid.FID
	ParticipantID = routing.ParticipantID
	Tag           = replycache.Tag
	Batch         = update.Batch
	Builder       = update.Builder
	Attr          = update.Attr
	Payload       = update.Payload
	TooBigError   = update.TooBigError
)

// Operation payloads.
type (
	Create      = update.Create
	Destroy     = update.Destroy
	RefAdd      = update.RefAdd
	RefDel      = update.RefDel
	AttrSet     = update.AttrSet
	AttrGet     = update.AttrGet
	XattrSet    = update.XattrSet
	XattrGet    = update.XattrGet
	XattrDel    = update.XattrDel
	IndexInsert = update.IndexInsert
	IndexDelete = update.IndexDelete
	IndexLookup = update.IndexLookup
	Write       = update.Write
	Read        = update.Read
)

// Results.
type (
	Result       = coord.Result
	ReplySlot    = txn.ReplySlot
	ReplayReport = replay.Report
	PlanEntry    = replay.PlanEntry
)

var (
	// ErrTooBig matches a TooBigError.
	ErrTooBig = update.ErrTooBig
	// ErrUndoFailed reports a batch whose rollback failed; the participant
	// needs failover.
	ErrUndoFailed = txn.ErrUndoFailed
	// ErrAttribution reports a replayed batch some participant could not be
	// shown to have committed.
	ErrAttribution = replay.ErrAttribution
)

// NewFID builds an object identifier.
func NewFID(seq uint64, oid uint32) FID { return fid.New(seq, oid) }

// NewTag returns a fresh client transaction tag.
func NewTag() Tag { return replycache.NewTag() }

// ResultCode maps err to the negative errno stored in reply slots.
func ResultCode(err error) int32 { return txn.ResultCode(err) }
