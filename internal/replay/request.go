package replay

import (
	"github.com/google/btree"

	"pkt.systems/dtxn/internal/marker"
	"pkt.systems/dtxn/internal/routing"
	"pkt.systems/dtxn/internal/update"
)

// Request is one batch awaiting redrive, merged from every log that holds it.
type Request struct {
	BatchID   uint64
	MasterSeq uint64
	Batch     *update.Batch
	// Participants lists the owners of the batch's operations in first-use
	// order.
	Participants []routing.ParticipantID
	// Logged holds the markers recovered from the participants whose logs
	// contain the batch.
	Logged map[routing.ParticipantID]marker.Marker

	authoritative bool
	order         uint64
	attrErr       error
}

// requestItem orders requests by master sequence, then by the order in
// which they were first seen.
type requestItem struct {
	seq   uint64
	order uint64
	req   *Request
}

var _ btree.Item = (*requestItem)(nil)

func (a *requestItem) Less(other btree.Item) bool {
	b := other.(*requestItem)
	if a.seq != b.seq {
		return a.seq < b.seq
	}
	return a.order < b.order
}

func (r *Request) item() *requestItem {
	return &requestItem{seq: r.MasterSeq, order: r.order, req: r}
}

func (r *Request) references(p routing.ParticipantID) bool {
	for _, id := range r.Participants {
		if id == p {
			return true
		}
	}
	return false
}
