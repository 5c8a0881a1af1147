package update

import (
	"fmt"
	"slices"

	"pkt.systems/dtxn/internal/fid"
)

// Wire sizes of the fixed parts of a batch.
const (
	batchHeaderSize    = 8 + 8 + 4
	opHeaderSize       = fid.Size + 2 + 2
	opIndexSize        = 4
	paramTableHeader   = 4
	paramEntryOverhead = 4
)

// Buffer defaults.
const (
	DefaultBufferSize   = 8192
	DefaultMaxBatchSize = 1 << 20
	DefaultMaxOpSize    = 64 << 10
)

// Op is one object operation: a target FID, a kind and the ordered indices of
// its parameters in the batch's ParamTable.
type Op struct {
	FID    fid.FID
	Kind   Kind
	Params []uint32
}

func (o Op) encodedSize() int {
	return opHeaderSize + opIndexSize*len(o.Params)
}

// Batch is an Update Batch: every operation sharing ID applies atomically on
// every participant.
type Batch struct {
	ID        uint64
	MasterSeq uint64
	Ops       []Op
	Params    ParamTable
}

// Param returns the i-th parameter of op.
func (b *Batch) Param(op Op, i int) ([]byte, error) {
	if i < 0 || i >= len(op.Params) {
		return nil, fmt.Errorf("%w: %s has no param %d", ErrCorrupt, op.Kind, i)
	}
	return b.Params.Unpack(op.Params[i])
}

// OpParams resolves every parameter index of op.
func (b *Batch) OpParams(op Op) ([][]byte, error) {
	out := make([][]byte, len(op.Params))
	for i, idx := range op.Params {
		p, err := b.Params.Unpack(idx)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

// Payload decodes the payload of the op at index i.
func (b *Batch) Payload(i int) (Payload, error) {
	if i < 0 || i >= len(b.Ops) {
		return nil, fmt.Errorf("update: op index %d out of range", i)
	}
	return DecodePayload(b.Ops[i], &b.Params)
}

// EncodedSize returns the serialized size of b.
func (b *Batch) EncodedSize() int {
	n := batchHeaderSize
	for _, op := range b.Ops {
		n += op.encodedSize()
	}
	return n + b.Params.EncodedSize()
}

// Clone returns a deep copy of the op list. Param buffers are immutable once
// packed and are shared.
func (b *Batch) Clone() *Batch {
	out := &Batch{ID: b.ID, MasterSeq: b.MasterSeq, Params: b.Params.clone()}
	out.Ops = make([]Op, len(b.Ops))
	for i, op := range b.Ops {
		out.Ops[i] = Op{FID: op.FID, Kind: op.Kind, Params: slices.Clone(op.Params)}
	}
	return out
}

// FIDs returns the distinct target FIDs in op order.
func (b *Batch) FIDs() []fid.FID {
	seen := make(map[fid.FID]struct{}, len(b.Ops))
	out := make([]fid.FID, 0, len(b.Ops))
	for _, op := range b.Ops {
		if _, ok := seen[op.FID]; ok {
			continue
		}
		seen[op.FID] = struct{}{}
		out = append(out, op.FID)
	}
	return out
}

// BuilderOptions bounds the buffer a Builder packs into.
type BuilderOptions struct {
	// BufferSize is the initial buffer capacity.
	BufferSize int
	// MaxBatchSize is the hard ceiling Grow refuses to exceed.
	MaxBatchSize int
	// MaxOpSize caps the size of a single operation including its params.
	MaxOpSize int
}

func (o BuilderOptions) withDefaults() BuilderOptions {
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = DefaultMaxBatchSize
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.BufferSize > o.MaxBatchSize {
		o.BufferSize = o.MaxBatchSize
	}
	if o.MaxOpSize <= 0 {
		o.MaxOpSize = DefaultMaxOpSize
	}
	return o
}

// Builder packs operations into one Batch. It owns a growable buffer
// capacity: a pack that would overflow it returns a TooBigError carrying the
// required size and leaves the batch untouched, so the caller can Grow and
// retry the same call.
type Builder struct {
	batch  Batch
	opts   BuilderOptions
	limit  int
	size   int
	sealed bool
}

// NewBuilder starts a batch with the supplied batch id.
func NewBuilder(batchID uint64, opts BuilderOptions) *Builder {
	opts = opts.withDefaults()
	return &Builder{
		batch: Batch{ID: batchID},
		opts:  opts,
		limit: opts.BufferSize,
		size:  batchHeaderSize + paramTableHeader,
	}
}

// Size returns the encoded size of everything packed so far.
func (b *Builder) Size() int { return b.size }

// Limit returns the current buffer capacity.
func (b *Builder) Limit() int { return b.limit }

// Len returns the number of packed operations.
func (b *Builder) Len() int { return len(b.batch.Ops) }

// Grow raises the buffer capacity to at least n bytes.
func (b *Builder) Grow(n int) error {
	if n <= b.limit {
		return nil
	}
	if n > b.opts.MaxBatchSize {
		return &TooBigError{Scope: "batch", Required: n, Limit: b.opts.MaxBatchSize}
	}
	next := b.limit
	if next <= 0 {
		next = DefaultBufferSize
	}
	for next < n {
		next *= 2
	}
	if next > b.opts.MaxBatchSize {
		next = b.opts.MaxBatchSize
	}
	b.limit = next
	return nil
}

// PackOp appends one operation. Each parameter goes through the ParamTable;
// only indices are stored in the op.
func (b *Builder) PackOp(target fid.FID, kind Kind, params ...[]byte) error {
	if b.sealed {
		return ErrSealed
	}
	if err := kind.checkParams(params); err != nil {
		return fmt.Errorf("%w: %v", ErrShape, err)
	}
	opSize := opHeaderSize + opIndexSize*len(params)
	raw := opSize
	for _, p := range params {
		raw += paramEntryOverhead + len(p)
	}
	if raw > b.opts.MaxOpSize {
		return &TooBigError{Scope: "op", Required: raw, Limit: b.opts.MaxOpSize}
	}
	required := b.size + opSize + b.batch.Params.growth(params)
	if required > b.limit {
		return &TooBigError{Scope: "buffer", Required: required, Limit: b.limit}
	}
	op := Op{FID: target, Kind: kind, Params: make([]uint32, len(params))}
	for i, p := range params {
		op.Params[i] = b.batch.Params.Pack(p)
	}
	b.batch.Ops = append(b.batch.Ops, op)
	b.size = required
	return nil
}

// Pack appends a typed payload for target.
func (b *Builder) Pack(target fid.FID, p Payload) error {
	return b.PackOp(target, p.Kind(), p.Params()...)
}

// PackGrow packs p, growing the buffer once when it reports TooBig.
func (b *Builder) PackGrow(target fid.FID, p Payload) error {
	err := b.Pack(target, p)
	required, tooBig := RequiredSize(err)
	if !tooBig {
		return err
	}
	if gerr := b.Grow(required); gerr != nil {
		return gerr
	}
	return b.Pack(target, p)
}

// Seal freezes the builder and returns the batch.
func (b *Builder) Seal() *Batch {
	b.sealed = true
	return &b.batch
}
