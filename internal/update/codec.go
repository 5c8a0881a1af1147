package update

import (
	"encoding/binary"
	"fmt"

	"pkt.systems/dtxn/internal/fid"
)

// Encode serializes b:
//
//	[batch_id:u64][master_seq:u64][op_count:u32]{op}*[param_table]
//	op          = [fid:16][kind:u16][param_count:u16]{param_index:u32}*
//	param_table = [count:u32]{len:u32 bytes[len]}*
//
// All integers are little endian.
func Encode(b *Batch) []byte {
	return AppendBatch(make([]byte, 0, b.EncodedSize()), b)
}

// AppendBatch appends the encoding of b to dst.
func AppendBatch(dst []byte, b *Batch) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, b.ID)
	dst = binary.LittleEndian.AppendUint64(dst, b.MasterSeq)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(b.Ops)))
	var fidBuf [fid.Size]byte
	for _, op := range b.Ops {
		op.FID.Put(fidBuf[:])
		dst = append(dst, fidBuf[:]...)
		dst = binary.LittleEndian.AppendUint16(dst, uint16(op.Kind))
		dst = binary.LittleEndian.AppendUint16(dst, uint16(len(op.Params)))
		for _, idx := range op.Params {
			dst = binary.LittleEndian.AppendUint32(dst, idx)
		}
	}
	dst = binary.LittleEndian.AppendUint32(dst, uint32(b.Params.Len()))
	for _, p := range b.Params.entries {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(p)))
		dst = append(dst, p...)
	}
	return dst
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) need(n int, what string) error {
	if n < 0 || len(r.buf)-r.off < n {
		return fmt.Errorf("%w: short buffer reading %s at offset %d", ErrCorrupt, what, r.off)
	}
	return nil
}

func (r *reader) u16(what string) (uint16, error) {
	if err := r.need(2, what); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32(what string) (uint32, error) {
	if err := r.need(4, what); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u64(what string) (uint64, error) {
	if err := r.need(8, what); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) bytes(n int, what string) ([]byte, error) {
	if err := r.need(n, what); err != nil {
		return nil, err
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v, nil
}

// Decode parses an encoded batch. Unknown kinds, parameter indices beyond the
// table and trailing bytes are reported as ErrCorrupt. The returned batch
// owns its memory.
func Decode(data []byte) (*Batch, error) {
	r := &reader{buf: data}
	id, err := r.u64("batch id")
	if err != nil {
		return nil, err
	}
	seq, err := r.u64("master seq")
	if err != nil {
		return nil, err
	}
	count, err := r.u32("op count")
	if err != nil {
		return nil, err
	}
	if int64(count)*opHeaderSize > int64(len(data)-r.off) {
		return nil, fmt.Errorf("%w: op count %d exceeds buffer", ErrCorrupt, count)
	}
	b := &Batch{ID: id, MasterSeq: seq, Ops: make([]Op, 0, count)}
	for i := uint32(0); i < count; i++ {
		raw, err := r.bytes(fid.Size, "fid")
		if err != nil {
			return nil, err
		}
		target, _ := fid.FromBytes(raw)
		kind, err := r.u16("kind")
		if err != nil {
			return nil, err
		}
		if !Kind(kind).Valid() {
			return nil, fmt.Errorf("%w: op %d unknown kind %d", ErrCorrupt, i, kind)
		}
		nparams, err := r.u16("param count")
		if err != nil {
			return nil, err
		}
		op := Op{FID: target, Kind: Kind(kind), Params: make([]uint32, nparams)}
		for j := range op.Params {
			if op.Params[j], err = r.u32("param index"); err != nil {
				return nil, err
			}
		}
		b.Ops = append(b.Ops, op)
	}
	entries, err := r.u32("param table count")
	if err != nil {
		return nil, err
	}
	if int64(entries)*paramEntryOverhead > int64(len(data)-r.off) {
		return nil, fmt.Errorf("%w: param count %d exceeds buffer", ErrCorrupt, entries)
	}
	b.Params.entries = make([][]byte, 0, entries)
	for i := uint32(0); i < entries; i++ {
		n, err := r.u32("param length")
		if err != nil {
			return nil, err
		}
		p, err := r.bytes(int(n), "param bytes")
		if err != nil {
			return nil, err
		}
		cp := make([]byte, len(p))
		copy(cp, p)
		b.Params.entries = append(b.Params.entries, cp)
		b.Params.size += paramEntryOverhead + len(cp)
	}
	if r.off != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(data)-r.off)
	}
	for i, op := range b.Ops {
		for _, idx := range op.Params {
			if int(idx) >= len(b.Params.entries) {
				return nil, fmt.Errorf("%w: op %d param index %d out of range (%d entries)", ErrCorrupt, i, idx, len(b.Params.entries))
			}
		}
	}
	return b, nil
}
