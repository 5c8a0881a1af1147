package update

import (
	"encoding/binary"
	"fmt"

	"pkt.systems/dtxn/internal/fid"
)

// Payload is the decoded form of one operation. There is one implementation
// per Kind; Params returns the buffers in the kind's parameter order.
type Payload interface {
	Kind() Kind
	Params() [][]byte
}

// Xattr set flags.
const (
	XattrCreate  uint32 = 1
	XattrReplace uint32 = 2
)

// Create makes a new object with Attr. Parent may be zero.
type Create struct {
	Attr   Attr
	Parent fid.FID
}

// Destroy removes an object.
type Destroy struct{}

// RefAdd increments the link count.
type RefAdd struct{}

// RefDel decrements the link count.
type RefDel struct{}

// AttrSet updates the fields selected by Attr.Valid.
type AttrSet struct {
	Attr Attr
}

// AttrGet reads the attribute block.
type AttrGet struct{}

// XattrSet stores Value under Name.
type XattrSet struct {
	Name  string
	Value []byte
	Flags uint32
}

// XattrGet reads the value stored under Name.
type XattrGet struct {
	Name string
}

// XattrDel removes Name.
type XattrDel struct {
	Name string
}

// IndexInsert adds Key -> Target to a directory index.
type IndexInsert struct {
	Key    string
	Target fid.FID
	Type   uint32
}

// IndexDelete removes Key from a directory index.
type IndexDelete struct {
	Key string
}

// IndexLookup resolves Key in a directory index.
type IndexLookup struct {
	Key string
}

// Write stores Data at Pos.
type Write struct {
	Data []byte
	Pos  uint64
}

// Read returns up to Size bytes from Pos.
type Read struct {
	Size uint64
	Pos  uint64
}

func (Create) Kind() Kind      { return KindCreate }
func (Destroy) Kind() Kind     { return KindDestroy }
func (RefAdd) Kind() Kind      { return KindRefAdd }
func (RefDel) Kind() Kind      { return KindRefDel }
func (AttrSet) Kind() Kind     { return KindAttrSet }
func (AttrGet) Kind() Kind     { return KindAttrGet }
func (XattrSet) Kind() Kind    { return KindXattrSet }
func (XattrGet) Kind() Kind    { return KindXattrGet }
func (XattrDel) Kind() Kind    { return KindXattrDel }
func (IndexInsert) Kind() Kind { return KindIndexInsert }
func (IndexDelete) Kind() Kind { return KindIndexDelete }
func (IndexLookup) Kind() Kind { return KindIndexLookup }
func (Write) Kind() Kind       { return KindWrite }
func (Read) Kind() Kind        { return KindRead }

func (p Create) Params() [][]byte { return [][]byte{p.Attr.Bytes(), p.Parent.Bytes()} }
func (Destroy) Params() [][]byte  { return nil }
func (RefAdd) Params() [][]byte   { return nil }
func (RefDel) Params() [][]byte   { return nil }
func (p AttrSet) Params() [][]byte {
	return [][]byte{p.Attr.Bytes()}
}
func (AttrGet) Params() [][]byte { return nil }
func (p XattrSet) Params() [][]byte {
	return [][]byte{nameBytes(p.Name), p.Value, le32(p.Flags)}
}
func (p XattrGet) Params() [][]byte { return [][]byte{nameBytes(p.Name)} }
func (p XattrDel) Params() [][]byte { return [][]byte{nameBytes(p.Name)} }
func (p IndexInsert) Params() [][]byte {
	return [][]byte{nameBytes(p.Key), p.Target.Bytes(), le32(p.Type)}
}
func (p IndexDelete) Params() [][]byte { return [][]byte{nameBytes(p.Key)} }
func (p IndexLookup) Params() [][]byte { return [][]byte{nameBytes(p.Key)} }
func (p Write) Params() [][]byte       { return [][]byte{p.Data, le64(p.Pos)} }
func (p Read) Params() [][]byte        { return [][]byte{le64(p.Size), le64(p.Pos)} }

func le32(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }
func le64(v uint64) []byte { return binary.LittleEndian.AppendUint64(nil, v) }

// DecodePayload resolves op's parameters in t and validates them against the
// kind's fixed shape. Any mismatch is ErrCorrupt.
func DecodePayload(op Op, t *ParamTable) (Payload, error) {
	params := make([][]byte, len(op.Params))
	for i, idx := range op.Params {
		p, err := t.Unpack(idx)
		if err != nil {
			return nil, err
		}
		params[i] = p
	}
	if err := op.Kind.checkParams(params); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, op.FID, err)
	}
	switch op.Kind {
	case KindCreate:
		attr, err := DecodeAttr(params[0])
		if err != nil {
			return nil, err
		}
		parent, err := fid.FromBytes(params[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return Create{Attr: attr, Parent: parent}, nil
	case KindDestroy:
		return Destroy{}, nil
	case KindRefAdd:
		return RefAdd{}, nil
	case KindRefDel:
		return RefDel{}, nil
	case KindAttrSet:
		attr, err := DecodeAttr(params[0])
		if err != nil {
			return nil, err
		}
		return AttrSet{Attr: attr}, nil
	case KindAttrGet:
		return AttrGet{}, nil
	case KindXattrSet:
		value := make([]byte, len(params[1]))
		copy(value, params[1])
		return XattrSet{
			Name:  nameString(params[0]),
			Value: value,
			Flags: binary.LittleEndian.Uint32(params[2]),
		}, nil
	case KindXattrGet:
		return XattrGet{Name: nameString(params[0])}, nil
	case KindXattrDel:
		return XattrDel{Name: nameString(params[0])}, nil
	case KindIndexInsert:
		target, err := fid.FromBytes(params[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if !target.Sane() {
			return nil, fmt.Errorf("%w: index insert of insane fid %s", ErrCorrupt, target)
		}
		return IndexInsert{
			Key:    nameString(params[0]),
			Target: target,
			Type:   binary.LittleEndian.Uint32(params[2]),
		}, nil
	case KindIndexDelete:
		return IndexDelete{Key: nameString(params[0])}, nil
	case KindIndexLookup:
		return IndexLookup{Key: nameString(params[0])}, nil
	case KindWrite:
		data := make([]byte, len(params[0]))
		copy(data, params[0])
		return Write{Data: data, Pos: binary.LittleEndian.Uint64(params[1])}, nil
	case KindRead:
		return Read{
			Size: binary.LittleEndian.Uint64(params[0]),
			Pos:  binary.LittleEndian.Uint64(params[1]),
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %d", ErrCorrupt, uint16(op.Kind))
}
