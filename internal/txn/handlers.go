package txn

import (
	"context"
	"encoding/binary"
	"fmt"

	"pkt.systems/dtxn/internal/objstore"
	"pkt.systems/dtxn/internal/update"
)

// undoFunc reverses one executed operation inside the same local transaction.
type undoFunc func(ctx context.Context, tx objstore.Txn, obj objstore.Object) error

// handler carries one decoded payload together with its declare and execute
// behaviour. exec returns the undo for what it applied; read-only kinds
// return a nil undo and fill reply data instead.
type handler interface {
	payload() update.Payload
	declare(ctx context.Context, tx objstore.Txn, obj objstore.Object) error
	exec(ctx context.Context, tx objstore.Txn, obj objstore.Object, reply *ReplySlot) (undoFunc, error)
}

func handlerFor(p update.Payload) (handler, error) {
	switch p := p.(type) {
	case update.Create:
		return createHandler{p}, nil
	case update.Destroy:
		return destroyHandler{p}, nil
	case update.RefAdd:
		return refAddHandler{p}, nil
	case update.RefDel:
		return refDelHandler{p}, nil
	case update.AttrSet:
		return attrSetHandler{p}, nil
	case update.AttrGet:
		return attrGetHandler{p: p}, nil
	case update.XattrSet:
		return xattrSetHandler{p}, nil
	case update.XattrGet:
		return xattrGetHandler{p: p}, nil
	case update.XattrDel:
		return xattrDelHandler{p}, nil
	case update.IndexInsert:
		return indexInsertHandler{p}, nil
	case update.IndexDelete:
		return indexDeleteHandler{p}, nil
	case update.IndexLookup:
		return indexLookupHandler{p: p}, nil
	case update.Write:
		return writeHandler{p}, nil
	case update.Read:
		return readHandler{p: p}, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupported, p)
}

// reserve is the declare step shared by every mutating kind.
func reserve(ctx context.Context, tx objstore.Txn, obj objstore.Object, p update.Payload) error {
	return tx.Declare(ctx, obj, p)
}

// readOnly is embedded by kinds that reserve nothing.
type readOnly struct{}

func (readOnly) declare(context.Context, objstore.Txn, objstore.Object) error { return nil }

type createHandler struct{ p update.Create }

func (h createHandler) payload() update.Payload { return h.p }
func (h createHandler) declare(ctx context.Context, tx objstore.Txn, obj objstore.Object) error {
	return reserve(ctx, tx, obj, h.p)
}
func (h createHandler) exec(ctx context.Context, tx objstore.Txn, obj objstore.Object, _ *ReplySlot) (undoFunc, error) {
	if err := tx.Create(ctx, obj, h.p.Attr); err != nil {
		return nil, err
	}
	return func(ctx context.Context, tx objstore.Txn, obj objstore.Object) error {
		return tx.Destroy(ctx, obj)
	}, nil
}

type destroyHandler struct{ p update.Destroy }

func (h destroyHandler) payload() update.Payload { return h.p }
func (h destroyHandler) declare(ctx context.Context, tx objstore.Txn, obj objstore.Object) error {
	return reserve(ctx, tx, obj, h.p)
}
func (h destroyHandler) exec(ctx context.Context, tx objstore.Txn, obj objstore.Object, _ *ReplySlot) (undoFunc, error) {
	prev, err := tx.Snapshot(ctx, obj)
	if err != nil {
		return nil, err
	}
	if err := tx.Destroy(ctx, obj); err != nil {
		return nil, err
	}
	return restoreTo(prev), nil
}

type refAddHandler struct{ p update.RefAdd }

func (h refAddHandler) payload() update.Payload { return h.p }
func (h refAddHandler) declare(ctx context.Context, tx objstore.Txn, obj objstore.Object) error {
	return reserve(ctx, tx, obj, h.p)
}
func (h refAddHandler) exec(ctx context.Context, tx objstore.Txn, obj objstore.Object, _ *ReplySlot) (undoFunc, error) {
	if err := tx.RefAdd(ctx, obj); err != nil {
		return nil, err
	}
	return func(ctx context.Context, tx objstore.Txn, obj objstore.Object) error {
		return tx.RefDel(ctx, obj)
	}, nil
}

type refDelHandler struct{ p update.RefDel }

func (h refDelHandler) payload() update.Payload { return h.p }
func (h refDelHandler) declare(ctx context.Context, tx objstore.Txn, obj objstore.Object) error {
	return reserve(ctx, tx, obj, h.p)
}
func (h refDelHandler) exec(ctx context.Context, tx objstore.Txn, obj objstore.Object, _ *ReplySlot) (undoFunc, error) {
	if err := tx.RefDel(ctx, obj); err != nil {
		return nil, err
	}
	return func(ctx context.Context, tx objstore.Txn, obj objstore.Object) error {
		return tx.RefAdd(ctx, obj)
	}, nil
}

type attrSetHandler struct{ p update.AttrSet }

func (h attrSetHandler) payload() update.Payload { return h.p }
func (h attrSetHandler) declare(ctx context.Context, tx objstore.Txn, obj objstore.Object) error {
	return reserve(ctx, tx, obj, h.p)
}
func (h attrSetHandler) exec(ctx context.Context, tx objstore.Txn, obj objstore.Object, _ *ReplySlot) (undoFunc, error) {
	prev, err := tx.Snapshot(ctx, obj)
	if err != nil {
		return nil, err
	}
	if err := tx.AttrSet(ctx, obj, h.p.Attr); err != nil {
		return nil, err
	}
	old := prev.Attr
	old.Valid = update.ValidAll
	return func(ctx context.Context, tx objstore.Txn, obj objstore.Object) error {
		return tx.AttrSet(ctx, obj, old)
	}, nil
}

type attrGetHandler struct {
	readOnly
	p update.AttrGet
}

func (h attrGetHandler) payload() update.Payload { return h.p }
func (h attrGetHandler) exec(ctx context.Context, tx objstore.Txn, obj objstore.Object, reply *ReplySlot) (undoFunc, error) {
	attr, err := tx.AttrGet(ctx, obj)
	if err != nil {
		return nil, err
	}
	setData(reply, attr.Bytes())
	return nil, nil
}

type xattrSetHandler struct{ p update.XattrSet }

func (h xattrSetHandler) payload() update.Payload { return h.p }
func (h xattrSetHandler) declare(ctx context.Context, tx objstore.Txn, obj objstore.Object) error {
	return reserve(ctx, tx, obj, h.p)
}
func (h xattrSetHandler) exec(ctx context.Context, tx objstore.Txn, obj objstore.Object, _ *ReplySlot) (undoFunc, error) {
	prev, err := tx.Snapshot(ctx, obj)
	if err != nil {
		return nil, err
	}
	if err := tx.XattrSet(ctx, obj, h.p.Name, h.p.Value, h.p.Flags); err != nil {
		return nil, err
	}
	name := h.p.Name
	old, existed := prev.Xattrs[name]
	if !existed {
		return func(ctx context.Context, tx objstore.Txn, obj objstore.Object) error {
			return tx.XattrDel(ctx, obj, name)
		}, nil
	}
	return func(ctx context.Context, tx objstore.Txn, obj objstore.Object) error {
		return tx.XattrSet(ctx, obj, name, old, update.XattrReplace)
	}, nil
}

type xattrGetHandler struct {
	readOnly
	p update.XattrGet
}

func (h xattrGetHandler) payload() update.Payload { return h.p }
func (h xattrGetHandler) exec(ctx context.Context, tx objstore.Txn, obj objstore.Object, reply *ReplySlot) (undoFunc, error) {
	value, err := tx.XattrGet(ctx, obj, h.p.Name)
	if err != nil {
		return nil, err
	}
	setData(reply, value)
	return nil, nil
}

type xattrDelHandler struct{ p update.XattrDel }

func (h xattrDelHandler) payload() update.Payload { return h.p }
func (h xattrDelHandler) declare(ctx context.Context, tx objstore.Txn, obj objstore.Object) error {
	return reserve(ctx, tx, obj, h.p)
}
func (h xattrDelHandler) exec(ctx context.Context, tx objstore.Txn, obj objstore.Object, _ *ReplySlot) (undoFunc, error) {
	prev, err := tx.Snapshot(ctx, obj)
	if err != nil {
		return nil, err
	}
	if err := tx.XattrDel(ctx, obj, h.p.Name); err != nil {
		return nil, err
	}
	name, old := h.p.Name, prev.Xattrs[h.p.Name]
	return func(ctx context.Context, tx objstore.Txn, obj objstore.Object) error {
		return tx.XattrSet(ctx, obj, name, old, update.XattrCreate)
	}, nil
}

type indexInsertHandler struct{ p update.IndexInsert }

func (h indexInsertHandler) payload() update.Payload { return h.p }
func (h indexInsertHandler) declare(ctx context.Context, tx objstore.Txn, obj objstore.Object) error {
	return reserve(ctx, tx, obj, h.p)
}
func (h indexInsertHandler) exec(ctx context.Context, tx objstore.Txn, obj objstore.Object, _ *ReplySlot) (undoFunc, error) {
	entry := objstore.IndexEntry{Target: h.p.Target, Type: h.p.Type}
	if err := tx.IndexInsert(ctx, obj, h.p.Key, entry); err != nil {
		return nil, err
	}
	key := h.p.Key
	return func(ctx context.Context, tx objstore.Txn, obj objstore.Object) error {
		return tx.IndexDelete(ctx, obj, key)
	}, nil
}

type indexDeleteHandler struct{ p update.IndexDelete }

func (h indexDeleteHandler) payload() update.Payload { return h.p }
func (h indexDeleteHandler) declare(ctx context.Context, tx objstore.Txn, obj objstore.Object) error {
	return reserve(ctx, tx, obj, h.p)
}
func (h indexDeleteHandler) exec(ctx context.Context, tx objstore.Txn, obj objstore.Object, _ *ReplySlot) (undoFunc, error) {
	prev, err := tx.Snapshot(ctx, obj)
	if err != nil {
		return nil, err
	}
	if err := tx.IndexDelete(ctx, obj, h.p.Key); err != nil {
		return nil, err
	}
	key, old := h.p.Key, prev.Index[h.p.Key]
	return func(ctx context.Context, tx objstore.Txn, obj objstore.Object) error {
		return tx.IndexInsert(ctx, obj, key, old)
	}, nil
}

type indexLookupHandler struct {
	readOnly
	p update.IndexLookup
}

func (h indexLookupHandler) payload() update.Payload { return h.p }
func (h indexLookupHandler) exec(ctx context.Context, tx objstore.Txn, obj objstore.Object, reply *ReplySlot) (undoFunc, error) {
	entry, err := tx.IndexLookup(ctx, obj, h.p.Key)
	if err != nil {
		return nil, err
	}
	setData(reply, EncodeIndexEntry(entry))
	return nil, nil
}

type writeHandler struct{ p update.Write }

func (h writeHandler) payload() update.Payload { return h.p }
func (h writeHandler) declare(ctx context.Context, tx objstore.Txn, obj objstore.Object) error {
	return reserve(ctx, tx, obj, h.p)
}
func (h writeHandler) exec(ctx context.Context, tx objstore.Txn, obj objstore.Object, _ *ReplySlot) (undoFunc, error) {
	prev, err := tx.Snapshot(ctx, obj)
	if err != nil {
		return nil, err
	}
	if err := tx.Write(ctx, obj, h.p.Pos, h.p.Data); err != nil {
		return nil, err
	}
	return restoreTo(prev), nil
}

type readHandler struct {
	readOnly
	p update.Read
}

func (h readHandler) payload() update.Payload { return h.p }
func (h readHandler) exec(ctx context.Context, tx objstore.Txn, obj objstore.Object, reply *ReplySlot) (undoFunc, error) {
	data, err := tx.Read(ctx, obj, h.p.Pos, h.p.Size)
	if err != nil {
		return nil, err
	}
	setData(reply, data)
	return nil, nil
}

func restoreTo(snap objstore.Snapshot) undoFunc {
	return func(ctx context.Context, tx objstore.Txn, obj objstore.Object) error {
		return tx.Restore(ctx, obj, snap)
	}
}

func setData(reply *ReplySlot, data []byte) {
	if reply != nil {
		reply.Data = data
	}
}

// EncodeIndexEntry is the reply data of an index lookup: the 16 byte target
// FID followed by the little endian entry type.
func EncodeIndexEntry(e objstore.IndexEntry) []byte {
	out := make([]byte, 0, 20)
	out = append(out, e.Target.Bytes()...)
	return binary.LittleEndian.AppendUint32(out, e.Type)
}
