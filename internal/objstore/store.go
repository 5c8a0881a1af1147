// Package objstore defines the physical object store a participant executes
// operations against, plus an in-memory implementation.
package objstore

import (
	"context"
	"errors"

	"pkt.systems/dtxn/internal/fid"
	"pkt.systems/dtxn/internal/update"
)

var (
	// ErrNotFound indicates the object, index key or xattr does not exist.
	ErrNotFound = errors.New("objstore: not found")
	// ErrExist indicates the object, index key or xattr already exists.
	ErrExist = errors.New("objstore: already exists")
	// ErrNoSpace is returned by Declare when quota or space is exhausted.
	ErrNoSpace = errors.New("objstore: no space")
	// ErrBusy is returned by Declare when the transaction ran out of credits.
	ErrBusy = errors.New("objstore: busy")
	// ErrNotDir indicates an index operation against a non-directory.
	ErrNotDir = errors.New("objstore: not a directory")
	// ErrNoData indicates a missing extended attribute.
	ErrNoData = errors.New("objstore: no data")
	// ErrInvalid indicates an argument the object cannot accept.
	ErrInvalid = errors.New("objstore: invalid argument")
	// ErrFileTooBig reports a write past the store's object size limit.
	ErrFileTooBig = errors.New("objstore: file too large")
	// ErrTxnState indicates a call that is not valid in the transaction's state.
	ErrTxnState = errors.New("objstore: invalid transaction state")
)

// Object is a resolved handle. Holders must call Release exactly once.
type Object interface {
	FID() fid.FID
	Exists() bool
	Release()
}

// IndexEntry is one directory index record.
type IndexEntry struct {
	Target fid.FID
	Type   uint32
}

// Snapshot captures the complete state of an object.
type Snapshot struct {
	Exists bool
	Attr   update.Attr
	Xattrs map[string][]byte
	Index  map[string]IndexEntry
	Data   []byte
}

// Commit describes a transaction that became durable.
type Commit struct {
	Store string
	Seq   uint64
}

// CommitFunc runs once a transaction has committed. It may be invoked from a
// goroutine other than the one that stopped the transaction.
type CommitFunc func(ctx context.Context, c Commit) error

// Store is the participant-local physical store.
type Store interface {
	Name() string
	// Resolve returns a handle for f whether or not the object exists yet.
	Resolve(ctx context.Context, f fid.FID) (Object, error)
	// Open returns a transaction in the declare state. It may block until the
	// store can admit another transaction.
	Open(ctx context.Context) (Txn, error)
}

// Txn is a local storage transaction. Declare is only valid before Start;
// the operation primitives only between Start and Stop. Every primitive holds
// the object's lock for the duration of the call.
type Txn interface {
	Declare(ctx context.Context, obj Object, p update.Payload) error
	Start(ctx context.Context) error
	// Seq returns the sequence number assigned at Start, zero before.
	Seq() uint64
	OnCommit(fn CommitFunc)
	// Stop ends the transaction. A nil result commits and runs the commit
	// callbacks; a non-nil result discards reservations only.
	Stop(ctx context.Context, result error) (Commit, error)

	Create(ctx context.Context, obj Object, attr update.Attr) error
	Destroy(ctx context.Context, obj Object) error
	RefAdd(ctx context.Context, obj Object) error
	RefDel(ctx context.Context, obj Object) error
	AttrSet(ctx context.Context, obj Object, attr update.Attr) error
	AttrGet(ctx context.Context, obj Object) (update.Attr, error)
	XattrSet(ctx context.Context, obj Object, name string, value []byte, flags uint32) error
	XattrGet(ctx context.Context, obj Object, name string) ([]byte, error)
	XattrDel(ctx context.Context, obj Object, name string) error
	IndexInsert(ctx context.Context, obj Object, key string, entry IndexEntry) error
	IndexDelete(ctx context.Context, obj Object, key string) error
	IndexLookup(ctx context.Context, obj Object, key string) (IndexEntry, error)
	Write(ctx context.Context, obj Object, pos uint64, data []byte) error
	Read(ctx context.Context, obj Object, pos, size uint64) ([]byte, error)
	Snapshot(ctx context.Context, obj Object) (Snapshot, error)
	Restore(ctx context.Context, obj Object, snap Snapshot) error
}
