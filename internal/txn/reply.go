package txn

import (
	"context"
	"errors"

	"golang.org/x/sys/unix"

	"pkt.systems/dtxn/internal/objstore"
	"pkt.systems/dtxn/internal/update"
)

// ReplySlot receives the outcome of one operation once its transaction
// closes. Code is zero or a negative errno. Transno is the local transaction
// sequence of a successful close. Data carries the result of read-only kinds.
type ReplySlot struct {
	Code    int32
	Transno uint64
	Data    []byte
}

// OK reports whether the slot holds a success.
func (r ReplySlot) OK() bool { return r.Code == 0 }

var errnoTable = []struct {
	err   error
	errno unix.Errno
}{
	{ErrUndoFailed, unix.EIO},
	{objstore.ErrExist, unix.EEXIST},
	{objstore.ErrNotFound, unix.ENOENT},
	{objstore.ErrNoSpace, unix.ENOSPC},
	{objstore.ErrBusy, unix.EBUSY},
	{objstore.ErrNotDir, unix.ENOTDIR},
	{objstore.ErrNoData, unix.ENODATA},
	{objstore.ErrInvalid, unix.EINVAL},
	{objstore.ErrFileTooBig, unix.EFBIG},
	{objstore.ErrTxnState, unix.EINVAL},
	{update.ErrCorrupt, unix.EPROTO},
	{update.ErrShape, unix.EPROTO},
	{update.ErrTooBig, unix.E2BIG},
	{ErrUnsupported, unix.EOPNOTSUPP},
	{context.Canceled, unix.ECANCELED},
	{context.DeadlineExceeded, unix.ETIMEDOUT},
}

// ResultCode maps err to the negative errno reported to clients.
func ResultCode(err error) int32 {
	if err == nil {
		return 0
	}
	for _, e := range errnoTable {
		if errors.Is(err, e.err) {
			return -int32(e.errno)
		}
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int32(errno)
	}
	return -int32(unix.EIO)
}

// CodeError turns a reply code back into an error value for logging.
func CodeError(code int32) error {
	if code == 0 {
		return nil
	}
	return unix.Errno(-code)
}
