package txn

import (
	"errors"
	"fmt"

	"pkt.systems/dtxn/internal/fid"
	"pkt.systems/dtxn/internal/update"
)

var (
	// ErrUndoFailed marks an undo that could not be applied. The store is
	// inconsistent and needs operator or failover intervention.
	ErrUndoFailed = errors.New("txn: undo failed")
	// ErrState reports a call that is not valid in the transaction's state.
	ErrState = errors.New("txn: invalid state")
	// ErrUnsupported reports a payload the engine has no handler for.
	ErrUnsupported = errors.New("txn: unsupported payload")
)

// DeclareError reports a failed reservation. Nothing was executed.
type DeclareError struct {
	Index int
	FID   fid.FID
	Kind  update.Kind
	Err   error
}

func (e *DeclareError) Error() string {
	return fmt.Sprintf("txn: declare op %d (%s %s): %v", e.Index, e.Kind, e.FID, e.Err)
}

func (e *DeclareError) Unwrap() error { return e.Err }

// ExecuteError reports the first operation that failed to execute. The
// operations before it have been undone.
type ExecuteError struct {
	Index int
	FID   fid.FID
	Kind  update.Kind
	Err   error
}

func (e *ExecuteError) Error() string {
	return fmt.Sprintf("txn: execute op %d (%s %s): %v", e.Index, e.Kind, e.FID, e.Err)
}

func (e *ExecuteError) Unwrap() error { return e.Err }

// UndoError reports the undo that failed while rolling back Cause.
type UndoError struct {
	Index int
	FID   fid.FID
	Kind  update.Kind
	Err   error
	Cause error
}

func (e *UndoError) Error() string {
	msg := fmt.Sprintf("txn: undo op %d (%s %s): %v", e.Index, e.Kind, e.FID, e.Err)
	if e.Cause != nil {
		msg += " (rolling back: " + e.Cause.Error() + ")"
	}
	return msg
}

func (e *UndoError) Is(target error) bool { return target == ErrUndoFailed }

func (e *UndoError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}
