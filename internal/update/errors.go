package update

import (
	"errors"
	"strconv"
	"strings"
)

var (
	// ErrCorrupt reports a record that violates the wire format: a short
	// buffer, an unknown kind, a parameter count or size that does not match
	// the kind's shape, or a parameter index outside the table.
	ErrCorrupt = errors.New("update: protocol corruption")
	// ErrTooBig is matched by every TooBigError.
	ErrTooBig = errors.New("update: too big")
	// ErrSealed reports an attempt to pack into a sealed batch.
	ErrSealed = errors.New("update: batch sealed")
	// ErrShape reports a pack call whose parameters do not fit the kind.
	ErrShape = errors.New("update: parameters do not match operation shape")
)

// TooBigError reports that an operation or a batch does not fit. Required is
// the minimum size now known to be necessary; Limit is the size that was
// exceeded. Nothing was written when this error is returned.
type TooBigError struct {
	Scope    string
	Required int
	Limit    int
}

func (e *TooBigError) Error() string {
	var b strings.Builder
	b.WriteString("update: ")
	if e.Scope != "" {
		b.WriteString(e.Scope)
		b.WriteString(" ")
	}
	b.WriteString("too big: required ")
	b.WriteString(strconv.Itoa(e.Required))
	b.WriteString(" bytes, limit ")
	b.WriteString(strconv.Itoa(e.Limit))
	return b.String()
}

// Is lets errors.Is match ErrTooBig.
func (e *TooBigError) Is(target error) bool {
	return target == ErrTooBig
}

// RequiredSize extracts the required size from err when it is a TooBigError.
func RequiredSize(err error) (int, bool) {
	var tb *TooBigError
	if errors.As(err, &tb) {
		return tb.Required, true
	}
	return 0, false
}
