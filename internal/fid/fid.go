// Package fid defines the cluster-wide 128-bit object identifier.
package fid

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Size is the encoded length of a FID in bytes.
const Size = 16

// ErrInvalid reports a malformed textual or binary FID.
var ErrInvalid = errors.New("fid: invalid identifier")

// FID identifies one object across every participant. Seq selects the
// sequence range (and therefore the owning participant), Oid the object
// within that sequence and Ver the object version.
type FID struct {
	Seq uint64
	Oid uint32
	Ver uint32
}

// Zero is the empty identifier.
var Zero FID

// New returns a FID for the supplied sequence and object id.
func New(seq uint64, oid uint32) FID {
	return FID{Seq: seq, Oid: oid}
}

// IsZero reports whether f carries no identity.
func (f FID) IsZero() bool {
	return f == Zero
}

// Sane reports whether f could name a real object. Sequence zero is reserved.
func (f FID) Sane() bool {
	return f.Seq != 0
}

// String renders f in the bracketed hex form used in logs and dumps.
func (f FID) String() string {
	return fmt.Sprintf("[0x%x:0x%x:0x%x]", f.Seq, f.Oid, f.Ver)
}

// Less orders identifiers by sequence, object id and version.
func (f FID) Less(o FID) bool {
	if f.Seq != o.Seq {
		return f.Seq < o.Seq
	}
	if f.Oid != o.Oid {
		return f.Oid < o.Oid
	}
	return f.Ver < o.Ver
}

// Put encodes f into dst, which must hold at least Size bytes.
func (f FID) Put(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], f.Seq)
	binary.LittleEndian.PutUint32(dst[8:12], f.Oid)
	binary.LittleEndian.PutUint32(dst[12:16], f.Ver)
}

// Bytes returns the little-endian wire form of f.
func (f FID) Bytes() []byte {
	buf := make([]byte, Size)
	f.Put(buf)
	return buf
}

// FromBytes decodes a wire-form FID. The slice must be exactly Size bytes.
func FromBytes(b []byte) (FID, error) {
	if len(b) != Size {
		return Zero, fmt.Errorf("%w: %d bytes", ErrInvalid, len(b))
	}
	return FID{
		Seq: binary.LittleEndian.Uint64(b[0:8]),
		Oid: binary.LittleEndian.Uint32(b[8:12]),
		Ver: binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

// Parse accepts the String form, with or without brackets.
func Parse(s string) (FID, error) {
	trimmed := strings.TrimSpace(s)
	trimmed = strings.TrimPrefix(trimmed, "[")
	trimmed = strings.TrimSuffix(trimmed, "]")
	parts := strings.Split(trimmed, ":")
	if len(parts) != 3 {
		return Zero, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	seq, err := strconv.ParseUint(parts[0], 0, 64)
	if err != nil {
		return Zero, fmt.Errorf("%w: seq %q", ErrInvalid, parts[0])
	}
	oid, err := strconv.ParseUint(parts[1], 0, 32)
	if err != nil {
		return Zero, fmt.Errorf("%w: oid %q", ErrInvalid, parts[1])
	}
	ver, err := strconv.ParseUint(parts[2], 0, 32)
	if err != nil {
		return Zero, fmt.Errorf("%w: ver %q", ErrInvalid, parts[2])
	}
	return FID{Seq: seq, Oid: uint32(oid), Ver: uint32(ver)}, nil
}
