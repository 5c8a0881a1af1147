package update

import (
	"encoding/binary"
	"fmt"
)

// AttrSize is the encoded size of Attr.
const AttrSize = 56

// AttrMask selects which Attr fields carry meaning.
type AttrMask uint64

const (
	ValidMode AttrMask = 1 << iota
	ValidUID
	ValidGID
	ValidNlink
	ValidSize
	ValidAtime
	ValidMtime
	ValidCtime

	ValidAll = ValidMode | ValidUID | ValidGID | ValidNlink | ValidSize | ValidAtime | ValidMtime | ValidCtime
)

// File type bits carried in Attr.Mode.
const (
	ModeTypeMask uint32 = 0o170000
	ModeDir      uint32 = 0o040000
	ModeRegular  uint32 = 0o100000
)

// Attr is the fixed-size attribute block used by create and attr_set.
type Attr struct {
	Valid AttrMask
	Mode  uint32
	UID   uint32
	GID   uint32
	Nlink uint32
	Size  uint64
	Atime int64
	Mtime int64
	Ctime int64
}

// IsDir reports whether the mode names a directory.
func (a Attr) IsDir() bool {
	return a.Mode&ModeTypeMask == ModeDir
}

// Apply returns base with every field selected by a.Valid replaced.
func (a Attr) Apply(base Attr) Attr {
	out := base
	if a.Valid&ValidMode != 0 {
		// permission bits only; the file type is fixed at create
		out.Mode = base.Mode&ModeTypeMask | a.Mode&^ModeTypeMask
	}
	if a.Valid&ValidUID != 0 {
		out.UID = a.UID
	}
	if a.Valid&ValidGID != 0 {
		out.GID = a.GID
	}
	if a.Valid&ValidNlink != 0 {
		out.Nlink = a.Nlink
	}
	if a.Valid&ValidSize != 0 {
		out.Size = a.Size
	}
	if a.Valid&ValidAtime != 0 {
		out.Atime = a.Atime
	}
	if a.Valid&ValidMtime != 0 {
		out.Mtime = a.Mtime
	}
	if a.Valid&ValidCtime != 0 {
		out.Ctime = a.Ctime
	}
	out.Valid = base.Valid | a.Valid
	return out
}

// Bytes encodes a in its little-endian wire form.
func (a Attr) Bytes() []byte {
	b := make([]byte, AttrSize)
	binary.LittleEndian.PutUint64(b[0:], uint64(a.Valid))
	binary.LittleEndian.PutUint32(b[8:], a.Mode)
	binary.LittleEndian.PutUint32(b[12:], a.UID)
	binary.LittleEndian.PutUint32(b[16:], a.GID)
	binary.LittleEndian.PutUint32(b[20:], a.Nlink)
	binary.LittleEndian.PutUint64(b[24:], a.Size)
	binary.LittleEndian.PutUint64(b[32:], uint64(a.Atime))
	binary.LittleEndian.PutUint64(b[40:], uint64(a.Mtime))
	binary.LittleEndian.PutUint64(b[48:], uint64(a.Ctime))
	return b
}

// DecodeAttr decodes an attribute block.
func DecodeAttr(b []byte) (Attr, error) {
	if len(b) != AttrSize {
		return Attr{}, fmt.Errorf("%w: attr size %d", ErrCorrupt, len(b))
	}
	return Attr{
		Valid: AttrMask(binary.LittleEndian.Uint64(b[0:])),
		Mode:  binary.LittleEndian.Uint32(b[8:]),
		UID:   binary.LittleEndian.Uint32(b[12:]),
		GID:   binary.LittleEndian.Uint32(b[16:]),
		Nlink: binary.LittleEndian.Uint32(b[20:]),
		Size:  binary.LittleEndian.Uint64(b[24:]),
		Atime: int64(binary.LittleEndian.Uint64(b[32:])),
		Mtime: int64(binary.LittleEndian.Uint64(b[40:])),
		Ctime: int64(binary.LittleEndian.Uint64(b[48:])),
	}, nil
}
