package update

import (
	"fmt"
	"strings"

	"pkt.systems/dtxn/internal/fid"
)

// Kind enumerates the object operations an Update Batch can carry.
type Kind uint16

const (
	KindCreate Kind = iota + 1
	KindDestroy
	KindRefAdd
	KindRefDel
	KindAttrSet
	KindAttrGet
	KindXattrSet
	KindXattrGet
	KindXattrDel
	KindIndexInsert
	KindIndexDelete
	KindIndexLookup
	KindWrite
	KindRead
)

var kindNames = map[Kind]string{
	KindCreate:      "create",
	KindDestroy:     "destroy",
	KindRefAdd:      "ref_add",
	KindRefDel:      "ref_del",
	KindAttrSet:     "attr_set",
	KindAttrGet:     "attr_get",
	KindXattrSet:    "xattr_set",
	KindXattrGet:    "xattr_get",
	KindXattrDel:    "xattr_del",
	KindIndexInsert: "index_insert",
	KindIndexDelete: "index_delete",
	KindIndexLookup: "index_lookup",
	KindWrite:       "write",
	KindRead:        "read",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint16(k))
}

// Valid reports whether k is a known operation kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ReadOnly reports whether k only reads object state.
func (k Kind) ReadOnly() bool {
	switch k {
	case KindAttrGet, KindXattrGet, KindIndexLookup, KindRead:
		return true
	}
	return false
}

// ParseKind maps a kind name (dash or underscore separated) to its Kind.
func ParseKind(s string) (Kind, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for k, name := range kindNames {
		if name == norm {
			return k, nil
		}
	}
	return 0, fmt.Errorf("update: unknown kind %q", s)
}

// paramClass describes one parameter slot of a kind.
type paramClass uint8

const (
	paramFixed paramClass = iota
	paramName
	paramBytes
)

type paramShape struct {
	class paramClass
	size  int
}

func fixed(n int) paramShape { return paramShape{class: paramFixed, size: n} }

var (
	nameParam  = paramShape{class: paramName}
	bytesParam = paramShape{class: paramBytes}
)

var kindShapes = map[Kind][]paramShape{
	KindCreate:      {fixed(AttrSize), fixed(fid.Size)},
	KindDestroy:     nil,
	KindRefAdd:      nil,
	KindRefDel:      nil,
	KindAttrSet:     {fixed(AttrSize)},
	KindAttrGet:     nil,
	KindXattrSet:    {nameParam, bytesParam, fixed(4)},
	KindXattrGet:    {nameParam},
	KindXattrDel:    {nameParam},
	KindIndexInsert: {nameParam, fixed(fid.Size), fixed(4)},
	KindIndexDelete: {nameParam},
	KindIndexLookup: {nameParam},
	KindWrite:       {bytesParam, fixed(8)},
	KindRead:        {fixed(8), fixed(8)},
}

// ParamCount returns the fixed number of parameters carried by k.
func (k Kind) ParamCount() int {
	return len(kindShapes[k])
}

// checkParams validates raw parameter buffers against the kind's shape.
func (k Kind) checkParams(params [][]byte) error {
	shape, ok := kindShapes[k]
	if !ok {
		return fmt.Errorf("unknown kind %d", uint16(k))
	}
	if len(params) != len(shape) {
		return fmt.Errorf("%s expects %d params, got %d", k, len(shape), len(params))
	}
	for i, s := range shape {
		p := params[i]
		switch s.class {
		case paramFixed:
			if len(p) != s.size {
				return fmt.Errorf("%s param %d: size %d, want %d", k, i, len(p), s.size)
			}
		case paramName:
			if err := checkName(p); err != nil {
				return fmt.Errorf("%s param %d: %v", k, i, err)
			}
		}
	}
	return nil
}

func checkName(p []byte) error {
	if len(p) < 2 {
		return fmt.Errorf("name too short (%d bytes)", len(p))
	}
	if p[len(p)-1] != 0 {
		return fmt.Errorf("name not NUL terminated")
	}
	for _, c := range p[:len(p)-1] {
		if c == 0 {
			return fmt.Errorf("name contains NUL")
		}
	}
	return nil
}

func nameBytes(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

func nameString(p []byte) string {
	return string(p[:len(p)-1])
}
