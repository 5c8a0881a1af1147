package update

import (
	"bytes"
	"fmt"
)

// ParamTable is the deduplicated parameter table of one Update Batch.
// Entries are referenced by index; identical buffers share one entry.
type ParamTable struct {
	entries [][]byte
	size    int
}

// Len returns the number of entries.
func (t *ParamTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Lookup returns the index of an entry equal to p without modifying t.
func (t *ParamTable) Lookup(p []byte) (uint32, bool) {
	if t == nil {
		return 0, false
	}
	for i, e := range t.entries {
		if len(e) == len(p) && bytes.Equal(e, p) {
			return uint32(i), true
		}
	}
	return 0, false
}

// Pack returns the index of p, appending a private copy when no equal entry
// exists yet.
func (t *ParamTable) Pack(p []byte) uint32 {
	if idx, ok := t.Lookup(p); ok {
		return idx
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	t.entries = append(t.entries, cp)
	t.size += paramEntryOverhead + len(p)
	return uint32(len(t.entries) - 1)
}

// Unpack returns the entry at idx. An index beyond the table is corruption.
func (t *ParamTable) Unpack(idx uint32) ([]byte, error) {
	if int(idx) >= t.Len() {
		return nil, fmt.Errorf("%w: param index %d out of range (%d entries)", ErrCorrupt, idx, t.Len())
	}
	return t.entries[idx], nil
}

// EncodedSize returns the serialized size of the table.
func (t *ParamTable) EncodedSize() int {
	if t == nil {
		return paramTableHeader
	}
	return paramTableHeader + t.size
}

// growth returns how many bytes packing params would add to t, counting
// buffers repeated within params once.
func (t *ParamTable) growth(params [][]byte) int {
	added := 0
	for i, p := range params {
		if _, ok := t.Lookup(p); ok {
			continue
		}
		dup := false
		for _, prev := range params[:i] {
			if bytes.Equal(prev, p) {
				dup = true
				break
			}
		}
		if !dup {
			added += paramEntryOverhead + len(p)
		}
	}
	return added
}

func (t *ParamTable) clone() ParamTable {
	out := ParamTable{entries: make([][]byte, len(t.entries)), size: t.size}
	copy(out.entries, t.entries)
	return out
}
