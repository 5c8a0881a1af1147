package update

import (
	"fmt"
	"io"

	"pkt.systems/pslog"
)

// Dump logs the FID, kind and parameter offsets of every op in b at debug
// level. Replay uses it when a request fails.
func Dump(logger pslog.Logger, b *Batch) {
	if logger == nil || b == nil {
		return
	}
	logger.Debug("update.dump.batch",
		"batch_id", b.ID,
		"master_seq", b.MasterSeq,
		"ops", len(b.Ops),
		"params", b.Params.Len(),
		"size", b.EncodedSize(),
	)
	for i, op := range b.Ops {
		sizes := make([]int, len(op.Params))
		for j, idx := range op.Params {
			if p, err := b.Params.Unpack(idx); err == nil {
				sizes[j] = len(p)
			} else {
				sizes[j] = -1
			}
		}
		logger.Debug("update.dump.op",
			"batch_id", b.ID,
			"index", i,
			"fid", op.FID.String(),
			"kind", op.Kind.String(),
			"param_index", op.Params,
			"param_size", sizes,
		)
	}
}

// Format writes a human readable listing of b to w.
func Format(w io.Writer, b *Batch) error {
	if _, err := fmt.Fprintf(w, "batch %d master_seq=%d ops=%d params=%d size=%d\n",
		b.ID, b.MasterSeq, len(b.Ops), b.Params.Len(), b.EncodedSize()); err != nil {
		return err
	}
	for i, op := range b.Ops {
		if _, err := fmt.Fprintf(w, "  %3d %s %-12s", i, op.FID, op.Kind); err != nil {
			return err
		}
		for _, idx := range op.Params {
			size := -1
			if p, err := b.Params.Unpack(idx); err == nil {
				size = len(p)
			}
			if _, err := fmt.Fprintf(w, " p%d(%d)", idx, size); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}
