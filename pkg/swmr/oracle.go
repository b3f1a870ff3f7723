package swmr

import (
	"fmt"

	"github.com/lumafs/shadowtick/pkg/shadow"
)

// DelayWrite decides how long a pending write to the given logical page must
// be postponed, returning the tick until which it is held back (0 means no
// delay is required).
//
// A rewrite of a page that previously appeared in the index must be held
// until no reader within the staleness bound can still be resolving the
// prior image through the shadow file; otherwise a reader could observe
// bytes whose metadata it cannot locate. A page absent from the index is
// treated as having appeared this tick and must age out the full max_lag.
func (f *File) DelayWrite(page uint64) (uint64, error) {
	if f.role != RoleWriter {
		return 0, ErrNotWriter
	}
	if f.idx == nil && f.tick > 1 {
		return 0, fmt.Errorf("no index at tick %d: %w", f.tick, ErrInconsistentState)
	}

	var entry *shadow.IndexEntry
	if f.idx != nil {
		entry = f.idx.Lookup(page)
	}

	var until uint64
	switch {
	case entry == nil:
		until = f.tick + f.cfg.MaxLag
	case entry.DelayedFlush >= f.tick:
		until = entry.DelayedFlush
	default:
		until = 0
	}

	if until != 0 && (until < f.tick || until > f.tick+f.cfg.MaxLag) {
		return 0, fmt.Errorf("write delay %d out of range at tick %d (max_lag %d): %w",
			until, f.tick, f.cfg.MaxLag, ErrInconsistentState)
	}

	return until, nil
}
