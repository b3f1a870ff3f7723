package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for EOT spans.
const (
	AttrRole      = "swmr.role"        // writer or reader
	AttrTick      = "swmr.tick"        // tick number when the span started
	AttrMDFile    = "swmr.md_file"     // shadow file path
	AttrEntries   = "swmr.entries"     // index entries in use
	AttrAdded     = "swmr.added"       // entries added this tick
	AttrModified  = "swmr.modified"    // entries modified this tick
	AttrEvicted   = "swmr.evicted"     // pages scheduled for eviction
	AttrReclaimed = "swmr.reclaimed"   // bytes returned to the allocator
	AttrTornReads = "swmr.torn_reads"  // torn reads observed
)

// Role returns the role attribute for a span.
func Role(role string) attribute.KeyValue {
	return attribute.String(AttrRole, role)
}

// Tick returns the tick attribute for a span.
func Tick(tick uint64) attribute.KeyValue {
	return attribute.Int64(AttrTick, int64(tick))
}

// MDFile returns the shadow file path attribute for a span.
func MDFile(path string) attribute.KeyValue {
	return attribute.String(AttrMDFile, path)
}

// Entries returns the index-entries attribute for a span.
func Entries(n uint32) attribute.KeyValue {
	return attribute.Int64(AttrEntries, int64(n))
}
