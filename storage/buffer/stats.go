package buffer

import "sync/atomic"

// Stats is the counters of buffer cache
type Stats struct {
	// Hits is the number of lookups which found the block cached
	Hits uint64
	// Misses is the number of lookups which bound a buffer to the block
	Misses uint64
	// Relocations is the number of blocks bound outside of home bucket
	Relocations uint64
	// GlobalScans is the number of lookups which locked all buckets
	GlobalScans uint64
	// DiskReads is the number of blocks read from disk
	DiskReads uint64
	// DiskWrites is the number of blocks written to disk
	DiskWrites uint64
}

// counters is updated concurrently
type counters struct {
	hits        atomic.Uint64
	misses      atomic.Uint64
	relocations atomic.Uint64
	globalScans atomic.Uint64
	diskReads   atomic.Uint64
	diskWrites  atomic.Uint64
}

// snapshot returns the current values
func (c *counters) snapshot() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Relocations: c.relocations.Load(),
		GlobalScans: c.globalScans.Load(),
		DiskReads:   c.diskReads.Load(),
		DiskWrites:  c.diskWrites.Load(),
	}
}
