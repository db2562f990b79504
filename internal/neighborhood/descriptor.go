// Package neighborhood implements a node's ordered local view of nearby
// predecessors and successors on the ring (spec.md §4.2), the data structure
// RM-TMan converges via gossip.
package neighborhood

import "github.com/ringkv/ringkv/internal/keyspace"

// ProcessAddr identifies a logical process (one node of the overlay) the way
// the messaging substrate addresses it.
type ProcessAddr string

// Descriptor is a (process-address, identifier, version) tuple. Two
// descriptors denote the same process iff their ProcessAddr coincide; the one
// with the greater Version supersedes.
type Descriptor struct {
	Addr    ProcessAddr
	ID      keyspace.Key
	Version uint64
}

// Same reports whether d and other describe the same process.
func (d Descriptor) Same(other Descriptor) bool {
	return d.Addr == other.Addr
}

// Newer reports whether d should replace other as the stored descriptor for
// their shared process (strictly higher version wins; ties keep the
// existing entry).
func (d Descriptor) Newer(other Descriptor) bool {
	return d.Addr == other.Addr && d.Version > other.Version
}
