// Package cluster decides key ownership and replica placement for the store
// on a consistent-hash ring over the keyspace identifiers: which node holds a
// given key, and which N nodes replicate it. It also hosts the RM-TMan
// overlay (overlay.go), which runs alongside that ring and does not feed it.
package cluster

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ringkv/ringkv/internal/keyspace"
)

// defaultVnodes is the number of ring positions a physical node is given when
// no explicit count is requested; spreads ownership evenly the way a single
// position per node would not.
const defaultVnodes = 150

// Ring is a consistent-hash ring over the 128-bit keyspace the rest of the
// module already computes ring identifiers in (internal/keyspace), rather
// than a separate 32-bit hash space of its own. It is safe for concurrent
// use.
type Ring struct {
	mu     sync.RWMutex
	vnodes int
	ring   map[keyspace.Key]string
	sorted []keyspace.Key
}

// NewRing creates an empty hash ring. If vnodes <= 0, defaultVnodes is used.
func NewRing(vnodes int) *Ring {
	if vnodes <= 0 {
		vnodes = defaultVnodes
	}
	return &Ring{
		vnodes: vnodes,
		ring:   make(map[keyspace.Key]string),
	}
}

// AddNode places nodeID's virtual positions on the ring.
func (r *Ring) AddNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.vnodes; i++ {
		pos := keyspace.HashKey([]byte(fmt.Sprintf("%s#%d", nodeID, i)))
		r.ring[pos] = nodeID
	}
	r.rebuild()
}

// RemoveNode removes nodeID's virtual positions.
func (r *Ring) RemoveNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.vnodes; i++ {
		pos := keyspace.HashKey([]byte(fmt.Sprintf("%s#%d", nodeID, i)))
		delete(r.ring, pos)
	}
	r.rebuild()
}

// GetNodes returns up to n distinct physical nodes responsible for key,
// walking clockwise from key's ring position.
func (r *Ring) GetNodes(key string, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.sorted) == 0 {
		return nil
	}

	pos := keyspace.HashKey([]byte(key))
	idx := r.search(pos)

	seen := make(map[string]bool)
	var nodes []string
	for i := 0; i < len(r.sorted) && len(nodes) < n; i++ {
		vpos := r.sorted[(idx+i)%len(r.sorted)]
		nodeID := r.ring[vpos]
		if !seen[nodeID] {
			seen[nodeID] = true
			nodes = append(nodes, nodeID)
		}
	}
	return nodes
}

// Nodes returns all distinct physical nodes currently on the ring.
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var nodes []string
	for _, id := range r.ring {
		if !seen[id] {
			seen[id] = true
			nodes = append(nodes, id)
		}
	}
	sort.Strings(nodes)
	return nodes
}

// NodeCount returns the number of distinct physical nodes (not virtual
// positions).
func (r *Ring) NodeCount() int {
	return len(r.Nodes())
}

// rebuild reconstructs the sorted position slice; must be called under lock
// after any AddNode/RemoveNode.
func (r *Ring) rebuild() {
	r.sorted = make([]keyspace.Key, 0, len(r.ring))
	for pos := range r.ring {
		r.sorted = append(r.sorted, pos)
	}
	sort.Slice(r.sorted, func(i, j int) bool {
		return r.sorted[i].Cmp(r.sorted[j]) < 0
	})
}

// search finds the index of the first ring position >= pos, wrapping to 0 if
// none exists (closing the ring).
func (r *Ring) search(pos keyspace.Key) int {
	idx := sort.Search(len(r.sorted), func(i int) bool {
		return r.sorted[i].Cmp(pos) >= 0
	})
	if idx == len(r.sorted) {
		idx = 0
	}
	return idx
}
