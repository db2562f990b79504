package neighborhood

import (
	"sort"

	"github.com/ringkv/ringkv/internal/keyspace"
)

// Neighborhood is a node's local view of the ring around itself: its own
// descriptor (mutable — its version may increase) plus bounded predecessor
// and successor lists.
//
// Both lists are stored closest-first: Preds[0] is the immediate
// predecessor, Succs[0] the immediate successor. This is the ordering that
// makes "truncation removes the farthest entries" a tail-trim (spec.md
// §4.2) and makes HasRealPred/HasRealSucc a check of index 0.
type Neighborhood struct {
	Me    Descriptor
	Preds []Descriptor
	Succs []Descriptor
}

// New builds the initial two-element neighborhood {pred, me, succ}.
func New(pred, me, succ Descriptor) Neighborhood {
	n := Neighborhood{Me: me}
	if pred.Addr != me.Addr {
		n.Preds = []Descriptor{pred}
	}
	if succ.Addr != me.Addr {
		n.Succs = []Descriptor{succ}
	}
	return n
}

// HasRealPred reports whether the immediate predecessor is a process other
// than Me.
func (n Neighborhood) HasRealPred() bool {
	return len(n.Preds) > 0 && n.Preds[0].Addr != n.Me.Addr
}

// HasRealSucc reports whether the immediate successor is a process other
// than Me.
func (n Neighborhood) HasRealSucc() bool {
	return len(n.Succs) > 0 && n.Succs[0].Addr != n.Me.Addr
}

// ccwDistance is the counterclockwise distance from Me to d: how far you'd
// walk backwards (decreasing identifiers) from Me to reach d.
func (n Neighborhood) ccwDistance(d Descriptor) keyspace.Key {
	return d.ID.Distance(n.Me.ID)
}

// cwDistance is the clockwise distance from Me to d.
func (n Neighborhood) cwDistance(d Descriptor) keyspace.Key {
	return n.Me.ID.Distance(d.ID)
}

// Add inserts each of nodes into the neighborhood. A descriptor for an
// already-known process is replaced only if the incoming version is higher;
// the result is re-sorted by ring distance and each side truncated to its
// length bound (farthest entries dropped).
func (n Neighborhood) Add(nodes []Descriptor, predL, succL int) Neighborhood {
	out := n.clone()
	for _, d := range nodes {
		if d.Addr == out.Me.Addr {
			if d.Version > out.Me.Version {
				out.Me = d
			}
			continue
		}
		out.Preds = upsert(out.Preds, d)
		out.Succs = upsert(out.Succs, d)
	}
	out.resort(predL, succL)
	return out
}

// upsert adds d to list if its process is not yet present, or replaces the
// existing entry if d carries a strictly higher version. Both lists receive
// every candidate; resort() then orders and truncates each list on its own,
// so a process close to Me can stay in both lists.
func upsert(list []Descriptor, d Descriptor) []Descriptor {
	for i, existing := range list {
		if existing.Addr == d.Addr {
			if d.Version > existing.Version {
				list[i] = d
			}
			return list
		}
	}
	return append(list, d)
}

// resort rebuilds Preds/Succs from the current candidate pool (their union,
// deduplicated by process address keeping the higher version, Me excluded).
// Every candidate is sorted into both lists — Preds by counterclockwise and
// Succs by clockwise distance from Me, ties broken by ProcessAddr — and each
// list is truncated to its bound, so one process may appear on both sides.
func (n *Neighborhood) resort(predL, succL int) {
	byAddr := map[ProcessAddr]Descriptor{}
	for _, d := range n.Preds {
		if d.Addr != n.Me.Addr {
			if existing, ok := byAddr[d.Addr]; !ok || d.Version > existing.Version {
				byAddr[d.Addr] = d
			}
		}
	}
	for _, d := range n.Succs {
		if d.Addr != n.Me.Addr {
			if existing, ok := byAddr[d.Addr]; !ok || d.Version > existing.Version {
				byAddr[d.Addr] = d
			}
		}
	}

	preds := make([]Descriptor, 0, len(byAddr))
	succs := make([]Descriptor, 0, len(byAddr))
	for _, d := range byAddr {
		preds = append(preds, d)
		succs = append(succs, d)
	}

	sort.Slice(preds, func(i, j int) bool {
		return lessByDistance(n.ccwDistance(preds[i]), preds[i].Addr, n.ccwDistance(preds[j]), preds[j].Addr)
	})
	sort.Slice(succs, func(i, j int) bool {
		return lessByDistance(n.cwDistance(succs[i]), succs[i].Addr, n.cwDistance(succs[j]), succs[j].Addr)
	})

	if len(preds) > predL {
		preds = preds[:predL]
	}
	if len(succs) > succL {
		succs = succs[:succL]
	}
	n.Preds = preds
	n.Succs = succs
}

func lessByDistance(di keyspace.Key, ai ProcessAddr, dj keyspace.Key, aj ProcessAddr) bool {
	if c := di.Cmp(dj); c != 0 {
		return c < 0
	}
	return ai < aj
}

// UpdateIDs adopts, for every process already present in the neighborhood, a
// higher-versioned incoming descriptor. It never introduces a process not
// already known — that is Add's job.
func (n Neighborhood) UpdateIDs(nodes []Descriptor) Neighborhood {
	out := n.clone()
	byAddr := map[ProcessAddr]Descriptor{}
	for _, d := range nodes {
		byAddr[d.Addr] = d
	}
	update := func(list []Descriptor) []Descriptor {
		for i, existing := range list {
			if incoming, ok := byAddr[existing.Addr]; ok && incoming.Version > existing.Version {
				list[i] = incoming
			}
		}
		return list
	}
	out.Preds = update(out.Preds)
	out.Succs = update(out.Succs)
	if incoming, ok := byAddr[out.Me.Addr]; ok && incoming.Version > out.Me.Version {
		out.Me = incoming
	}
	return out
}

// Filter drops entries failing predicate from both lists, invoking onRemove
// (if non-nil) once per removed process, even when that process is dropped
// from both lists — used to feed a dead-node suspicion cache.
func (n Neighborhood) Filter(predicate func(Descriptor) bool, onRemove func(Descriptor)) Neighborhood {
	out := n.clone()
	var report func(Descriptor)
	if onRemove != nil {
		reported := map[ProcessAddr]bool{}
		report = func(d Descriptor) {
			if !reported[d.Addr] {
				reported[d.Addr] = true
				onRemove(d)
			}
		}
	}
	out.Preds = filterList(out.Preds, predicate, report)
	out.Succs = filterList(out.Succs, predicate, report)
	return out
}

func filterList(list []Descriptor, predicate func(Descriptor) bool, onRemove func(Descriptor)) []Descriptor {
	kept := list[:0:0]
	for _, d := range list {
		if predicate(d) {
			kept = append(kept, d)
		} else if onRemove != nil {
			onRemove(d)
		}
	}
	return kept
}

// Merge unions a with b by process-address, keeping the newer version of any
// process present in both, then truncates each side to its bound.
func Merge(a, b Neighborhood, predL, succL int) Neighborhood {
	out := a.clone()
	out.Preds = append(out.Preds, b.Preds...)
	out.Succs = append(out.Succs, b.Succs...)
	if b.Me.Version > out.Me.Version && b.Me.Addr == out.Me.Addr {
		out.Me = b.Me
	}
	out.resort(predL, succL)
	return out
}

// Descriptors returns every process currently held in either list, deduped.
func (n Neighborhood) Descriptors() []Descriptor {
	seen := map[ProcessAddr]bool{}
	var out []Descriptor
	for _, d := range n.Preds {
		if !seen[d.Addr] {
			seen[d.Addr] = true
			out = append(out, d)
		}
	}
	for _, d := range n.Succs {
		if !seen[d.Addr] {
			seen[d.Addr] = true
			out = append(out, d)
		}
	}
	return out
}

// Snapshot returns read-only copies of the predecessor and successor lists,
// for introspection (CLI/API/logging) without exposing the live backing
// slices.
func (n Neighborhood) Snapshot() (preds, succs []Descriptor) {
	preds = append([]Descriptor(nil), n.Preds...)
	succs = append([]Descriptor(nil), n.Succs...)
	return preds, succs
}

func (n Neighborhood) clone() Neighborhood {
	return Neighborhood{
		Me:    n.Me,
		Preds: append([]Descriptor(nil), n.Preds...),
		Succs: append([]Descriptor(nil), n.Succs...),
	}
}
