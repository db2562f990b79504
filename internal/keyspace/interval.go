package keyspace

import "math/bits"

// Interval is a contiguous arc on the ring between Start and End, with
// independent open/closed flags at each endpoint. The all-ring interval and
// the empty interval are both representable and distinguished explicitly
// rather than inferred from Start == End, which is ambiguous between the two.
type Interval struct {
	Start, End  Key
	StartClosed bool
	EndClosed   bool
	all, empty  bool
}

// All returns the interval covering the entire ring.
func All() Interval {
	return Interval{all: true}
}

// Empty returns the empty interval.
func Empty() Interval {
	return Interval{empty: true}
}

// New builds the arc (start, end) with the given endpoint inclusivity.
func New(start, end Key, startClosed, endClosed bool) Interval {
	if start.Equal(end) && !(startClosed && endClosed) {
		// A degenerate arc that excludes its single shared endpoint covers
		// nothing.
		return Empty()
	}
	if start.Equal(end) && startClosed && endClosed {
		return Interval{Start: start, End: end, StartClosed: true, EndClosed: true}
	}
	return Interval{Start: start, End: end, StartClosed: startClosed, EndClosed: endClosed}
}

// IsEmpty reports whether the interval covers no keys.
func (iv Interval) IsEmpty() bool {
	return iv.empty
}

// IsAll reports whether the interval covers the entire ring.
func (iv Interval) IsAll() bool {
	return iv.all
}

// In reports whether x lies on the arc, honoring open/closed endpoints.
func (iv Interval) In(x Key) bool {
	if iv.empty {
		return false
	}
	if iv.all {
		return true
	}
	if x.Equal(iv.Start) {
		return iv.StartClosed
	}
	if x.Equal(iv.End) {
		return iv.EndClosed
	}
	if iv.Start.Cmp(iv.End) < 0 {
		return iv.Start.Cmp(x) < 0 && x.Cmp(iv.End) < 0
	}
	// Wraps around zero.
	return iv.Start.Cmp(x) < 0 || x.Cmp(iv.End) < 0
}

// IsLeftOf reports whether iv's clockwise end coincides with jv's
// counterclockwise start, i.e. the two arcs are adjacent with iv first.
func (iv Interval) IsLeftOf(jv Interval) bool {
	if iv.empty || jv.empty {
		return false
	}
	if iv.all || jv.all {
		return false
	}
	return iv.End.Equal(jv.Start) && iv.EndClosed != jv.StartClosed
}

// Intersection returns the overlap of iv and jv, or Empty() if they do not
// overlap.
//
// The intersection of two arcs on a ring is itself an arc whose start is
// whichever of the two input starts lies inside the other arc, and whose end
// is whichever of the two input ends lies inside the other arc. If neither
// start qualifies, the arcs do not overlap.
func (iv Interval) Intersection(jv Interval) Interval {
	if iv.empty || jv.empty {
		return Empty()
	}
	if iv.all {
		return jv
	}
	if jv.all {
		return iv
	}

	start, startClosed, ok := boundedBy(iv.Start, iv.StartClosed, jv)
	if !ok {
		start, startClosed, ok = boundedBy(jv.Start, jv.StartClosed, iv)
		if !ok {
			return Empty()
		}
	}
	end, endClosed, ok := boundedBy(iv.End, iv.EndClosed, jv)
	if !ok {
		end, endClosed, ok = boundedBy(jv.End, jv.EndClosed, iv)
		if !ok {
			return Empty()
		}
	}
	return New(start, end, startClosed, endClosed)
}

// boundedBy reports whether point (with its own closedness) lies within arc,
// counting as contained when it coincides with one of arc's closed endpoints.
func boundedBy(point Key, pointClosed bool, arc Interval) (Key, bool, bool) {
	if arc.In(point) {
		return point, pointClosed, true
	}
	if point.Equal(arc.Start) && arc.StartClosed {
		return point, pointClosed, true
	}
	if point.Equal(arc.End) && arc.EndClosed {
		return point, pointClosed, true
	}
	return point, pointClosed, false
}

// Union returns the smallest interval covering both iv and jv when they are
// adjacent or overlapping; if they are disjoint and non-adjacent, Union
// returns iv unchanged since a single Interval cannot represent two
// disjoint arcs (callers needing that keep a slice of Intervals).
func (iv Interval) Union(jv Interval) Interval {
	if iv.empty {
		return jv
	}
	if jv.empty {
		return iv
	}
	if iv.all || jv.all {
		return All()
	}
	if iv.IsLeftOf(jv) {
		return New(iv.Start, jv.End, iv.StartClosed, jv.EndClosed)
	}
	if jv.IsLeftOf(iv) {
		return New(jv.Start, iv.End, jv.StartClosed, iv.EndClosed)
	}
	if !iv.Intersection(jv).IsEmpty() {
		// Overlapping: union spans from the earlier start to the later end.
		s, sc := iv.Start, iv.StartClosed
		if jv.Start.Cmp(iv.Start) < 0 {
			s, sc = jv.Start, jv.StartClosed
		}
		e, ec := iv.End, iv.EndClosed
		if jv.End.Cmp(iv.End) > 0 {
			e, ec = jv.End, jv.EndClosed
		}
		return New(s, e, sc, ec)
	}
	return iv
}

// Subset reports whether every key in iv is also in jv.
func (iv Interval) Subset(jv Interval) bool {
	if iv.empty {
		return true
	}
	if jv.all {
		return true
	}
	if iv.all {
		return jv.all
	}
	return iv.Intersection(jv).equalArc(iv)
}

func (iv Interval) equalArc(other Interval) bool {
	if iv.empty != other.empty || iv.all != other.all {
		return false
	}
	if iv.empty || iv.all {
		return true
	}
	return iv.Start.Equal(other.Start) && iv.End.Equal(other.End) &&
		iv.StartClosed == other.StartClosed && iv.EndClosed == other.EndClosed
}

// Split divides the full ring into n half-open arcs [a, b), n >= 1. 2^128 does
// not divide evenly by every n; the remainder r = 2^128 mod n is distributed
// one extra key at a time across the first r buckets. The returned arcs are
// pairwise disjoint and their union is the whole ring.
func Split(n int) []Interval {
	if n < 1 {
		panic("keyspace: split requires n >= 1")
	}
	if n == 1 {
		return []Interval{All()}
	}

	base, rem := divmod2_128(uint64(n))
	out := make([]Interval, n)
	cursor := Zero
	for i := 0; i < n; i++ {
		size := base
		if uint64(i) < rem {
			size = size.AddUint64(1)
		}
		next := cursor.Add(size)
		out[i] = New(cursor, next, true, false)
		cursor = next
	}
	return out
}

// divmod2_128 computes floor(2^128 / n) and (2^128 mod n) for n in uint64
// range, via long division of the three-limb value representing 2^128 (limbs
// [1, 0, 0] in base 2^64, most significant first) by n. Each step's running
// remainder is always < n, so bits.Div64 never overflows.
func divmod2_128(n uint64) (quotient Key, remainder uint64) {
	limbs := [3]uint64{1, 0, 0}
	var quo [3]uint64
	var rem uint64
	for i := 0; i < 3; i++ {
		quo[i], rem = bits.Div64(rem, limbs[i], n)
	}
	return Key{Hi: quo[1], Lo: quo[2]}, rem
}
