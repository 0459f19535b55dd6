package kademlia

import (
	"sort"
	"time"
)

// AddResult reports what add did with a node.
type AddResult int

const (
	Added AddResult = iota
	AlreadyPresent
	Rejected
	Replaced
)

func (r AddResult) String() string {
	switch r {
	case Added:
		return "Added"
	case AlreadyPresent:
		return "AlreadyPresent"
	case Rejected:
		return "Rejected"
	case Replaced:
		return "Replaced"
	default:
		return "Unknown"
	}
}

// maxDistance is the all-ones Distance (2^160-1). It stands in for the
// open upper bound 2^160 of the full id space: the bucket whose hi is
// maxDistance also contains the all-ones id (see bucket.contains).
var maxDistance = func() Distance {
	var d Distance
	for i := range d {
		d[i] = 0xFF
	}
	return d
}()

// NodeAddedFunc is invoked once per node that enters the table's live
// nodes: on AddResult Added, and on Replaced for the node that took the
// evicted node's place.
type NodeAddedFunc func(n *Node)

// RoutingTable is a Kademlia-style routing table: an ordered, gapless,
// non-overlapping partition of the 160-bit id space into buckets, each
// holding at most MaxBucketSize live nodes plus a replacement cache.
// Exactly one bucket — the one whose range contains Local — is splittable;
// all others reject overflow instead of splitting.
type RoutingTable struct {
	Local   NodeId
	buckets []*bucket
	clock   func() time.Time
	onAdded NodeAddedFunc
}

// NewRoutingTable constructs a table covering the full id space in a single
// bucket, owned by the given local id.
func NewRoutingTable(local NodeId, clock func() time.Time, onAdded NodeAddedFunc) *RoutingTable {
	if clock == nil {
		clock = time.Now
	}
	var zero Distance
	return &RoutingTable{
		Local:   local,
		buckets: []*bucket{newBucket(zero, maxDistance)},
		clock:   clock,
		onAdded: onAdded,
	}
}

// Add inserts a node into the table. See spec.md §4.2 for the exact
// semantics of each returned AddResult.
func (rt *RoutingTable) Add(candidate Node) AddResult {
	idx := rt.bucketIndex(candidate.Id)
	b := rt.buckets[idx]

	if e := b.find(candidate.Id); e != nil {
		n := e.Value.(*Node)
		n.touch(rt.clock())
		n.Endpoint = candidate.Endpoint
		b.nodes.MoveToFront(e)
		return AlreadyPresent
	}

	n := &Node{
		Id:       candidate.Id,
		Endpoint: candidate.Endpoint,
		LastSeen: rt.clock(),
	}

	for {
		b = rt.buckets[idx]
		if !b.isFull() {
			b.insertFront(n)
			if rt.onAdded != nil {
				rt.onAdded(n)
			}
			return Added
		}

		if !b.contains(rt.Local) {
			// Not splittable: try to replace an evictable node, else cache.
			if replaced := rt.tryReplace(b, n); replaced {
				return Replaced
			}
			b.addReplacement(n)
			return Rejected
		}

		rt.split(idx)
		idx = rt.bucketIndex(candidate.Id)
	}
}

// tryReplace evicts the LRU node in b if it has failed enough RPCs, putting
// n in its place.
func (rt *RoutingTable) tryReplace(b *bucket, n *Node) bool {
	e := b.nodes.Back()
	if e == nil {
		return false
	}
	lru := e.Value.(*Node)
	if !lru.evictable() {
		return false
	}
	b.nodes.Remove(e)
	b.insertFront(n)
	if rt.onAdded != nil {
		rt.onAdded(n)
	}
	return true
}

// split divides the bucket at idx (which must contain Local) into two
// halves at its midpoint, migrating its nodes and replacements, and
// replaces it in-place with the two halves, preserving overall order and
// total range coverage.
func (rt *RoutingTable) split(idx int) {
	b := rt.buckets[idx]
	mid := midpoint(b.lo, b.hi)

	lower := newBucket(b.lo, mid)
	upper := newBucket(mid, b.hi)

	// Migrate live nodes, preserving LRU order within each half.
	for _, n := range b.nodeList() {
		if lower.contains(n.Id) {
			lower.nodes.PushBack(n)
		} else {
			upper.nodes.PushBack(n)
		}
	}
	// Migrate replacement candidates the same way.
	for e := b.repl.Front(); e != nil; e = e.Next() {
		n := e.Value.(*Node)
		if lower.contains(n.Id) {
			lower.repl.PushBack(n)
		} else {
			upper.repl.PushBack(n)
		}
	}

	rt.buckets = append(rt.buckets[:idx], append([]*bucket{lower, upper}, rt.buckets[idx+1:]...)...)
}

// midpoint computes lo + (hi-lo)/2 as a Distance, via a 161-bit-safe
// big-endian shift-right-by-one of (lo+hi).
func midpoint(lo, hi Distance) Distance {
	var sum [IDLength + 1]byte
	carry := 0
	for i := IDLength - 1; i >= 0; i-- {
		s := int(lo[i]) + int(hi[i]) + carry
		sum[i+1] = byte(s & 0xFF)
		carry = s >> 8
	}
	sum[0] = byte(carry)

	var mid Distance
	for i := 0; i < IDLength; i++ {
		// mid[i] = (sum[i] << 7 | sum[i+1] >> 1), restricted to this byte
		mid[i] = (sum[i] << 7) | (sum[i+1] >> 1)
	}
	return mid
}

// bucketIndex returns the index of the bucket whose range contains id.
func (rt *RoutingTable) bucketIndex(id NodeId) int {
	for i, b := range rt.buckets {
		if b.contains(id) {
			return i
		}
	}
	// Unreachable if the invariant (gapless, total coverage) holds.
	return len(rt.buckets) - 1
}

// Closest returns up to k nodes with the smallest XOR distance to target,
// ascending by distance, ties broken by lexicographic id order.
func (rt *RoutingTable) Closest(target NodeId, k int) []*Node {
	if k <= 0 {
		k = MaxBucketSize
	}
	all := make([]*Node, 0, len(rt.buckets)*MaxBucketSize)
	for _, b := range rt.buckets {
		all = append(all, b.nodeList()...)
	}
	sort.Slice(all, func(i, j int) bool {
		di := all[i].Id.Xor(target)
		dj := all[j].Id.Xor(target)
		if c := di.Compare(dj); c != 0 {
			return c < 0
		}
		return all[i].Id.Less(all[j].Id)
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}

// Clear removes every node and bucket, resetting to a single full-range
// bucket.
func (rt *RoutingTable) Clear() {
	var zero Distance
	rt.buckets = []*bucket{newBucket(zero, maxDistance)}
}

// BucketView is a read-only snapshot of one bucket's range and nodes.
type BucketView struct {
	Lo, Hi Distance
	Nodes  []*Node
}

// Buckets returns a read-only snapshot of the table's current bucket
// partition, in range order.
func (rt *RoutingTable) Buckets() []BucketView {
	out := make([]BucketView, 0, len(rt.buckets))
	for _, b := range rt.buckets {
		out = append(out, BucketView{Lo: b.lo, Hi: b.hi, Nodes: b.nodeList()})
	}
	return out
}
