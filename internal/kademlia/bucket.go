package kademlia

import (
	"container/list"
	"errors"
)

// MaxBucketSize is the maximum number of live nodes a bucket may hold, and
// the maximum number of candidates its replacement cache may hold.
const MaxBucketSize = 8

var errInvalidIdLength = errors.New("kademlia: id must decode to 20 bytes")

// bucket holds nodes whose ids fall in [lo, hi) in LRU-by-last-seen order
// (most recently seen at the front), plus a bounded replacement cache of
// candidates that arrived while the bucket was full.
type bucket struct {
	lo, hi Distance // NodeId range, reused as a Distance for big-endian compare
	nodes  *list.List
	repl   *list.List // replacement cache, oldest at back
}

func newBucket(lo, hi Distance) *bucket {
	return &bucket{lo: lo, hi: hi, nodes: list.New(), repl: list.New()}
}

func (b *bucket) contains(id NodeId) bool {
	d := Distance(id)
	if d.Compare(b.lo) < 0 {
		return false
	}
	// maxDistance stands in for 2^160, so the top bucket holds the
	// all-ones id too.
	return d.Compare(b.hi) < 0 || b.hi == maxDistance
}

func (b *bucket) find(id NodeId) *list.Element {
	for e := b.nodes.Front(); e != nil; e = e.Next() {
		if e.Value.(*Node).Id.Equals(id) {
			return e
		}
	}
	return nil
}

func (b *bucket) len() int {
	return b.nodes.Len()
}

func (b *bucket) isFull() bool {
	return b.nodes.Len() >= MaxBucketSize
}

// insertFront adds a new node at the most-recently-seen position.
func (b *bucket) insertFront(n *Node) {
	b.nodes.PushFront(n)
}

// addReplacement appends a candidate to the replacement cache, evicting the
// oldest replacement if the cache is full, and de-duplicating by id.
func (b *bucket) addReplacement(n *Node) {
	for e := b.repl.Front(); e != nil; e = e.Next() {
		if e.Value.(*Node).Id.Equals(n.Id) {
			b.repl.MoveToFront(e)
			e.Value = n
			return
		}
	}
	if b.repl.Len() >= MaxBucketSize {
		b.repl.Remove(b.repl.Back())
	}
	b.repl.PushFront(n)
}

// popReplacement returns the most recently seen replacement candidate, if
// any, removing it from the cache.
func (b *bucket) popReplacement() (*Node, bool) {
	e := b.repl.Front()
	if e == nil {
		return nil, false
	}
	b.repl.Remove(e)
	return e.Value.(*Node), true
}

// nodeList returns a snapshot of the bucket's live nodes in LRU order.
func (b *bucket) nodeList() []*Node {
	out := make([]*Node, 0, b.nodes.Len())
	for e := b.nodes.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Node))
	}
	return out
}
