package kademlia

import (
	"fmt"
	"math/rand"
	"net"
	"sort"
	"testing"
	"time"
)

func idWithFirstByte(b byte, fill byte) NodeId {
	var id NodeId
	id[0] = b
	for i := 1; i < IDLength; i++ {
		id[i] = fill
	}
	return id
}

func newNode(id NodeId) Node {
	return Node{Id: id, Endpoint: NetworkEndpoint{IP: net.IPv4(127, 0, 0, 1), Port: 6881}}
}

// S1 — routing table fill: local id 0x80 0x00…00; add 8 nodes with ids
// 0x80 0x01…00 .. 0x80 0x08…00. Expect one bucket, 8 nodes, one
// node_added event per insert.
func TestS1RoutingTableFill(t *testing.T) {
	local := idWithFirstByte(0x80, 0x00)

	var added []NodeId
	rt := NewRoutingTable(local, nil, func(n *Node) {
		added = append(added, n.Id)
	})

	for i := byte(1); i <= 8; i++ {
		id := idWithFirstByte(0x80, i)
		if res := rt.Add(newNode(id)); res != Added {
			t.Fatalf("add %d: expected Added, got %v", i, res)
		}
	}

	buckets := rt.Buckets()
	if len(buckets) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(buckets))
	}
	if len(buckets[0].Nodes) != 8 {
		t.Fatalf("expected 8 nodes in the bucket, got %d", len(buckets[0].Nodes))
	}
	if len(added) != 8 {
		t.Fatalf("expected 8 node_added events, got %d", len(added))
	}
}

// S2 — routing table split: local id all zeros. Add 24 nodes whose first
// byte varies 0x00..0x17. Expect 6 buckets of sizes [8, 8, 8, 0, 0, 0].
func TestS2RoutingTableSplit(t *testing.T) {
	var local NodeId // all zeros

	rt := NewRoutingTable(local, nil, nil)

	for b := 0; b <= 0x17; b++ {
		id := idWithFirstByte(byte(b), 0xAA)
		rt.Add(newNode(id))
	}

	buckets := rt.Buckets()
	if len(buckets) != 6 {
		t.Fatalf("expected 6 buckets, got %d", len(buckets))
	}

	sizes := make([]int, len(buckets))
	for i, b := range buckets {
		sizes[i] = len(b.Nodes)
	}
	want := []int{8, 8, 8, 0, 0, 0}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("bucket sizes = %v, want %v", sizes, want)
		}
	}
}

// Property 1/2/3: for arbitrary add sequences, buckets stay a gapless,
// non-overlapping partition of [0, 2^160), every node lies in its
// bucket's range, and no bucket exceeds MaxBucketSize live nodes.
func TestRoutingTablePartitionInvariants(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	var local NodeId
	r.Read(local[:])

	rt := NewRoutingTable(local, nil, nil)

	for i := 0; i < 500; i++ {
		var id NodeId
		r.Read(id[:])
		rt.Add(newNode(id))
	}

	buckets := rt.Buckets()
	if len(buckets) == 0 {
		t.Fatal("expected at least one bucket")
	}

	var zero, max Distance
	for i := range max {
		max[i] = 0xFF
	}
	if buckets[0].Lo != zero {
		t.Fatalf("first bucket must start at 0, got %x", buckets[0].Lo)
	}
	if buckets[len(buckets)-1].Hi != max {
		t.Fatalf("last bucket must end at 2^160, got %x", buckets[len(buckets)-1].Hi)
	}
	for i := 1; i < len(buckets); i++ {
		if buckets[i-1].Hi != buckets[i].Lo {
			t.Fatalf("gap/overlap between bucket %d (hi=%x) and %d (lo=%x)",
				i-1, buckets[i-1].Hi, i, buckets[i].Lo)
		}
	}

	localContaining := 0
	for _, b := range buckets {
		if len(b.Nodes) > MaxBucketSize {
			t.Fatalf("bucket [%x,%x) has %d nodes, exceeding %d", b.Lo, b.Hi, len(b.Nodes), MaxBucketSize)
		}
		ld := Distance(local)
		if ld.Compare(b.Lo) >= 0 && ld.Compare(b.Hi) < 0 {
			localContaining++
		}
		for _, n := range b.Nodes {
			nd := Distance(n.Id)
			if nd.Compare(b.Lo) < 0 || nd.Compare(b.Hi) >= 0 {
				t.Fatalf("node %x lies outside its bucket's range [%x,%x)", n.Id, b.Lo, b.Hi)
			}
		}
	}
	if localContaining != 1 {
		t.Fatalf("expected exactly one bucket to contain the local id, got %d", localContaining)
	}
}

// Property 4: Closest(target, k) returns the unique k nodes minimizing XOR
// distance, verified against a brute-force scan.
func TestClosestMatchesBruteForce(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	var local NodeId
	r.Read(local[:])

	rt := NewRoutingTable(local, nil, nil)

	var all []NodeId
	for i := 0; i < 300; i++ {
		var id NodeId
		r.Read(id[:])
		rt.Add(newNode(id))
		all = append(all, id)
	}

	var target NodeId
	r.Read(target[:])

	got := rt.Closest(target, 8)

	// Brute-force over every node actually present in the table (some may
	// have been rejected into replacement caches and legitimately absent).
	present := map[NodeId]bool{}
	for _, b := range rt.Buckets() {
		for _, n := range b.Nodes {
			present[n.Id] = true
		}
	}
	var brute []NodeId
	for id := range present {
		brute = append(brute, id)
	}
	sort.Slice(brute, func(i, j int) bool {
		di := brute[i].Xor(target)
		dj := brute[j].Xor(target)
		if c := di.Compare(dj); c != 0 {
			return c < 0
		}
		return brute[i].Less(brute[j])
	})
	if len(brute) > 8 {
		brute = brute[:8]
	}

	if len(got) != len(brute) {
		t.Fatalf("Closest returned %d nodes, brute force expected %d", len(got), len(brute))
	}
	for i := range got {
		if got[i].Id != brute[i] {
			t.Fatalf("Closest()[%d] = %x, want %x", i, got[i].Id, brute[i])
		}
	}
}

func TestAddAlreadyPresentRefreshesLastSeen(t *testing.T) {
	local := RandomNodeId()
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }

	rt := NewRoutingTable(local, clock, nil)
	id := RandomNodeId()
	rt.Add(newNode(id))

	now = now.Add(time.Minute)
	res := rt.Add(newNode(id))
	if res != AlreadyPresent {
		t.Fatalf("expected AlreadyPresent, got %v", res)
	}

	for _, b := range rt.Buckets() {
		for _, n := range b.Nodes {
			if n.Id == id && !n.LastSeen.Equal(now) {
				t.Fatalf("expected LastSeen refreshed to %v, got %v", now, n.LastSeen)
			}
		}
	}
}

func TestClear(t *testing.T) {
	rt := NewRoutingTable(RandomNodeId(), nil, nil)
	for i := 0; i < 50; i++ {
		rt.Add(newNode(RandomNodeId()))
	}
	rt.Clear()
	buckets := rt.Buckets()
	if len(buckets) != 1 || len(buckets[0].Nodes) != 0 {
		t.Fatalf("expected a single empty bucket after Clear, got %v", buckets)
	}
}

// A non-splittable bucket (one that does not contain the local id) rejects
// overflow into its replacement cache rather than splitting.
func TestAddRejectsIntoReplacementCacheWhenNotSplittable(t *testing.T) {
	// Local id far from the nodes under test, and nodes clustered tightly
	// enough that their bucket never contains local after the first split.
	local := idWithFirstByte(0x00, 0x00)
	rt := NewRoutingTable(local, nil, nil)

	// Fill the non-local half of the space (first byte >= 0x80) with 8
	// nodes sharing a sibling bucket once the root splits.
	for i := byte(0); i < 8; i++ {
		id := idWithFirstByte(0x80+i, 0x00)
		if res := rt.Add(newNode(id)); res != Added {
			t.Fatalf("seed add %d: want Added, got %v", i, res)
		}
	}
	// One more in the same far bucket should be rejected (bucket full,
	// does not contain local, so it cannot split).
	overflow := idWithFirstByte(0x90, 0x01)
	if res := rt.Add(newNode(overflow)); res != Rejected {
		t.Fatalf("want Rejected, got %v", res)
	}
}

// A replacement candidate is promoted (Replaced) when the bucket's LRU node
// has failed enough consecutive RPCs to be evictable.
func TestAddReplacesEvictableLRU(t *testing.T) {
	local := idWithFirstByte(0x00, 0x00)
	rt := NewRoutingTable(local, nil, nil)

	var lruId NodeId
	for i := byte(0); i < 8; i++ {
		id := idWithFirstByte(0x80+i, 0x00)
		rt.Add(newNode(id))
		if i == 0 {
			lruId = id
		}
	}

	// Mark the least-recently-seen node (the first one added, since
	// later adds move their own node to the front but never touch this
	// one again) as having failed enough RPCs to be evictable.
	for _, b := range rt.Buckets() {
		for _, n := range b.Nodes {
			if n.Id == lruId {
				n.FailedRPCCount = maxFailedRPCs + 1
			}
		}
	}

	replacement := idWithFirstByte(0x90, 0x01)
	if res := rt.Add(newNode(replacement)); res != Replaced {
		t.Fatalf("want Replaced, got %v", res)
	}

	found := false
	for _, b := range rt.Buckets() {
		for _, n := range b.Nodes {
			if n.Id == lruId {
				t.Fatalf("evicted node %x should no longer be present", lruId)
			}
			if n.Id == replacement {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("replacement node %x should now be present", replacement)
	}
}

func TestAddResultString(t *testing.T) {
	cases := map[AddResult]string{
		Added:          "Added",
		AlreadyPresent: "AlreadyPresent",
		Rejected:       "Rejected",
		Replaced:       "Replaced",
	}
	for res, want := range cases {
		if got := res.String(); got != want {
			t.Fatalf("%v.String() = %q, want %q", res, got, want)
		}
	}
	if got := fmt.Sprintf("%v", AddResult(99)); got != "Unknown" {
		t.Fatalf("unknown AddResult.String() = %q, want Unknown", got)
	}
}
