package kademlia

import (
	"net"
	"strconv"
	"time"
)

// NetworkEndpoint is the transport address at which a node can be reached.
type NetworkEndpoint struct {
	IP   net.IP
	Port int
}

func (e NetworkEndpoint) String() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(e.Port))
}

// Node is an entry in the routing table: an id, its address, when it was
// last seen responding, and how many consecutive RPCs to it have failed.
type Node struct {
	Id             NodeId
	Endpoint       NetworkEndpoint
	LastSeen       time.Time
	FailedRPCCount int
}

// maxFailedRPCs is the small threshold past which a node becomes eligible
// for eviction in favour of a replacement, per spec.md §3.
const maxFailedRPCs = 3

// touch refreshes LastSeen and clears the failure count, as happens on any
// successful ping/response from the node.
func (n *Node) touch(now time.Time) {
	n.LastSeen = now
	n.FailedRPCCount = 0
}

// evictable reports whether this node has failed enough consecutive RPCs to
// be replaced when a replacement candidate is available.
func (n *Node) evictable() bool {
	return n.FailedRPCCount > maxFailedRPCs
}
