package bittorrent

// ConnectionDirection records which side initiated a peer connection.
type ConnectionDirection int

const (
	Outgoing ConnectionDirection = iota
	Incoming
)

// PeerConnectedEvent is published when a session completes its handshake.
type PeerConnectedEvent struct {
	Session   *PeerSession
	Direction ConnectionDirection
}

// PeerDisconnectedEvent is published when a session is closed, for any
// reason (explicit close, protocol violation, inactivity eviction).
type PeerDisconnectedEvent struct {
	Session *PeerSession
	Reason  string
}

// PeersFoundEvent is published when a batch of candidate peer addresses is
// discovered (tracker announce response, PeX, DHT lookup).
type PeersFoundEvent struct {
	CountAdded   int
	CountOffered int
	Source       string
}

// Observer receives the torrent-scoped event hooks named in spec.md §9:
// peer_connected, peer_disconnected, peers_found. Delivery is synchronous
// on the tick task — an Observer must not block. The fourth hook named in
// spec.md, node_added, is a RoutingTable event instead (see
// kademlia.NodeAddedFunc) — it is not torrent-scoped, so it is not part of
// this interface.
type Observer interface {
	OnPeerConnected(e PeerConnectedEvent)
	OnPeerDisconnected(e PeerDisconnectedEvent)
	OnPeersFound(e PeersFoundEvent)
}

// ObserverList fans a published event out to every registered Observer, in
// registration order.
type ObserverList struct {
	observers []Observer
}

func (l *ObserverList) Register(o Observer) {
	l.observers = append(l.observers, o)
}

func (l *ObserverList) PublishPeerConnected(e PeerConnectedEvent) {
	for _, o := range l.observers {
		o.OnPeerConnected(e)
	}
}

func (l *ObserverList) PublishPeerDisconnected(e PeerDisconnectedEvent) {
	for _, o := range l.observers {
		o.OnPeerDisconnected(e)
	}
}

func (l *ObserverList) PublishPeersFound(e PeersFoundEvent) {
	for _, o := range l.observers {
		o.OnPeersFound(e)
	}
}
