package bittorrent

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PeerIdentity is the peer-id/address pair a session is bound to, the way
// the teacher's peer.go bound a Peer to a *PeerIdentity.
type PeerIdentity struct {
	Id   [20]byte
	Addr string
}

// PeerSession is the per-connection state spec.md §3 names: negotiated
// capability flags, the peer's bitfield, the four reciprocity flags, the
// fast-peer piece-index sets, outbound queue, pending reads, counters and
// timestamps. It holds the owning torrent context only by info-hash key
// (spec.md §9's arena+index pattern), never by pointer, so there is no
// PeerSession -> TorrentContext -> PeerSession reference cycle.
type PeerSession struct {
	CorrelationId uuid.UUID
	Identity      PeerIdentity
	InfoHash      [20]byte

	SupportsFast     bool
	SupportsExtended bool
	IsSeeder         bool

	ws       WireState
	bitfield *Bitfield

	AllowedFastFromPeer mapset.Set[uint32]
	AllowedFastToPeer   mapset.Set[uint32]
	SuggestedPieces     mapset.Set[uint32]

	outbound     []ProtocolMessage
	pendingReads []Request

	RequestingCount      int
	HaveMessagesReceived int
	PiecesReceived       int
	MaxPendingRequests   int
	PeerAdvertisedMaxReq int

	ListenPort  int
	pexEligible bool

	LastMessageSent     time.Time
	LastMessageReceived time.Time

	log zerolog.Logger
}

// NewPeerSession constructs a session in its initial state: am_choking
// and peer_choking true, am_interested and peer_interested false, peer
// bitfield all-false, per spec.md §3.
func NewPeerSession(identity PeerIdentity, infoHash [20]byte, pieceCount int, now time.Time, parent zerolog.Logger) *PeerSession {
	id := uuid.New()
	return &PeerSession{
		CorrelationId:       id,
		Identity:            identity,
		InfoHash:            infoHash,
		ws:                  initialWireState,
		bitfield:            NewBitfield(pieceCount),
		AllowedFastFromPeer: mapset.NewThreadUnsafeSet[uint32](),
		AllowedFastToPeer:   mapset.NewThreadUnsafeSet[uint32](),
		SuggestedPieces:     mapset.NewThreadUnsafeSet[uint32](),
		MaxPendingRequests:  2,
		PeerAdvertisedMaxReq: 2,
		LastMessageSent:     now,
		LastMessageReceived: now,
		log:                 parent.With().Str("conn", id.String()).Str("peer", identity.Addr).Logger(),
	}
}

func (s *PeerSession) Bitfield() *Bitfield { return s.bitfield }

func (s *PeerSession) AmChoking() bool      { return s.ws.AmChoking() }
func (s *PeerSession) AmInterested() bool   { return s.ws.AmInterested() }
func (s *PeerSession) PeerChoking() bool    { return s.ws.PeerChoking() }
func (s *PeerSession) PeerInterested() bool { return s.ws.PeerInterested() }

func (s *PeerSession) SetAmChoking(v bool)      { s.ws = s.ws.withAmChoking(v) }
func (s *PeerSession) SetAmInterested(v bool)   { s.ws = s.ws.withAmInterested(v) }
func (s *PeerSession) SetPeerChoking(v bool)    { s.ws = s.ws.withPeerChoking(v) }
func (s *PeerSession) SetPeerInterested(v bool) { s.ws = s.ws.withPeerInterested(v) }

// Enqueue appends a message to the strict-FIFO outbound queue. Queuing a
// Piece payload counts as an outstanding request fulfillment, mirrored by
// Cancel's decrement, so the request/cancel law in property 6 holds:
// enqueue-then-cancel of the same (index, begin, length) leaves
// RequestingCount exactly where it started.
func (s *PeerSession) Enqueue(pm ProtocolMessage) {
	if _, ok := pm.(*PieceMsg); ok {
		s.RequestingCount++
	}
	s.outbound = append(s.outbound, pm)
}

// DrainOutbound returns the queue's full contents and clears it, the way
// a Transport drains a session once per ProcessQueue call. Each drained
// Piece retires its outstanding count from RequestingCount.
func (s *PeerSession) DrainOutbound() MessageBundle {
	if len(s.outbound) == 0 {
		return nil
	}
	for _, m := range s.outbound {
		if _, ok := m.(*PieceMsg); ok {
			s.RequestingCount--
		}
	}
	bundle := MessageBundle(s.outbound)
	s.outbound = nil
	return bundle
}

func (s *PeerSession) HasQueuedOutbound() bool { return len(s.outbound) > 0 }

// PendingReads returns the in-flight disk-read requests the host must
// resolve via CompleteRead, the drain point QueueRead's callers need
// since the actual read is external to this core.
func (s *PeerSession) PendingReads() []Request {
	out := make([]Request, len(s.pendingReads))
	copy(out, s.pendingReads)
	return out
}

// CompleteRead transitions a pending disk read into a queued Piece
// message once the read completes. It does not touch RequestingCount:
// QueueRead already counted the read as outstanding, and the piece stays
// outstanding (cancellable) until it is actually cancelled or
// DrainOutbound hands it to the transport.
func (s *PeerSession) CompleteRead(index, begin uint32, data []byte) bool {
	for i, r := range s.pendingReads {
		if r.Index == index && r.Begin == begin && r.Length == uint32(len(data)) {
			s.pendingReads = append(s.pendingReads[:i], s.pendingReads[i+1:]...)
			s.outbound = append(s.outbound, Piece(index, begin, data))
			return true
		}
	}
	return false
}

// HasQueuedInterested reports whether an Interested message is already
// sitting in the outbound queue, used to suppress duplicate sends across
// repeated Have messages for pieces we already want (property 7).
func (s *PeerSession) HasQueuedInterested() bool {
	for _, m := range s.outbound {
		if _, ok := m.(*InterestedMsg); ok {
			return true
		}
	}
	return false
}

// QueueRead appends a pending piece-read request, in order. Like
// Enqueue(Piece), this counts as an outstanding fulfillment until it is
// cancelled, or until the Piece that CompleteRead queues for it is
// cancelled or drained.
func (s *PeerSession) QueueRead(r Request) {
	s.pendingReads = append(s.pendingReads, r)
	s.RequestingCount++
}

// Cancel implements spec.md §4.3's request/cancel law: scan the outbound
// queue first for a matching queued Piece payload and remove it; if none
// matches, scan the pending-read list instead. At most one match is
// removed. requesting_count is decremented only when a match is found.
func (s *PeerSession) Cancel(index, begin, length uint32) bool {
	for i, m := range s.outbound {
		if p, ok := m.(*PieceMsg); ok && p.Index == index && p.Begin == begin && uint32(len(p.Block)) == length {
			s.outbound = append(s.outbound[:i], s.outbound[i+1:]...)
			s.RequestingCount--
			return true
		}
	}
	for i, r := range s.pendingReads {
		if r.Index == index && r.Begin == begin && r.Length == length {
			s.pendingReads = append(s.pendingReads[:i], s.pendingReads[i+1:]...)
			s.RequestingCount--
			return true
		}
	}
	return false
}

func (s *PeerSession) Logger() *zerolog.Logger { return &s.log }
