package bittorrent

import "time"

// Request identifies one outstanding block request: a piece index, a byte
// offset into that piece, and a length.
type Request struct {
	Index, Begin, Length uint32
}

// Picker selects which blocks to request from which peers. Its selection
// policy (rarest-first, endgame, etc.) is out of scope for this core — it
// is consumed purely through this interface.
//
// A conforming implementation might sort peers by download rate, then for
// each unchoked+interesting peer walk its rarest available pieces picking
// blocks not already taken; this module ships none.
type Picker interface {
	PickRequests(session *PeerSession, upTo int) []Request
	CancelRequest(session *PeerSession, index, begin, length uint32)
	CancelAll(session *PeerSession)
	PieceReceived(session *PeerSession, index, begin uint32, data []byte)
	IsInteresting(session *PeerSession) bool
}

// ReciprocityController decides choke/unchoke state for every connected
// peer. Its algorithm is out of scope for this core — it only ever calls
// Review(), at most once per Settings.MinTimeBetweenReviews.
//
// A conforming implementation might pick upload slots by transfer rate
// with a randomized optimistic-unchoke rotation; this module ships none.
type ReciprocityController interface {
	Review()
}

// Tracker is a single announce URL's current state, as reported by a
// TrackerManager.
type Tracker interface {
	URL() string
}

// AnnounceEvent is the event parameter of a tracker announce.
type AnnounceEvent int

const (
	AnnounceNone AnnounceEvent = iota
	AnnounceStarted
	AnnounceStopped
	AnnounceCompleted
)

// TrackerManager is the tracker HTTP/UDP transport collaborator; its wire
// formats are out of scope for this core.
type TrackerManager interface {
	Current() Tracker
	Announce(event AnnounceEvent)
	LastUpdated() time.Time
	UpdateSucceeded() bool
}

// Monitor tracks a torrent's or a peer's transfer rates.
type Monitor interface {
	Tick()
	DownloadSpeedBps() int
	UploadSpeedBps() int
}

// MessageBundle is an ordered batch of outgoing wire messages, as handed
// to a Transport for a single drain.
type MessageBundle []ProtocolMessage

// Transport delivers a session's outbound queue to the wire and reports
// close/backpressure. Disk I/O and the TCP/μTP connection itself are out
// of scope for this core — this is purely the handle the core uses to
// ask "send this" and "close now".
type Transport interface {
	Enqueue(bundle MessageBundle)
	Close(reason string)
	ProcessQueue()
}

// Bencode is the seam a caller's bencode library is wired in through.
// BEP 10 sub-messages travel inside ExtendedMsg.Payload as an encoded
// dictionary, sometimes followed by raw trailing bytes (a ut_metadata
// data response's piece content); parsing bencode itself is out of scope
// for this core, so Dispatch only ever calls Decode/Encode through here,
// never a parser directly. A MessageDispatcher with none wired treats any
// received ExtendedMsg sub-id it would otherwise act on as unprocessable.
type Bencode interface {
	Decode(payload []byte) (dict map[string]interface{}, trailing []byte, err error)
	Encode(dict map[string]interface{}) []byte
}

// MetadataStore answers ut_metadata piece lookups for ApplyMetadataRequest.
// BEP 9 metadata is small enough to hold fully in memory once its total
// size is known, unlike piece payloads, so lookups are synchronous and
// this collaborator has no QueueRead/CompleteRead-style two-phase split.
type MetadataStore interface {
	MetadataPiece(index int) (data []byte, available bool)
}
