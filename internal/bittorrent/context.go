package bittorrent

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TorrentState distinguishes the two tick-loop behaviors: Downloading
// runs inactive-peer eviction and webseed attachment on top of what
// Seeding does.
type TorrentState int

const (
	Downloading TorrentState = iota
	Seeding
)

// TorrentContext is the per-torrent owner: it owns the session set, the
// local bitfield, the finished-pieces queue, and the collaborator handles
// the tick loop and dispatcher consult. Sessions never hold a pointer
// back to their TorrentContext — only this context's InfoHash plus their
// own CorrelationId — resolving the PeerSession/TorrentContext reference
// cycle via the arena+index pattern: the Engine is the arena, keyed by
// InfoHash.
type TorrentContext struct {
	InfoHash    [20]byte
	PieceCount  int
	PieceLength int64
	TotalLength int64
	Bitfield    *Bitfield

	Settings Settings
	State    TorrentState

	Picker      Picker
	Reciprocity ReciprocityController
	Monitor     Monitor
	Tracker     TrackerManager
	Transport   Transport
	Metadata    MetadataStore

	Observers ObserverList
	Clock     Clock

	sessions map[uuid.UUID]*PeerSession

	finishedPieces []uint32

	lastReview        time.Time
	lastTrackerUpdate time.Time
	webseedAttachedAt time.Time
	webseedAttached   bool
	createdAt         time.Time

	poisoned    bool
	poisonedErr error

	log zerolog.Logger
}

func newTorrentContext(infoHash [20]byte, pieceCount int, pieceLength, totalLength int64, settings Settings, clock Clock, logger zerolog.Logger) *TorrentContext {
	now := clock.Now()
	return &TorrentContext{
		InfoHash:    infoHash,
		PieceCount:  pieceCount,
		PieceLength: pieceLength,
		TotalLength: totalLength,
		Bitfield:    NewBitfield(pieceCount),
		Settings:    settings,
		State:       Downloading,
		Clock:       clock,
		sessions:    make(map[uuid.UUID]*PeerSession),
		createdAt:   now,
		log:         logger.With().Str("infohash", fmt.Sprintf("%x", infoHash)).Logger(),
	}
}

// PieceSize returns the exact size of piece i, accounting for the final,
// possibly short, piece — needed by request-size validation's exception
// in spec.md §4.4.
func (c *TorrentContext) PieceSize(index int) int64 {
	if index == c.PieceCount-1 {
		rem := c.TotalLength - c.PieceLength*int64(c.PieceCount-1)
		if rem > 0 {
			return rem
		}
	}
	return c.PieceLength
}

func (c *TorrentContext) AddSession(s *PeerSession) {
	c.sessions[s.CorrelationId] = s
}

func (c *TorrentContext) Session(id uuid.UUID) (*PeerSession, bool) {
	s, ok := c.sessions[id]
	return s, ok
}

func (c *TorrentContext) Sessions() []*PeerSession {
	out := make([]*PeerSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// CloseSession implements the cancellation contract from spec.md §5:
// drop the outbound queue, cancel all outstanding requests via the
// Picker, emit peer_disconnected, then forget the session.
func (c *TorrentContext) CloseSession(id uuid.UUID, reason string) {
	s, ok := c.sessions[id]
	if !ok {
		return
	}
	s.outbound = nil
	if c.Picker != nil {
		c.Picker.CancelAll(s)
	}
	if c.Transport != nil {
		c.Transport.Close(reason)
	}
	delete(c.sessions, id)
	c.Observers.PublishPeerDisconnected(PeerDisconnectedEvent{Session: s, Reason: reason})
	c.log.Info().Str("conn", id.String()).Str("reason", reason).Msg("session closed")
}

// MarkFinished appends a verified piece index to the single-producer
// (hash verifier) / single-consumer (tick loop) finished-pieces queue.
func (c *TorrentContext) MarkFinished(index uint32) {
	c.Bitfield.Set(int(index))
	c.finishedPieces = append(c.finishedPieces, index)
}

// DrainFinished returns and clears the finished-pieces snapshot, observed
// once per tick per spec.md §5's ordering guarantee.
func (c *TorrentContext) DrainFinished() []uint32 {
	if len(c.finishedPieces) == 0 {
		return nil
	}
	pieces := c.finishedPieces
	c.finishedPieces = nil
	return pieces
}

// Poison marks the context as having hit an InvariantViolation: new
// connections are refused and the host is expected to shut it down.
// Per spec.md §7, the core never silently continues past this.
func (c *TorrentContext) Poison(err error) {
	c.poisoned = true
	c.poisonedErr = err
	c.log.Error().Err(err).Msg("torrent context poisoned")
}

func (c *TorrentContext) IsPoisoned() bool { return c.poisoned }

func (c *TorrentContext) PoisonReason() error { return c.poisonedErr }

func (c *TorrentContext) Logger() *zerolog.Logger { return &c.log }
