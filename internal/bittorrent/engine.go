package bittorrent

import (
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
)

// Engine is the arena spec.md §9 calls for: it owns every TorrentContext
// keyed by info-hash, resolving the PeerSession -> TorrentContext
// back-reference cycle the teacher's source had. Callers borrow a
// context per-operation via Context(infoHash); a PeerSession never holds
// a pointer to one directly.
type Engine struct {
	mu        sync.Mutex
	contexts  map[[20]byte]*TorrentContext
	candidates *lru.Cache
	clock     Clock
	log       zerolog.Logger
}

// NewEngine builds an Engine. candidateCacheSize bounds the shared pool
// of not-yet-connected peer addresses discovered via tracker/PeX/DHT
// lookups, evicted LRU once full.
func NewEngine(candidateCacheSize int, clock Clock, logger zerolog.Logger) (*Engine, error) {
	cache, err := lru.New(candidateCacheSize)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Engine{
		contexts:   make(map[[20]byte]*TorrentContext),
		candidates: cache,
		clock:      clock,
		log:        logger,
	}, nil
}

// AddTorrent registers a new TorrentContext under its info-hash. It is
// rejected if a context for that info-hash is already registered.
func (e *Engine) AddTorrent(mi *MetaInfo, settings Settings) (*TorrentContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.contexts[mi.InfoHash]; exists {
		return nil, newInvariantViolation("torrent %x already registered", mi.InfoHash)
	}
	ctx := NewTorrentContext(mi, settings, e.clock, e.log)
	e.contexts[mi.InfoHash] = ctx
	return ctx, nil
}

// Context borrows the TorrentContext for infoHash for the duration of
// one operation. ok is false if no such torrent is registered or it has
// been removed.
func (e *Engine) Context(infoHash [20]byte) (*TorrentContext, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ctx, ok := e.contexts[infoHash]
	return ctx, ok
}

// RemoveTorrent unregisters a context, e.g. once a poisoned context has
// been surfaced to the host and is being torn down.
func (e *Engine) RemoveTorrent(infoHash [20]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.contexts, infoHash)
}

// TickAll runs one TorrentMode.Tick pass over every registered,
// non-poisoned context. Poisoned contexts are skipped (refusing new
// work) but left registered for the host to inspect and remove.
func (e *Engine) TickAll(mode *TorrentMode, counter int) {
	e.mu.Lock()
	contexts := make([]*TorrentContext, 0, len(e.contexts))
	for _, ctx := range e.contexts {
		contexts = append(contexts, ctx)
	}
	e.mu.Unlock()

	for _, ctx := range contexts {
		mode.Tick(ctx, counter)
	}
}

// AcceptSession attaches a handshaken session to its torrent context,
// keyed by the session's own CorrelationId, and identifies it to the
// caller by that id rather than a pointer -- the per-operation borrow
// this module's arena+index pattern relies on.
func (e *Engine) AcceptSession(infoHash [20]byte, s *PeerSession) (uuid.UUID, error) {
	ctx, ok := e.Context(infoHash)
	if !ok {
		return uuid.Nil, newProtocolError("no such torrent %x", infoHash)
	}
	if ctx.IsPoisoned() {
		return uuid.Nil, newInvariantViolation("torrent %x is poisoned, refusing connections", infoHash)
	}
	if len(ctx.Sessions()) >= ctx.Settings.MaxConnections {
		return uuid.Nil, newProtocolError("torrent %x at max connections", infoHash)
	}
	ctx.AddSession(s)
	return s.CorrelationId, nil
}

// OfferCandidates adds freshly discovered peer addresses (tracker
// announce, PeX, DHT lookup) to the shared candidate cache and publishes
// peers_found on the owning context.
func (e *Engine) OfferCandidates(ctx *TorrentContext, addrs []NetworkAddr, source string) {
	added := 0
	for _, a := range addrs {
		key := candidateKey{addr: a, infoHash: ctx.InfoHash}
		if _, ok := e.candidates.Get(key); !ok {
			e.candidates.Add(key, a)
			added++
		}
	}
	if added > 0 {
		ctx.Observers.PublishPeersFound(PeersFoundEvent{
			CountAdded:   added,
			CountOffered: len(addrs),
			Source:       source,
		})
	}
}

type candidateKey struct {
	addr     NetworkAddr
	infoHash [20]byte
}
