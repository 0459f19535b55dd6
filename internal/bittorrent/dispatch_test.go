package bittorrent

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestContext(pieceCount int, settings Settings) *TorrentContext {
	var infoHash [20]byte
	infoHash[0] = 0xAB
	return newTorrentContext(infoHash, pieceCount, 1<<18, int64(pieceCount)*(1<<18), settings, NewVirtualClock(time.Unix(0, 0)), zerolog.Nop())
}

// S3: a handshake whose info-hash does not match the torrent context is
// fatal, and no session is created.
func TestHandshakeInfoHashMismatchIsFatal(t *testing.T) {
	ctx := newTestContext(4, DefaultSettings())
	d := NewMessageDispatcher()

	var wrongHash, peerId [20]byte
	wrongHash[0] = 0xCD
	h := NewHandshake(wrongHash, peerId, false, false, false)

	s, err := d.Handshake(ctx, h, "1.2.3.4:6881", nil)
	if err == nil {
		t.Fatal("expected error for info-hash mismatch")
	}
	if s != nil {
		t.Fatal("expected no session on a rejected handshake")
	}
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("got %T, want *ProtocolError", err)
	}
}

func TestHandshakePeerIdMismatchIsFatal(t *testing.T) {
	ctx := newTestContext(4, DefaultSettings())
	d := NewMessageDispatcher()

	var peerId, otherPeerId [20]byte
	peerId[0] = 1
	otherPeerId[0] = 2
	h := NewHandshake(ctx.InfoHash, otherPeerId, false, false, false)

	if _, err := d.Handshake(ctx, h, "1.2.3.4:6881", &peerId); err == nil {
		t.Fatal("expected error for peer id mismatch")
	}
}

// S4: request-size validation, including the final-piece short-length
// acceptance case and the over-max-length rejection case.
func TestRequestSizeValidation(t *testing.T) {
	settings := DefaultSettings()
	ctx := newTestContext(2, settings)
	ctx.TotalLength = 1<<18 + 1234 // final piece is short
	d := NewMessageDispatcher()
	s := newTestSession(2)
	s.SetAmChoking(false)

	// Exactly fills the short final piece: must be accepted.
	if err := d.onRequest(ctx, s, &RequestMsg{Index: 1, Begin: 0, Length: 1234}); err != nil {
		t.Fatalf("expected short final-piece request to be accepted: %v", err)
	}

	// One byte past the end of the final piece: must be rejected.
	if err := d.onRequest(ctx, s, &RequestMsg{Index: 1, Begin: 0, Length: 1235}); err == nil {
		t.Fatal("expected error for a request exceeding the final piece size")
	}

	// Over the hard 128 KiB request-length ceiling: must be rejected
	// regardless of piece size.
	if err := d.onRequest(ctx, s, &RequestMsg{Index: 0, Begin: 0, Length: 131073}); err == nil {
		t.Fatal("expected error for a request exceeding the 128 KiB ceiling")
	}
}

// S5: a Choke from a peer that does not support the fast extension must
// trigger exactly one Picker.CancelAll.
type cancelAllCountingPicker struct {
	cancelAllCalls int
}

func (p *cancelAllCountingPicker) PickRequests(*PeerSession, int) []Request         { return nil }
func (p *cancelAllCountingPicker) CancelRequest(*PeerSession, uint32, uint32, uint32) {}
func (p *cancelAllCountingPicker) CancelAll(*PeerSession)                           { p.cancelAllCalls++ }
func (p *cancelAllCountingPicker) PieceReceived(*PeerSession, uint32, uint32, []byte) {}
func (p *cancelAllCountingPicker) IsInteresting(*PeerSession) bool                  { return false }

func TestChokeWithoutFastCancelsAllExactlyOnce(t *testing.T) {
	picker := &cancelAllCountingPicker{}
	ctx := newTestContext(4, DefaultSettings())
	ctx.Picker = picker
	d := NewMessageDispatcher()
	s := newTestSession(4)
	s.SupportsFast = false

	if err := d.Dispatch(ctx, s, Choke()); err != nil {
		t.Fatalf("Dispatch(Choke): %v", err)
	}
	if picker.cancelAllCalls != 1 {
		t.Fatalf("CancelAll called %d times, want 1", picker.cancelAllCalls)
	}

	// A fast-peer-capable session must NOT have CancelAll invoked on
	// Choke: outstanding allowed-fast requests may still be served.
	s2 := newTestSession(4)
	s2.SupportsFast = true
	if err := d.Dispatch(ctx, s2, Choke()); err != nil {
		t.Fatalf("Dispatch(Choke): %v", err)
	}
	if picker.cancelAllCalls != 1 {
		t.Fatalf("CancelAll called on a fast-peer choke, want no additional calls")
	}
}

// S6: PeX is ignored entirely on private torrents: zero peers added, no
// peers_found event.
type countingObserver struct {
	peersFoundCalls int
	lastEvent       PeersFoundEvent
}

func (o *countingObserver) OnPeerConnected(PeerConnectedEvent)       {}
func (o *countingObserver) OnPeerDisconnected(PeerDisconnectedEvent) {}
func (o *countingObserver) OnPeersFound(e PeersFoundEvent) {
	o.peersFoundCalls++
	o.lastEvent = e
}

func TestPeXIgnoredOnPrivateTorrent(t *testing.T) {
	settings := DefaultSettings()
	settings.Private = true
	ctx := newTestContext(4, settings)
	obs := &countingObserver{}
	ctx.Observers.Register(obs)

	d := NewMessageDispatcher()
	s := newTestSession(4)
	s.pexEligible = true

	d.ApplyPeerExchange(ctx, s, &PeerExchangeMsg{
		Added: []NetworkAddr{{IP: [4]byte{1, 2, 3, 4}, Port: 6881}},
	})

	if obs.peersFoundCalls != 0 {
		t.Fatalf("peers_found published %d times on a private torrent, want 0", obs.peersFoundCalls)
	}
}

func TestPeXAddsPeersOnPublicTorrent(t *testing.T) {
	settings := DefaultSettings()
	settings.Private = false
	settings.EnablePeerExchange = true
	ctx := newTestContext(4, settings)
	obs := &countingObserver{}
	ctx.Observers.Register(obs)

	d := NewMessageDispatcher()
	s := newTestSession(4)
	s.pexEligible = true

	d.ApplyPeerExchange(ctx, s, &PeerExchangeMsg{
		Added: []NetworkAddr{{IP: [4]byte{1, 2, 3, 4}, Port: 6881}},
	})

	if obs.peersFoundCalls != 1 {
		t.Fatalf("peers_found published %d times, want 1", obs.peersFoundCalls)
	}
	if obs.lastEvent.Source != "pex" {
		t.Fatalf("event source = %q, want pex", obs.lastEvent.Source)
	}
}

// fakeBencode swaps the real bencode wire format for one tests can inspect
// directly: Decode returns whatever dict was configured for the test,
// Encode records what it was asked to encode.
type fakeBencode struct {
	decoded  map[string]interface{}
	trailing []byte
	encoded  []map[string]interface{}
}

func (b *fakeBencode) Decode([]byte) (map[string]interface{}, []byte, error) {
	return b.decoded, b.trailing, nil
}

func (b *fakeBencode) Encode(dict map[string]interface{}) []byte {
	b.encoded = append(b.encoded, dict)
	return []byte("encoded:")
}

type fakeMetadataStore struct {
	piece     []byte
	available bool
}

func (f fakeMetadataStore) MetadataPiece(int) ([]byte, bool) { return f.piece, f.available }

// spec.md §4.4: the extended handshake itself is exempt from the
// "extended messaging not negotiated" gate -- a peer proposes BEP10
// support via this very message, before SupportsExtended is set.
func TestExtendedHandshakeAllowedWithoutNegotiatedSupport(t *testing.T) {
	ctx := newTestContext(4, DefaultSettings())
	fb := &fakeBencode{decoded: map[string]interface{}{"m": map[string]interface{}{}}}
	d := NewMessageDispatcher().WithBencode(fb)
	s := newTestSession(4)
	s.SupportsExtended = false

	if err := d.Dispatch(ctx, s, Extended(extHandshakeId, nil)); err != nil {
		t.Fatalf("Dispatch(extended handshake) without negotiated support: %v", err)
	}
}

// Every other extension sub-message is still gated on SupportsExtended.
func TestNonHandshakeExtensionRejectedWithoutNegotiatedSupport(t *testing.T) {
	ctx := newTestContext(4, DefaultSettings())
	d := NewMessageDispatcher()
	s := newTestSession(4)
	s.SupportsExtended = false

	err := d.Dispatch(ctx, s, Extended(extPexId, nil))
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("got %T, want *ProtocolError", err)
	}
}

func TestOnExtendedWithoutBencodeRejectsUndecodedHandshake(t *testing.T) {
	ctx := newTestContext(4, DefaultSettings())
	d := NewMessageDispatcher()
	s := newTestSession(4)
	s.SupportsExtended = true

	err := d.Dispatch(ctx, s, Extended(extHandshakeId, nil))
	if _, ok := err.(*InvariantViolation); !ok {
		t.Fatalf("got %T, want *InvariantViolation", err)
	}
}

func TestExtendedHandshakeAppliedThroughDispatch(t *testing.T) {
	settings := DefaultSettings()
	settings.EnablePeerExchange = true
	ctx := newTestContext(4, settings)
	fb := &fakeBencode{decoded: map[string]interface{}{
		"m":    map[string]interface{}{"ut_pex": int64(1)},
		"reqq": int64(200),
		"p":    int64(6881),
	}}
	d := NewMessageDispatcher().WithBencode(fb)
	s := newTestSession(4)
	s.SupportsExtended = true

	if err := d.Dispatch(ctx, s, Extended(extHandshakeId, nil)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if s.PeerAdvertisedMaxReq != 200 {
		t.Fatalf("PeerAdvertisedMaxReq = %d, want 200", s.PeerAdvertisedMaxReq)
	}
	if s.ListenPort != 6881 {
		t.Fatalf("ListenPort = %d, want 6881", s.ListenPort)
	}
	if !s.pexEligible {
		t.Fatal("expected pexEligible after a handshake advertising ut_pex on a public torrent")
	}
}

func TestMetadataRequestRespondsWithDataWhenAvailable(t *testing.T) {
	ctx := newTestContext(4, DefaultSettings())
	ctx.Metadata = fakeMetadataStore{piece: []byte("piece-bytes"), available: true}
	fb := &fakeBencode{decoded: map[string]interface{}{"msg_type": int64(0), "piece": int64(3)}}
	d := NewMessageDispatcher().WithBencode(fb)
	s := newTestSession(4)
	s.SupportsExtended = true

	if err := d.Dispatch(ctx, s, Extended(extMetadataId, nil)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	bundle := s.DrainOutbound()
	if len(bundle) != 1 {
		t.Fatalf("outbound = %d messages, want 1", len(bundle))
	}
	got, ok := bundle[0].(*ExtendedMsg)
	if !ok {
		t.Fatalf("got %T, want *ExtendedMsg", bundle[0])
	}
	if got.SubId != extMetadataId {
		t.Fatalf("SubId = %d, want %d", got.SubId, extMetadataId)
	}
	if len(fb.encoded) != 1 || fb.encoded[0]["msg_type"] != int64(1) || fb.encoded[0]["piece"] != int64(3) {
		t.Fatalf("encoded dict = %v, want msg_type:1 piece:3", fb.encoded)
	}
	if !bytes.HasSuffix(got.Payload, []byte("piece-bytes")) {
		t.Fatalf("payload missing trailing piece bytes: %q", got.Payload)
	}
}

func TestMetadataRequestRespondsWithRejectWhenUnavailable(t *testing.T) {
	ctx := newTestContext(4, DefaultSettings())
	ctx.Metadata = fakeMetadataStore{available: false}
	fb := &fakeBencode{decoded: map[string]interface{}{"msg_type": int64(0), "piece": int64(1)}}
	d := NewMessageDispatcher().WithBencode(fb)
	s := newTestSession(4)
	s.SupportsExtended = true

	if err := d.Dispatch(ctx, s, Extended(extMetadataId, nil)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(fb.encoded) != 1 || fb.encoded[0]["msg_type"] != int64(2) {
		t.Fatalf("encoded dict = %v, want msg_type:2 (reject)", fb.encoded)
	}
}
