package bittorrent

// WireState packs the four reciprocity flags spec.md §3 names
// (am_choking, am_interested, peer_choking, peer_interested) into a
// single byte, the way the teacher's original wire state packed choking/
// interested/optimistic bits — generalized here to the spec's exact flag
// set and initial values (am_choking=true, peer_choking=true, both
// interested flags false).
const (
	amChokingPos byte = iota
	amInterestedPos
	peerChokingPos
	peerInterestedPos
)

// initialWireState matches spec.md §3: am_choking=true, am_interested=
// false, peer_choking=true, peer_interested=false.
const initialWireState = WireState(1<<amChokingPos | 1<<peerChokingPos)

type WireState byte

func (ws WireState) AmChoking() bool      { return testBit(ws, amChokingPos) }
func (ws WireState) AmInterested() bool   { return testBit(ws, amInterestedPos) }
func (ws WireState) PeerChoking() bool    { return testBit(ws, peerChokingPos) }
func (ws WireState) PeerInterested() bool { return testBit(ws, peerInterestedPos) }

// CanDownload reports whether we are both unchoked by the peer and
// interested in its pieces.
func (ws WireState) CanDownload() bool {
	return !ws.PeerChoking() && ws.AmInterested()
}

func (ws WireState) withAmChoking(v bool) WireState      { return setBitTo(ws, amChokingPos, v) }
func (ws WireState) withAmInterested(v bool) WireState   { return setBitTo(ws, amInterestedPos, v) }
func (ws WireState) withPeerChoking(v bool) WireState    { return setBitTo(ws, peerChokingPos, v) }
func (ws WireState) withPeerInterested(v bool) WireState { return setBitTo(ws, peerInterestedPos, v) }

func setBit(ws WireState, i byte) WireState {
	return WireState(byte(ws) | (1 << i))
}

func clearBit(ws WireState, i byte) WireState {
	return WireState(byte(ws) &^ (1 << i))
}

func setBitTo(ws WireState, i byte, v bool) WireState {
	if v {
		return setBit(ws, i)
	}
	return clearBit(ws, i)
}

func testBit(ws WireState, i byte) bool {
	return byte(ws)&(1<<i) != 0
}
