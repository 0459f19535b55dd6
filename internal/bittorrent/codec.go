package bittorrent

import (
	"encoding/binary"
	"fmt"
)

// message ids on the wire. Values 0-9 are BEP 3 base messages; 13-17 are
// BEP 6 fast-peer; 9 is Port; 20 is the BEP 10 extended-messaging
// envelope, carrying its own sub-dictionary of extension ids.
const (
	chokeId         byte = 0
	unchokeId       byte = 1
	interestedId    byte = 2
	notInterestedId byte = 3
	haveId          byte = 4
	bitfieldId      byte = 5
	requestId       byte = 6
	pieceId         byte = 7
	cancelId        byte = 8
	portId          byte = 9
	suggestPieceId  byte = 13
	haveAllId       byte = 14
	haveNoneId      byte = 15
	rejectId        byte = 16
	allowedFastId   byte = 17
	extendedId      byte = 20
)

// extended (BEP 10) sub-message ids, local to this implementation's
// extension registry.
const (
	extHandshakeId byte = 0
	extPexId       byte = 1
	extMetadataId  byte = 2
	extChatId      byte = 3
)

const (
	keepAliveLength    uint32 = 0
	chokeLength        uint32 = 1
	unchokeLength      uint32 = 1
	interestedLength   uint32 = 1
	notInterestLength  uint32 = 1
	haveLength         uint32 = 5
	requestLength      uint32 = 13
	cancelLength       uint32 = 13
	portLength         uint32 = 3
	suggestLength      uint32 = 5
	haveAllLength      uint32 = 1
	haveNoneLength     uint32 = 1
	rejectLength       uint32 = 13
	allowedFastLength  uint32 = 5
	handshakeLength    uint32 = 68
)

const protocolName = "BitTorrent protocol"

// reserved-byte bit positions in the handshake's 8-byte reserved field.
const (
	reservedDHTByteIdx      = 7
	reservedDHTBit          = 0x01
	reservedFastByteIdx     = 7
	reservedFastBit         = 0x04
	reservedExtendedByteIdx = 5
	reservedExtendedBit     = 0x01
)

// ProtocolMessage is the tagged-variant sum type every peer-wire message
// kind implements: the dispatcher matches on the concrete Go type rather
// than a numeric id string-switch, so an unhandled variant is a missing
// case arm, not a silent fallthrough.
type ProtocolMessage interface {
	Id() byte
	Len() uint32
}

type baseMessage struct {
	id  byte
	len uint32
}

func (m baseMessage) Id() byte    { return m.id }
func (m baseMessage) Len() uint32 { return m.len }

type KeepAliveMsg struct{ baseMessage }
type ChokeMsg struct{ baseMessage }
type UnchokeMsg struct{ baseMessage }
type InterestedMsg struct{ baseMessage }
type NotInterestedMsg struct{ baseMessage }
type HaveAllMsg struct{ baseMessage }
type HaveNoneMsg struct{ baseMessage }

type HaveMsg struct {
	baseMessage
	Index uint32
}

type BitfieldMsg struct {
	baseMessage
	Bits []byte
}

type RequestMsg struct {
	baseMessage
	Index, Begin, Length uint32
}

type CancelMsg struct {
	baseMessage
	Index, Begin, Length uint32
}

type PieceMsg struct {
	baseMessage
	Index, Begin uint32
	Block        []byte
}

type PortMsg struct {
	baseMessage
	Port uint16
}

type SuggestPieceMsg struct {
	baseMessage
	Index uint32
}

type RejectRequestMsg struct {
	baseMessage
	Index, Begin, Length uint32
}

type AllowedFastMsg struct {
	baseMessage
	Index uint32
}

// ExtendedHandshakeMsg is the BEP 10 handshake: a map of supported
// extension names to local ids, plus the advertised max outstanding
// requests (reqq) and listen port (p), both optional.
type ExtendedHandshakeMsg struct {
	baseMessage
	Extensions map[string]byte
	ReqQ       int
	ListenPort int
}

// PeerExchangeMsg is the BEP 11 ut_pex payload: added peers (compact
// host:port) and dropped peers.
type PeerExchangeMsg struct {
	baseMessage
	Added   []NetworkAddr
	Dropped []NetworkAddr
}

type MetadataRequestMsg struct {
	baseMessage
	Piece int
}

type MetadataDataMsg struct {
	baseMessage
	Piece int
	Data  []byte
}

type MetadataRejectMsg struct {
	baseMessage
	Piece int
}

type ChatMsg struct {
	baseMessage
	Text string
}

// ExtendedMsg is the as-received BEP 10 envelope: a local sub-message id
// and its still-bencoded payload. Decoding the payload dictionary is a
// bencode concern left to the caller (see extended.go) — this type only
// carries it across the wire boundary.
type ExtendedMsg struct {
	baseMessage
	SubId   byte
	Payload []byte
}

// NetworkAddr is a compact 6-byte IPv4 peer address as used in PeX.
type NetworkAddr struct {
	IP   [4]byte
	Port uint16
}

var KeepAlive = &KeepAliveMsg{baseMessage{0, keepAliveLength}}

func Choke() *ChokeMsg                 { return &ChokeMsg{baseMessage{chokeId, chokeLength}} }
func Unchoke() *UnchokeMsg             { return &UnchokeMsg{baseMessage{unchokeId, unchokeLength}} }
func Interested() *InterestedMsg       { return &InterestedMsg{baseMessage{interestedId, interestedLength}} }
func NotInterested() *NotInterestedMsg {
	return &NotInterestedMsg{baseMessage{notInterestedId, notInterestLength}}
}
func HaveAll() *HaveAllMsg { return &HaveAllMsg{baseMessage{haveAllId, haveAllLength}} }
func HaveNone() *HaveNoneMsg { return &HaveNoneMsg{baseMessage{haveNoneId, haveNoneLength}} }

func Have(index uint32) *HaveMsg {
	return &HaveMsg{baseMessage{haveId, haveLength}, index}
}

func BitfieldMessage(bits []byte) *BitfieldMsg {
	return &BitfieldMsg{baseMessage{bitfieldId, uint32(1 + len(bits))}, bits}
}

func RequestMessage(index, begin, length uint32) *RequestMsg {
	return &RequestMsg{baseMessage{requestId, requestLength}, index, begin, length}
}

func Cancel(index, begin, length uint32) *CancelMsg {
	return &CancelMsg{baseMessage{cancelId, cancelLength}, index, begin, length}
}

func Piece(index, begin uint32, block []byte) *PieceMsg {
	return &PieceMsg{baseMessage{pieceId, uint32(9 + len(block))}, index, begin, block}
}

func Port(port uint16) *PortMsg {
	return &PortMsg{baseMessage{portId, portLength}, port}
}

func SuggestPiece(index uint32) *SuggestPieceMsg {
	return &SuggestPieceMsg{baseMessage{suggestPieceId, suggestLength}, index}
}

func RejectRequest(index, begin, length uint32) *RejectRequestMsg {
	return &RejectRequestMsg{baseMessage{rejectId, rejectLength}, index, begin, length}
}

func AllowedFast(index uint32) *AllowedFastMsg {
	return &AllowedFastMsg{baseMessage{allowedFastId, allowedFastLength}, index}
}

// Extended wraps an already bencode-encoded BEP 10 sub-message payload
// for sending: subId identifies the sub-message (extHandshakeId,
// extPexId, extMetadataId, extChatId, ...), payload is the bencoded
// dictionary body. Producing that payload from a typed message such as
// ExtendedHandshakeMsg or MetadataDataMsg is the caller's job, the same
// way decoding one is — bencode encoding stays outside this package.
func Extended(subId byte, payload []byte) *ExtendedMsg {
	return &ExtendedMsg{baseMessage{extendedId, uint32(2 + len(payload))}, subId, payload}
}

// HandshakeMsg is the fixed 68-byte connection preamble; it is not itself
// a ProtocolMessage since it precedes length-prefixed framing entirely.
type HandshakeMsg struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerId   [20]byte
}

func NewHandshake(infoHash [20]byte, peerId [20]byte, supportsFast, supportsExtended, supportsDHT bool) *HandshakeMsg {
	h := &HandshakeMsg{InfoHash: infoHash, PeerId: peerId}
	if supportsFast {
		h.Reserved[reservedFastByteIdx] |= reservedFastBit
	}
	if supportsExtended {
		h.Reserved[reservedExtendedByteIdx] |= reservedExtendedBit
	}
	if supportsDHT {
		h.Reserved[reservedDHTByteIdx] |= reservedDHTBit
	}
	return h
}

func (h *HandshakeMsg) SupportsFast() bool {
	return h.Reserved[reservedFastByteIdx]&reservedFastBit != 0
}

func (h *HandshakeMsg) SupportsExtended() bool {
	return h.Reserved[reservedExtendedByteIdx]&reservedExtendedBit != 0
}

func (h *HandshakeMsg) SupportsDHT() bool {
	return h.Reserved[reservedDHTByteIdx]&reservedDHTBit != 0
}

// MarshalHandshake writes the fixed 68-byte handshake form.
func MarshalHandshake(h *HandshakeMsg) []byte {
	buf := make([]byte, handshakeLength)
	buf[0] = byte(len(protocolName))
	copy(buf[1:20], protocolName)
	copy(buf[20:28], h.Reserved[:])
	copy(buf[28:48], h.InfoHash[:])
	copy(buf[48:68], h.PeerId[:])
	return buf
}

// UnmarshalHandshake parses a 68-byte handshake buffer, returning a
// ProtocolError if the protocol identifier does not match exactly.
func UnmarshalHandshake(buf []byte) (*HandshakeMsg, error) {
	if len(buf) != int(handshakeLength) {
		return nil, newProtocolError("handshake length %d, want %d", len(buf), handshakeLength)
	}
	pstrlen := int(buf[0])
	if pstrlen != len(protocolName) || string(buf[1:1+pstrlen]) != protocolName {
		return nil, newProtocolError("unrecognized protocol identifier")
	}
	h := &HandshakeMsg{}
	copy(h.Reserved[:], buf[20:28])
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerId[:], buf[48:68])
	return h, nil
}

// Marshal encodes a ProtocolMessage's length-prefixed wire form. buf must
// be large enough to hold 4+msg.Len() bytes.
func Marshal(pm ProtocolMessage, buf []byte) {
	putUint32(buf[0:4], pm.Len())
	if pm.Len() == 0 {
		return
	}
	buf[4] = pm.Id()
	switch m := pm.(type) {
	case *HaveMsg:
		putUint32(buf[5:9], m.Index)
	case *BitfieldMsg:
		copy(buf[5:], m.Bits)
	case *RequestMsg:
		putUint32(buf[5:9], m.Index)
		putUint32(buf[9:13], m.Begin)
		putUint32(buf[13:17], m.Length)
	case *CancelMsg:
		putUint32(buf[5:9], m.Index)
		putUint32(buf[9:13], m.Begin)
		putUint32(buf[13:17], m.Length)
	case *PieceMsg:
		putUint32(buf[5:9], m.Index)
		putUint32(buf[9:13], m.Begin)
		copy(buf[13:], m.Block)
	case *PortMsg:
		binary.BigEndian.PutUint16(buf[5:7], m.Port)
	case *SuggestPieceMsg:
		putUint32(buf[5:9], m.Index)
	case *RejectRequestMsg:
		putUint32(buf[5:9], m.Index)
		putUint32(buf[9:13], m.Begin)
		putUint32(buf[13:17], m.Length)
	case *AllowedFastMsg:
		putUint32(buf[5:9], m.Index)
	case *ExtendedMsg:
		buf[5] = m.SubId
		copy(buf[6:], m.Payload)
	}
}

// WireLen returns the total byte length (including the 4-byte length
// prefix) a ProtocolMessage occupies on the wire.
func WireLen(pm ProtocolMessage) int {
	return 4 + int(pm.Len())
}

// Unmarshal decodes one length-prefixed peer message from buf, returning
// the unconsumed remainder. A nil message with nil error means more bytes
// are needed. Extension sub-messages are not decoded here: the extendedId
// payload is decoded separately (MessageDispatcher's Bencode collaborator
// plus extended.go's Decode* functions), since the sub-message vocabulary
// is locally registered, not fixed by BEP 3.
func Unmarshal(buf []byte) ([]byte, ProtocolMessage, error) {
	if len(buf) < 4 {
		return buf, nil, nil
	}
	msgLen := uint32Of(buf[0:4])
	rest := buf[4:]
	if msgLen == 0 {
		return rest, KeepAlive, nil
	}
	if uint32(len(rest)) < msgLen {
		return buf, nil, nil
	}
	data := rest[:msgLen]
	rest = rest[msgLen:]
	id := data[0]
	body := data[1:]
	switch id {
	case chokeId:
		return rest, Choke(), nil
	case unchokeId:
		return rest, Unchoke(), nil
	case interestedId:
		return rest, Interested(), nil
	case notInterestedId:
		return rest, NotInterested(), nil
	case haveId:
		if len(body) != 4 {
			return rest, nil, newProtocolError("malformed have")
		}
		return rest, Have(uint32Of(body)), nil
	case bitfieldId:
		return rest, BitfieldMessage(body), nil
	case requestId:
		if len(body) != 12 {
			return rest, nil, newProtocolError("malformed request")
		}
		return rest, RequestMessage(uint32Of(body[0:4]), uint32Of(body[4:8]), uint32Of(body[8:12])), nil
	case pieceId:
		if len(body) < 8 {
			return rest, nil, newProtocolError("malformed piece")
		}
		return rest, Piece(uint32Of(body[0:4]), uint32Of(body[4:8]), body[8:]), nil
	case cancelId:
		if len(body) != 12 {
			return rest, nil, newProtocolError("malformed cancel")
		}
		return rest, Cancel(uint32Of(body[0:4]), uint32Of(body[4:8]), uint32Of(body[8:12])), nil
	case portId:
		if len(body) != 2 {
			return rest, nil, newProtocolError("malformed port")
		}
		return rest, Port(binary.BigEndian.Uint16(body)), nil
	case suggestPieceId:
		if len(body) != 4 {
			return rest, nil, newProtocolError("malformed suggest piece")
		}
		return rest, SuggestPiece(uint32Of(body)), nil
	case haveAllId:
		return rest, HaveAll(), nil
	case haveNoneId:
		return rest, HaveNone(), nil
	case rejectId:
		if len(body) != 12 {
			return rest, nil, newProtocolError("malformed reject request")
		}
		return rest, RejectRequest(uint32Of(body[0:4]), uint32Of(body[4:8]), uint32Of(body[8:12])), nil
	case allowedFastId:
		if len(body) != 4 {
			return rest, nil, newProtocolError("malformed allowed fast")
		}
		return rest, AllowedFast(uint32Of(body)), nil
	case extendedId:
		if len(body) < 1 {
			return rest, nil, newProtocolError("malformed extended message")
		}
		return rest, &ExtendedMsg{baseMessage{extendedId, msgLen}, body[0], body[1:]}, nil
	default:
		return rest, nil, newProtocolError("unknown message id %d", id)
	}
}

func uint32Of(b []byte) uint32           { return binary.BigEndian.Uint32(b) }
func putUint32(b []byte, v uint32)       { binary.BigEndian.PutUint32(b, v) }

func ToString(pm ProtocolMessage) string {
	switch m := pm.(type) {
	case *KeepAliveMsg:
		return "KeepAlive"
	case *ChokeMsg:
		return "Choke"
	case *UnchokeMsg:
		return "Unchoke"
	case *InterestedMsg:
		return "Interested"
	case *NotInterestedMsg:
		return "NotInterested"
	case *HaveMsg:
		return fmt.Sprintf("Have[%d]", m.Index)
	case *HaveAllMsg:
		return "HaveAll"
	case *HaveNoneMsg:
		return "HaveNone"
	case *BitfieldMsg:
		return fmt.Sprintf("Bitfield[%d bytes]", len(m.Bits))
	case *RequestMsg:
		return fmt.Sprintf("Request[index:%d begin:%d len:%d]", m.Index, m.Begin, m.Length)
	case *CancelMsg:
		return fmt.Sprintf("Cancel[index:%d begin:%d len:%d]", m.Index, m.Begin, m.Length)
	case *PieceMsg:
		return fmt.Sprintf("Piece[index:%d begin:%d len:%d]", m.Index, m.Begin, len(m.Block))
	case *PortMsg:
		return fmt.Sprintf("Port[%d]", m.Port)
	case *SuggestPieceMsg:
		return fmt.Sprintf("SuggestPiece[%d]", m.Index)
	case *RejectRequestMsg:
		return fmt.Sprintf("RejectRequest[index:%d begin:%d len:%d]", m.Index, m.Begin, m.Length)
	case *AllowedFastMsg:
		return fmt.Sprintf("AllowedFast[%d]", m.Index)
	case *ExtendedHandshakeMsg:
		return fmt.Sprintf("ExtendedHandshake[%d extensions]", len(m.Extensions))
	case *PeerExchangeMsg:
		return fmt.Sprintf("PeerExchange[added:%d dropped:%d]", len(m.Added), len(m.Dropped))
	case *MetadataRequestMsg:
		return fmt.Sprintf("LTMetadataRequest[%d]", m.Piece)
	case *MetadataDataMsg:
		return fmt.Sprintf("LTMetadataData[%d]", m.Piece)
	case *MetadataRejectMsg:
		return fmt.Sprintf("LTMetadataReject[%d]", m.Piece)
	case *ChatMsg:
		return "LTChat"
	case *ExtendedMsg:
		return fmt.Sprintf("Extended[sub:%d %d bytes]", m.SubId, len(m.Payload))
	default:
		return "Unknown"
	}
}
