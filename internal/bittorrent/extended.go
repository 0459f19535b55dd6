package bittorrent

// Decoding a BEP 10 extended sub-message's bencoded payload into a Go map
// is itself bencode parsing — explicitly out of scope for this core. These
// helpers take the already-decoded dictionary (in the same shape
// metainfo.go's optString/optInt64 helpers consume) and produce the typed
// message; the decode-bytes-to-map step is the Bencode collaborator's job.

func optStr(d map[string]interface{}, key string) string {
	if v, ok := d[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func optInt(d map[string]interface{}, key string) int64 {
	if v, ok := d[key]; ok {
		if n, ok := v.(int64); ok {
			return n
		}
	}
	return 0
}

func optDict(d map[string]interface{}, key string) map[string]interface{} {
	if v, ok := d[key]; ok {
		if m, ok := v.(map[string]interface{}); ok {
			return m
		}
	}
	return nil
}

func optList(d map[string]interface{}, key string) []interface{} {
	if v, ok := d[key]; ok {
		if l, ok := v.([]interface{}); ok {
			return l
		}
	}
	return nil
}

// DecodeExtendedHandshake builds an ExtendedHandshakeMsg from a
// bencode-decoded BEP 10 handshake dictionary: {"m": {name: id, ...},
// "reqq": N, "p": port}.
func DecodeExtendedHandshake(d map[string]interface{}) (*ExtendedHandshakeMsg, error) {
	m := optDict(d, "m")
	extensions := make(map[string]byte, len(m))
	for name, v := range m {
		id, ok := v.(int64)
		if !ok {
			return nil, newProtocolError("extended handshake: non-integer id for %q", name)
		}
		extensions[name] = byte(id)
	}
	reqq := int(optInt(d, "reqq"))
	if reqq < 1 {
		reqq = 1
	}
	return &ExtendedHandshakeMsg{
		baseMessage: baseMessage{extendedId, 0},
		Extensions:  extensions,
		ReqQ:        reqq,
		ListenPort:  int(optInt(d, "p")),
	}, nil
}

// DecodePeerExchange builds a PeerExchangeMsg from a bencode-decoded BEP
// 11 payload: {"added": compact-peers, "dropped": compact-peers}.
func DecodePeerExchange(d map[string]interface{}) (*PeerExchangeMsg, error) {
	added, err := decodeCompactPeers(optStr(d, "added"))
	if err != nil {
		return nil, err
	}
	dropped, err := decodeCompactPeers(optStr(d, "dropped"))
	if err != nil {
		return nil, err
	}
	return &PeerExchangeMsg{
		baseMessage: baseMessage{extendedId, 0},
		Added:       added,
		Dropped:     dropped,
	}, nil
}

func decodeCompactPeers(raw string) ([]NetworkAddr, error) {
	if len(raw)%6 != 0 {
		return nil, newProtocolError("malformed compact peer list")
	}
	addrs := make([]NetworkAddr, 0, len(raw)/6)
	for i := 0; i < len(raw); i += 6 {
		var a NetworkAddr
		copy(a.IP[:], raw[i:i+4])
		a.Port = uint16(raw[i+4])<<8 | uint16(raw[i+5])
		addrs = append(addrs, a)
	}
	return addrs, nil
}

// DecodeMetadataMessage builds the appropriate ut_metadata sub-message
// from a bencode-decoded dictionary: {"msg_type": 0|1|2, "piece": N}.
func DecodeMetadataMessage(d map[string]interface{}, trailingData []byte) (ProtocolMessage, error) {
	piece := int(optInt(d, "piece"))
	switch optInt(d, "msg_type") {
	case 0:
		return &MetadataRequestMsg{baseMessage{extendedId, 0}, piece}, nil
	case 1:
		return &MetadataDataMsg{baseMessage{extendedId, 0}, piece, trailingData}, nil
	case 2:
		return &MetadataRejectMsg{baseMessage{extendedId, 0}, piece}, nil
	default:
		return nil, newProtocolError("unknown ut_metadata msg_type")
	}
}

// DecodeChat builds a ChatMsg from a bencode-decoded lt_chat payload:
// {"msg": "..."}.
func DecodeChat(d map[string]interface{}) *ChatMsg {
	return &ChatMsg{baseMessage{extendedId, 0}, optStr(d, "msg")}
}
