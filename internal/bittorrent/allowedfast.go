package bittorrent

import (
	"crypto/sha1"
	"encoding/binary"
	"net"
)

// DefaultAllowedFastSetSize is the number of pieces the BEP 6
// allowed-fast algorithm derives per peer.
const DefaultAllowedFastSetSize = 10

// AllowedFastSet computes the deterministic BEP 6 allowed-fast piece
// index set for a peer: iteratively SHA-1 hash the peer's /24-truncated
// IP concatenated with the info-hash, reading each 4-byte chunk of the
// digest as a candidate piece index modulo pieceCount, re-hashing the
// previous digest as the next seed until size candidates are collected
// or the deterministic sequence has been exhausted without finding that
// many distinct indices (only possible when pieceCount < size).
func AllowedFastSet(ip net.IP, infoHash [20]byte, pieceCount, size int) []uint32 {
	if pieceCount <= 0 || size <= 0 {
		return nil
	}
	v4 := ip.To4()
	if v4 == nil {
		// IPv6 peers: fall back to the low 4 bytes of the address, the
		// only part BEP 6 defines a /24-style truncation analogue for.
		v4 = ip.To16()[12:16]
	}
	seed := make([]byte, 4+len(infoHash))
	copy(seed, []byte{v4[0], v4[1], v4[2], 0})
	copy(seed[4:], infoHash[:])

	seen := make(map[uint32]bool, size)
	result := make([]uint32, 0, size)
	maxRounds := pieceCount + 1
	for round := 0; len(result) < size && round < maxRounds; round++ {
		digest := sha1.Sum(seed)
		for off := 0; off+4 <= len(digest) && len(result) < size; off += 4 {
			idx := binary.BigEndian.Uint32(digest[off:off+4]) % uint32(pieceCount)
			if !seen[idx] {
				seen[idx] = true
				result = append(result, idx)
			}
		}
		seed = digest[:]
	}
	return result
}
