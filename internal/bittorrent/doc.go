// Package bittorrent implements the peer-wire protocol core: message
// encoding, per-peer session state, the fast-peer (BEP 6), extended
// messaging (BEP 10), peer exchange (BEP 11) and metadata (BEP 9)
// extensions, and the per-torrent tick loop that drives keepalives,
// have broadcast, inactivity eviction and reciprocity review.
//
// Disk I/O, raw socket transport, bencode decoding, tracker wire
// formats, and the piece-picking and choke/unchoke algorithms
// themselves are explicitly out of scope: this package consumes them
// through the Picker, ReciprocityController, TrackerManager and
// Transport collaborator interfaces instead.
package bittorrent
