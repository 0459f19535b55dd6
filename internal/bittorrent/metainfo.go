package bittorrent

import (
	"fmt"

	"github.com/rs/zerolog"
)

const sha1Length = 20

// Meta-info dictionary keys. Decoding the raw bencoded .torrent bytes
// into this map is itself bencode parsing, out of scope for this core —
// NewMetaInfo only shapes an already-decoded dictionary, the same
// boundary extended.go's Decode* helpers use for BEP 10 payloads.
const (
	metaAnnounce     = "announce"
	metaCreationDate = "creation date"
	metaComment      = "comment"
	metaCreatedBy    = "created by"
	metaEncoding     = "encoding"
	metaPieceLength  = "piece length"
	metaInfo         = "info"
	metaPieces       = "pieces"
	metaPrivate      = "private"
	metaInfoHash     = "info_hash"
	metaName         = "name"
	metaFiles        = "files"
	metaLength       = "length"
	metaMd5sum       = "md5sum"
	metaPath         = "path"
)

type MetaInfo struct {
	Announce     string
	CreationDate int64
	Comment      string
	CreatedBy    string
	Encoding     string
	PieceLength  int64
	Hashes       [][]byte
	Private      bool
	Files        []MetaInfoFile
	InfoHash     [20]byte
}

type MetaInfoFile struct {
	Path     string
	Name     string
	Length   int64
	CheckSum []byte
}

// TotalLength is the sum of every file's length, used by
// TorrentContext.PieceSize to size the final piece.
func (mi *MetaInfo) TotalLength() int64 {
	var total int64
	for _, f := range mi.Files {
		total += f.Length
	}
	return total
}

// NewMetaInfo shapes a bencode-decoded metainfo dictionary (top-level
// "announce"/"info"/etc, as produced by an external bencode decoder)
// into a MetaInfo. Missing or mistyped mandatory fields are reported as
// errors rather than panics, since this runs at torrent-add time, not on
// the hot per-message path.
func NewMetaInfo(entries map[string]interface{}) (*MetaInfo, error) {
	infoDict, ok := entries[metaInfo].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("metainfo: missing %q dictionary", metaInfo)
	}
	announce, _ := entries[metaAnnounce].(string)
	pieceLength, ok := infoDict[metaPieceLength].(int64)
	if !ok {
		return nil, fmt.Errorf("metainfo: missing %q", metaPieceLength)
	}
	piecesStr, ok := infoDict[metaPieces].(string)
	if !ok {
		return nil, fmt.Errorf("metainfo: missing %q", metaPieces)
	}
	hashes, err := toSha1Hashes(piecesStr)
	if err != nil {
		return nil, err
	}
	infoHashStr, ok := entries[metaInfoHash].(string)
	if !ok {
		return nil, fmt.Errorf("metainfo: missing %q", metaInfoHash)
	}
	var infoHash [20]byte
	copy(infoHash[:], infoHashStr)

	files, err := toMetaInfoFiles(infoDict)
	if err != nil {
		return nil, err
	}

	privateFlag, _ := infoDict[metaPrivate].(int64)

	return &MetaInfo{
		Announce:     announce,
		CreationDate: optInt64(entries, metaCreationDate),
		Comment:      optString(entries, metaComment),
		CreatedBy:    optString(entries, metaCreatedBy),
		Encoding:     optString(entries, metaEncoding),
		PieceLength:  pieceLength,
		Hashes:       hashes,
		Private:      privateFlag != 0,
		Files:        files,
		InfoHash:     infoHash,
	}, nil
}

func toMetaInfoFiles(info map[string]interface{}) ([]MetaInfoFile, error) {
	name, ok := info[metaName].(string)
	if !ok {
		return nil, fmt.Errorf("metainfo: missing %q", metaName)
	}
	rawFiles, hasFiles := info[metaFiles].([]interface{})

	if !hasFiles {
		length, ok := info[metaLength].(int64)
		if !ok {
			return nil, fmt.Errorf("metainfo: single-file mode missing %q", metaLength)
		}
		return []MetaInfoFile{{
			Path:     "/",
			Name:     name,
			Length:   length,
			CheckSum: []byte(optString(info, metaMd5sum)),
		}}, nil
	}

	files := make([]MetaInfoFile, 0, len(rawFiles))
	for _, entry := range rawFiles {
		fileDict, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("metainfo: malformed file entry")
		}
		rawPath, ok := fileDict[metaPath].([]interface{})
		if !ok || len(rawPath) == 0 {
			return nil, fmt.Errorf("metainfo: malformed %q", metaPath)
		}
		length, ok := fileDict[metaLength].(int64)
		if !ok {
			return nil, fmt.Errorf("metainfo: file entry missing %q", metaLength)
		}
		files = append(files, MetaInfoFile{
			Path:     name + "/" + joinPathSegments(rawPath[:len(rawPath)-1]),
			Name:     rawPath[len(rawPath)-1].(string),
			Length:   length,
			CheckSum: []byte(optString(fileDict, metaMd5sum)),
		})
	}
	return files, nil
}

func toSha1Hashes(pieces string) ([][]byte, error) {
	if len(pieces)%sha1Length != 0 {
		return nil, fmt.Errorf("metainfo: pieces value is malformed")
	}
	hashes := make([][]byte, 0, len(pieces)/sha1Length)
	buf := []byte(pieces)
	for len(buf) != 0 {
		hashes = append(hashes, buf[:sha1Length])
		buf = buf[sha1Length:]
	}
	return hashes, nil
}

func joinPathSegments(segments []interface{}) string {
	buf := ""
	for _, s := range segments {
		buf += s.(string) + "/"
	}
	return buf
}

func optString(d map[string]interface{}, key string) string {
	s, _ := d[key].(string)
	return s
}

func optInt64(d map[string]interface{}, key string) int64 {
	n, _ := d[key].(int64)
	return n
}

// NewTorrentContext builds a TorrentContext seeded from decoded metainfo,
// the way the teacher's NewMetaInfo fed the rest of the old protocol
// loop — here it feeds the Engine instead.
func NewTorrentContext(mi *MetaInfo, settings Settings, clock Clock, logger zerolog.Logger) *TorrentContext {
	settings.Private = mi.Private
	return newTorrentContext(mi.InfoHash, len(mi.Hashes), mi.PieceLength, mi.TotalLength(), settings, clock, logger)
}
