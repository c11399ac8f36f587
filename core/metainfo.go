package core

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"

	bencode "github.com/jackpal/bencode-go"
)

// FileEntry describes one file within a (possibly multi-file) torrent, in
// the order it appears in the logical byte stream.
type FileEntry struct {
	Path   []string `bencode:"path"`
	Length int64    `bencode:"length"`
}

// info is the bencoded "info" dictionary whose SHA-1 hash is the torrent's
// InfoHash. Parsing the surrounding metainfo file (trackers, comment,
// creation date, ...) is out of scope for this package; only the fields
// needed to drive the swarm engine are kept.
type info struct {
	PieceLength int64       `bencode:"piece length"`
	Pieces      string      `bencode:"pieces"`
	Name        string      `bencode:"name"`
	Length      int64       `bencode:"length,omitempty"`
	Files       []FileEntry `bencode:"files,omitempty"`
}

func (i *info) hash() (InfoHash, error) {
	var b bytes.Buffer
	if err := bencode.Marshal(&b, *i); err != nil {
		return InfoHash{}, fmt.Errorf("bencode info dict: %w", err)
	}
	return NewInfoHashFromBytes(b.Bytes()), nil
}

// MetaInfo is the immutable description of a torrent's content layout: its
// info hash, piece length, per-piece SHA-1 sums, and file list.
type MetaInfo struct {
	info     info
	infoHash InfoHash
}

// NewMetaInfo assembles a MetaInfo from its fields and computes the info
// hash. pieces must be a concatenation of 20-byte SHA-1 sums, one per
// piece.
func NewMetaInfo(name string, pieceLength int64, pieces [][20]byte, files []FileEntry) (*MetaInfo, error) {
	if pieceLength <= 0 {
		return nil, errors.New("piece length must be positive")
	}
	if len(pieces) == 0 {
		return nil, errors.New("at least one piece required")
	}
	var buf bytes.Buffer
	for _, p := range pieces {
		buf.Write(p[:])
	}
	var total int64
	for _, f := range files {
		total += f.Length
	}
	i := info{
		PieceLength: pieceLength,
		Pieces:      buf.String(),
		Name:        name,
	}
	if len(files) == 1 && len(files[0].Path) == 0 {
		i.Length = files[0].Length
	} else {
		i.Files = files
		i.Length = total
	}
	h, err := i.hash()
	if err != nil {
		return nil, err
	}
	return &MetaInfo{info: i, infoHash: h}, nil
}

// DecodeMetaInfo parses the bencoded "info" dictionary of a .torrent file.
// The surrounding dictionary (announce, comment, ...) is ignored, consistent
// with metainfo parsing being an external concern of this core.
func DecodeMetaInfo(r io.Reader) (*MetaInfo, error) {
	var raw struct {
		Info info `bencode:"info"`
	}
	if err := bencode.Unmarshal(r, &raw); err != nil {
		return nil, fmt.Errorf("bencode unmarshal: %w", err)
	}
	h, err := raw.Info.hash()
	if err != nil {
		return nil, err
	}
	if len(raw.Info.Pieces)%20 != 0 {
		return nil, errors.New("pieces field is not a multiple of 20 bytes")
	}
	return &MetaInfo{info: raw.Info, infoHash: h}, nil
}

// InfoHash returns the torrent's 20-byte identity hash.
func (mi *MetaInfo) InfoHash() InfoHash { return mi.infoHash }

// Name returns the suggested top-level file or directory name.
func (mi *MetaInfo) Name() string { return mi.info.Name }

// PieceLength returns the nominal length L of every piece but the last.
func (mi *MetaInfo) PieceLength() int64 { return mi.info.PieceLength }

// NumPieces returns N, the total number of pieces.
func (mi *MetaInfo) NumPieces() int { return len(mi.info.Pieces) / 20 }

// PieceHash returns the expected SHA-1 sum of piece i.
func (mi *MetaInfo) PieceHash(i int) [20]byte {
	var h [20]byte
	copy(h[:], mi.info.Pieces[i*20:(i+1)*20])
	return h
}

// TotalLength returns the sum of all file lengths.
func (mi *MetaInfo) TotalLength() int64 {
	if len(mi.info.Files) == 0 {
		return mi.info.Length
	}
	var total int64
	for _, f := range mi.info.Files {
		total += f.Length
	}
	return total
}

// PieceLen returns the actual length of piece i, accounting for the final,
// possibly-shorter piece.
func (mi *MetaInfo) PieceLen(i int) int64 {
	if i < mi.NumPieces()-1 {
		return mi.info.PieceLength
	}
	last := mi.TotalLength() - int64(mi.NumPieces()-1)*mi.info.PieceLength
	return last
}

// Files returns the ordered file list. A single-file torrent returns one
// FileEntry whose Path is just the torrent name.
func (mi *MetaInfo) Files() []FileEntry {
	if len(mi.info.Files) == 0 {
		return []FileEntry{{Path: []string{mi.info.Name}, Length: mi.info.Length}}
	}
	return mi.info.Files
}

// VerifyPiece reports whether data hashes to the expected sum for piece i.
func (mi *MetaInfo) VerifyPiece(i int, data []byte) bool {
	sum := sha1.Sum(data)
	return sum == mi.PieceHash(i)
}
