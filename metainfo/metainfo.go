package metainfo

import (
	"crypto/sha1"
	"fmt"
	"os"

	"remora/bencode"
)

// Meta is the immutable description of a single-file torrent, produced
// once from a .torrent descriptor and shared read-only afterwards.
type Meta struct {
	InfoHash     [20]byte
	PieceHashes  [][20]byte
	PieceLength  int
	TotalLength  int
	Name         string
	AnnounceList []string
}

// InvalidError reports a metainfo descriptor that decoded but failed
// validation.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string {
	return "invalid metainfo: " + e.Reason
}

func invalid(format string, args ...interface{}) error {
	return &InvalidError{Reason: fmt.Sprintf(format, args...)}
}

// Load reads and parses a .torrent descriptor from disk.
func Load(path string) (*Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a bencoded metainfo descriptor and validates it into a
// Meta. The info hash is the SHA-1 of the info value's exact on-wire
// bytes, taken from the byte range the decoder recorded for it.
func Parse(data []byte) (*Meta, error) {
	root, err := bencode.Decode(data)
	if err != nil {
		return nil, err
	}
	if root.Kind != bencode.Dictionary {
		return nil, invalid("top-level value is not a dictionary")
	}

	announceList, err := collectTrackers(root)
	if err != nil {
		return nil, err
	}

	info, ok := root.Lookup("info")
	if !ok || info.Kind != bencode.Dictionary {
		return nil, invalid("missing info dictionary")
	}
	if _, ok := info.Lookup("files"); ok {
		return nil, invalid("multi-file torrents are not supported")
	}

	name, ok := info.Lookup("name")
	if !ok || name.Kind != bencode.String || len(name.Str) == 0 {
		return nil, invalid("info.name missing or empty")
	}
	pieceLength, ok := info.Lookup("piece length")
	if !ok || pieceLength.Kind != bencode.Integer || pieceLength.Int <= 0 {
		return nil, invalid("info.piece length missing or not positive")
	}
	length, ok := info.Lookup("length")
	if !ok || length.Kind != bencode.Integer || length.Int <= 0 {
		return nil, invalid("info.length missing or not positive")
	}
	pieces, ok := info.Lookup("pieces")
	if !ok || pieces.Kind != bencode.String {
		return nil, invalid("info.pieces missing")
	}
	if len(pieces.Str) == 0 || len(pieces.Str)%20 != 0 {
		return nil, invalid("info.pieces length %d is not a positive multiple of 20", len(pieces.Str))
	}

	pieceCount := len(pieces.Str) / 20
	pieceHashes := make([][20]byte, pieceCount)
	for i := 0; i < pieceCount; i++ {
		copy(pieceHashes[i][:], pieces.Str[i*20:(i+1)*20])
	}

	total := int(length.Int)
	perPiece := int(pieceLength.Int)
	if pieceCount*perPiece < total || total <= (pieceCount-1)*perPiece {
		return nil, invalid("piece geometry mismatch: %d pieces of %d bytes cannot cover %d bytes", pieceCount, perPiece, total)
	}

	m := &Meta{
		InfoHash:     sha1.Sum(info.Raw(data)),
		PieceHashes:  pieceHashes,
		PieceLength:  perPiece,
		TotalLength:  total,
		Name:         string(name.Str),
		AnnounceList: announceList,
	}
	return m, nil
}

// collectTrackers gathers announce URLs from `announce` and
// `announce-list`, primary first, deduplicated in discovery order.
func collectTrackers(root bencode.Value) ([]string, error) {
	var urls []string
	seen := make(map[string]bool)
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}

	if announce, ok := root.Lookup("announce"); ok {
		if announce.Kind != bencode.String {
			return nil, invalid("announce is not a byte string")
		}
		add(string(announce.Str))
	}
	if list, ok := root.Lookup("announce-list"); ok {
		if list.Kind != bencode.List {
			return nil, invalid("announce-list is not a list")
		}
		for _, tier := range list.List {
			if tier.Kind != bencode.List {
				return nil, invalid("announce-list tier is not a list")
			}
			for _, u := range tier.List {
				if u.Kind != bencode.String {
					return nil, invalid("announce-list entry is not a byte string")
				}
				add(string(u.Str))
			}
		}
	}

	if len(urls) == 0 {
		return nil, invalid("no usable tracker URL")
	}
	return urls, nil
}

// PieceCount returns the number of pieces in the torrent.
func (m *Meta) PieceCount() int {
	return len(m.PieceHashes)
}

// PieceSize returns the size in bytes of the piece at the given index.
// Every piece is PieceLength bytes except the last, which holds the
// remainder of the file.
func (m *Meta) PieceSize(index int) int {
	if index == m.PieceCount()-1 {
		return m.TotalLength - (m.PieceCount()-1)*m.PieceLength
	}
	return m.PieceLength
}
