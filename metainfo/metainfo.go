// Package metainfo parses the BEP 3 bencoded torrent metainfo dictionary (spec.md §6.1): the
// info-hash, piece hashes, and file layout that a Torrent needs to begin downloading.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/jackpal/bencode-go"
)

// FileDict is one entry of a multi-file torrent's info.files list.
type FileDict struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// InfoDict is the bencoded shape of the info dictionary. Only the fields the core consumes
// (spec.md §6.1) are modeled; an unrecognized extra key is preserved for hashing by keeping the raw
// info bytes (MetaInfo.InfoBytes), never by round-tripping through this struct (see HashInfoBytes
// below).
type InfoDict struct {
	Name        string     `bencode:"name"`
	PieceLength int64      `bencode:"piece length"`
	Pieces      string     `bencode:"pieces"`
	Length      int64      `bencode:"length,omitempty"`
	Files       []FileDict `bencode:"files,omitempty"`
}

// MetaInfo is the bencoded shape of the whole .torrent file.
type MetaInfo struct {
	Announce     string     `bencode:"announce,omitempty"`
	AnnounceList [][]string `bencode:"announce-list,omitempty"`
	InfoBytes    []byte     `bencode:"-"`
	Info         InfoDict   `bencode:"info"`
}

// rawMetaInfo is used only to decode the announce/announce-list envelope; the info dict itself
// is extracted separately, as raw bytes, by findInfoDictBytes below, since the info-hash must be
// computed over the exact bytes as they appeared on the wire rather than a re-marshaled copy.
type rawMetaInfo struct {
	Announce     string     `bencode:"announce,omitempty"`
	AnnounceList [][]string `bencode:"announce-list,omitempty"`
}

// Parse decodes a .torrent file's bytes.
func Parse(b []byte) (*MetaInfo, error) {
	var raw rawMetaInfo
	if err := bencode.Unmarshal(bytes.NewReader(b), &raw); err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}
	infoBytes, err := findInfoDictBytes(b)
	if err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}
	var info InfoDict
	if err := bencode.Unmarshal(bytes.NewReader(infoBytes), &info); err != nil {
		return nil, fmt.Errorf("metainfo: info dict: %w", err)
	}
	return &MetaInfo{
		Announce:     raw.Announce,
		AnnounceList: raw.AnnounceList,
		InfoBytes:    infoBytes,
		Info:         info,
	}, nil
}

// findInfoDictBytes scans the top-level bencoded dictionary for the "info" key and returns the
// exact bytes of its value, without going through a round-trip re-encode (which would risk
// disagreeing with whatever the original encoder did and silently corrupting the info-hash).
func findInfoDictBytes(b []byte) ([]byte, error) {
	if len(b) == 0 || b[0] != 'd' {
		return nil, errors.New("not a bencoded dictionary")
	}
	i := 1
	for i < len(b) && b[i] != 'e' {
		keyStart := i
		keyEnd, err := skipBencodeValue(b, keyStart)
		if err != nil {
			return nil, err
		}
		key, err := decodeBencodeString(b[keyStart:keyEnd])
		if err != nil {
			return nil, err
		}
		valStart := keyEnd
		valEnd, err := skipBencodeValue(b, valStart)
		if err != nil {
			return nil, err
		}
		if key == "info" {
			return b[valStart:valEnd], nil
		}
		i = valEnd
	}
	return nil, errors.New("no info dict")
}

// skipBencodeValue returns the index just past the single bencoded value starting at i.
func skipBencodeValue(b []byte, i int) (int, error) {
	if i >= len(b) {
		return 0, errors.New("truncated bencode")
	}
	switch {
	case b[i] >= '0' && b[i] <= '9':
		colon := bytes.IndexByte(b[i:], ':')
		if colon < 0 {
			return 0, errors.New("malformed bencode string")
		}
		colon += i
		n, err := parseBencodeInt(b[i:colon])
		if err != nil {
			return 0, err
		}
		end := colon + 1 + n
		if end > len(b) || n < 0 {
			return 0, errors.New("malformed bencode string length")
		}
		return end, nil
	case b[i] == 'i':
		end := bytes.IndexByte(b[i:], 'e')
		if end < 0 {
			return 0, errors.New("malformed bencode integer")
		}
		return i + end + 1, nil
	case b[i] == 'l':
		j := i + 1
		for j < len(b) && b[j] != 'e' {
			next, err := skipBencodeValue(b, j)
			if err != nil {
				return 0, err
			}
			j = next
		}
		if j >= len(b) {
			return 0, errors.New("truncated bencode list")
		}
		return j + 1, nil
	case b[i] == 'd':
		j := i + 1
		for j < len(b) && b[j] != 'e' {
			next, err := skipBencodeValue(b, j) // key
			if err != nil {
				return 0, err
			}
			next, err = skipBencodeValue(b, next) // value
			if err != nil {
				return 0, err
			}
			j = next
		}
		if j >= len(b) {
			return 0, errors.New("truncated bencode dict")
		}
		return j + 1, nil
	default:
		return 0, fmt.Errorf("malformed bencode at offset %d", i)
	}
}

func decodeBencodeString(b []byte) (string, error) {
	colon := bytes.IndexByte(b, ':')
	if colon < 0 {
		return "", errors.New("malformed bencode string")
	}
	return string(b[colon+1:]), nil
}

func parseBencodeInt(b []byte) (int, error) {
	n := 0
	neg := false
	for idx, c := range b {
		if idx == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return 0, errors.New("malformed bencode integer")
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

// HashInfoBytes computes the info-hash (SHA-1 over the raw info dict bytes, spec.md §6.1).
func (mi *MetaInfo) HashInfoBytes() [20]byte {
	return sha1.Sum(mi.InfoBytes)
}

// IsMultiFile reports whether this is a multi-file torrent (info.files present).
func (info InfoDict) IsMultiFile() bool {
	return len(info.Files) > 0
}

// UpvertedFiles returns the file list in a uniform shape regardless of single/multi-file mode:
// a single-file torrent is presented as one FileDict named after info.name.
func (info InfoDict) UpvertedFiles() []FileDict {
	if info.IsMultiFile() {
		return info.Files
	}
	return []FileDict{{Length: info.Length, Path: []string{info.Name}}}
}

// TotalLength sums the length of every file.
func (info InfoDict) TotalLength() (total int64) {
	for _, f := range info.UpvertedFiles() {
		total += f.Length
	}
	return
}

// NumPieces is len(pieces)/20.
func (info InfoDict) NumPieces() int {
	return len(info.Pieces) / 20
}

// PieceHash returns the expected 20-byte SHA-1 for piece i.
func (info InfoDict) PieceHash(i int) ([20]byte, error) {
	var h [20]byte
	if i < 0 || i >= info.NumPieces() {
		return h, errors.New("metainfo: piece index out of range")
	}
	copy(h[:], info.Pieces[i*20:i*20+20])
	return h, nil
}

// Validate checks the structural invariants spec.md §6.1 requires at construction time:
// piece_length > 0, pieces length a multiple of 20, exactly one of length/files set, and every
// file path non-empty with no empty, "." or ".." component and only utf-8 components. Separators
// inside a component are not checked here (BuildFileInfos' sanitizer rejects the resulting
// components), and lossy decoding of non-utf8 names is the caller's job before Parse.
func (info InfoDict) Validate() error {
	if info.PieceLength <= 0 {
		return errors.New("metainfo: piece length must be > 0")
	}
	if len(info.Pieces)%20 != 0 {
		return errors.New("metainfo: pieces length must be a multiple of 20")
	}
	if info.IsMultiFile() && info.Length != 0 {
		return errors.New("metainfo: both length and files set")
	}
	if !info.IsMultiFile() && info.Length <= 0 {
		return errors.New("metainfo: single-file torrent must have length > 0")
	}
	for _, f := range info.UpvertedFiles() {
		if f.Length < 0 {
			return errors.New("metainfo: negative file length")
		}
		if len(f.Path) == 0 {
			return errors.New("metainfo: empty file path")
		}
		for _, comp := range f.Path {
			if comp == "" || comp == "." || comp == ".." {
				return fmt.Errorf("metainfo: invalid path component %q", comp)
			}
			if !utf8.ValidString(comp) {
				return errors.New("metainfo: non-utf8 path component")
			}
		}
	}
	return nil
}

// NamesAndLengths returns the joined relative path for every file, in UpvertedFiles order, and their
// lengths -- the shape BuildFileInfos in the root package expects.
func (info InfoDict) NamesAndLengths() (names []string, lengths []int64) {
	for _, f := range info.UpvertedFiles() {
		names = append(names, joinPath(f.Path))
		lengths = append(lengths, f.Length)
	}
	return
}

func joinPath(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "/" + p
	}
	return out
}
