package torrent

import (
	"errors"
	"path"
	"strings"
)

// FileInfo describes one file within a (possibly multi-file) torrent, per spec.md §3.
type FileInfo struct {
	RelativePath    string
	OffsetInTorrent int64
	Length          int64
	// PieceRange is [FirstPiece, LastPiece] inclusive.
	FirstPiece pieceIndex
	LastPiece  pieceIndex
}

// BuildFileInfos computes FileInfo.PieceRange for every file given the torrent's Lengths,
// following spec.md §3: "the piece range of a file is [first_piece, last_piece] inclusive, using
// the torrent-absolute byte offset of file start and end."
func BuildFileInfos(l Lengths, names []string, lengths []int64) ([]FileInfo, error) {
	if len(names) != len(lengths) {
		return nil, errors.New("fileinfo: names and lengths length mismatch")
	}
	out := make([]FileInfo, len(names))
	var offset int64
	for idx, name := range names {
		clean, err := sanitizeRelativePath(name)
		if err != nil {
			return nil, err
		}
		length := lengths[idx]
		if length < 0 {
			return nil, errors.New("fileinfo: negative file length")
		}
		fi := FileInfo{
			RelativePath:    clean,
			OffsetInTorrent: offset,
			Length:          length,
		}
		if length == 0 {
			fi.FirstPiece = int(offset / l.PieceLength())
			fi.LastPiece = fi.FirstPiece
		} else {
			fi.FirstPiece = int(offset / l.PieceLength())
			fi.LastPiece = int((offset + length - 1) / l.PieceLength())
		}
		out[idx] = fi
		offset += length
	}
	if offset != l.TotalLength() {
		return nil, errors.New("fileinfo: sum of file lengths does not match total_length")
	}
	return out, nil
}

// sanitizeRelativePath enforces the filename policy from spec.md §6.1: no path traversal, no
// absolute components, no empty components, and utf-8 path components (the caller is expected to
// have already lossy-decoded non-utf8 bytes before calling this).
func sanitizeRelativePath(p string) (string, error) {
	if p == "" {
		return "", errors.New("fileinfo: empty path")
	}
	if path.IsAbs(p) {
		return "", errors.New("fileinfo: absolute path not allowed")
	}
	parts := strings.Split(filepathToSlash(p), "/")
	for _, part := range parts {
		switch part {
		case "":
			return "", errors.New("fileinfo: empty path component")
		case ".", "..":
			return "", errors.New("fileinfo: path traversal component not allowed")
		}
	}
	return path.Join(parts...), nil
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}
