package torrent

import "errors"

// ChunkSize is the BitTorrent wire "block" size. Fixed by convention at 16 KiB; most clients,
// ours included, refuse to request or serve anything larger.
const ChunkSize = 16 * 1024

// pieceIndex indexes into a torrent's pieces. Kept as a plain int (rather than a dedicated type)
// for arithmetic convenience; ValidPieceIndex below is the checked wrapper used at API
// boundaries.
type pieceIndex = int

// Lengths is the immutable derived arithmetic described in spec.md §3: given
// (total_length, piece_length, chunk_length) it answers every question about how many pieces and
// chunks the torrent has, and how big the last (possibly short) piece and chunk are.
type Lengths struct {
	totalLength pieceLength
	pieceLength pieceLength
	chunkLength pieceLength
}

type pieceLength = int64

// NewLengths validates and constructs a Lengths. chunkLength must be a power of two not
// exceeding pieceLength; in practice this is always ChunkSize, but callers in tests use smaller
// values to keep fixtures tiny.
func NewLengths(totalLength int64, pieceLength int64, chunkLength int64) (Lengths, error) {
	if totalLength <= 0 {
		return Lengths{}, errors.New("lengths: total_length must be > 0")
	}
	if pieceLength <= 0 {
		return Lengths{}, errors.New("lengths: piece_length must be > 0")
	}
	if chunkLength <= 0 || chunkLength&(chunkLength-1) != 0 {
		return Lengths{}, errors.New("lengths: chunk_length must be a power of two")
	}
	if chunkLength > pieceLength {
		return Lengths{}, errors.New("lengths: chunk_length must be <= piece_length")
	}
	return Lengths{totalLength, pieceLength, chunkLength}, nil
}

func (l Lengths) TotalLength() int64 { return l.totalLength }
func (l Lengths) PieceLength() int64 { return l.pieceLength }
func (l Lengths) ChunkLength() int64 { return l.chunkLength }

// NumPieces is total_pieces: ceil(total_length / piece_length).
func (l Lengths) NumPieces() int {
	return int(divRoundUp(l.totalLength, l.pieceLength))
}

// PieceOffset returns the torrent-absolute byte offset of piece i.
func (l Lengths) PieceOffset(i pieceIndex) int64 {
	return int64(i) * l.pieceLength
}

// PieceLengthAt returns the length of piece i, accounting for the possibly-short last piece.
// Invariant (spec.md §3): PieceOffset(i) + PieceLength(i) <= TotalLength for all valid i.
func (l Lengths) PieceLengthAt(i pieceIndex) int64 {
	if i == l.NumPieces()-1 {
		return l.LastPieceLength()
	}
	return l.pieceLength
}

// LastPieceLength is total_length mod piece_length, unless that's zero, in which case it's the
// full piece_length (spec.md §8 boundary behaviour).
func (l Lengths) LastPieceLength() int64 {
	rem := l.totalLength % l.pieceLength
	if rem == 0 {
		return l.pieceLength
	}
	return rem
}

// ChunksPerPiece is how many chunks a full-size piece has, counting a shorter final chunk when
// chunk_length does not divide piece_length.
func (l Lengths) ChunksPerPiece() int {
	return int(divRoundUp(l.pieceLength, l.chunkLength))
}

// LastChunkSize is piece_length mod chunk_length, unless that's zero, in which case the full
// chunk_length (spec.md §8).
func (l Lengths) LastChunkSize() int64 {
	rem := l.pieceLength % l.chunkLength
	if rem == 0 {
		return l.chunkLength
	}
	return rem
}

// NumChunksIn returns how many chunks compose piece i, which may be short for the last piece.
func (l Lengths) NumChunksIn(i pieceIndex) int {
	return int(divRoundUp(l.PieceLengthAt(i), l.chunkLength))
}

// ChunkSizeAt returns the size of chunk c within piece i.
func (l Lengths) ChunkSizeAt(i pieceIndex, c int) int64 {
	pieceLen := l.PieceLengthAt(i)
	offset := int64(c) * l.chunkLength
	rem := pieceLen - offset
	if rem < l.chunkLength {
		return rem
	}
	return l.chunkLength
}

// AbsoluteChunkIndexOffset returns the absolute-chunk-index of the first chunk of piece i -- the
// sum of NumChunksIn for every earlier piece. Only the last piece can have fewer chunks than
// ChunksPerPiece, so this is a closed-form expression.
func (l Lengths) AbsoluteChunkIndexOffset(i pieceIndex) int64 {
	return int64(i) * int64(l.ChunksPerPiece())
}

func divRoundUp(n, d int64) int64 {
	return (n + d - 1) / d
}

// ValidPieceIndex is a piece index known to be < NumPieces(), checked once at construction so
// later code never has to re-check "is this index in range" (spec.md §3).
type ValidPieceIndex struct {
	i pieceIndex
}

func (l Lengths) NewValidPieceIndex(i pieceIndex) (ValidPieceIndex, error) {
	if i < 0 || i >= l.NumPieces() {
		return ValidPieceIndex{}, errors.New("lengths: piece index out of range")
	}
	return ValidPieceIndex{i}, nil
}

func (v ValidPieceIndex) Int() pieceIndex { return v.i }

// ChunkInfo describes one 16 KiB (or shorter, at torrent end) transfer unit, per spec.md §3.
type ChunkInfo struct {
	PieceIndex         pieceIndex
	ChunkIndex         int
	OffsetInPiece      int64
	Size               int64
	AbsoluteChunkIndex int64
}

// ChunkInfoAt builds the ChunkInfo for chunk c of piece i.
func (l Lengths) ChunkInfoAt(i pieceIndex, c int) ChunkInfo {
	return ChunkInfo{
		PieceIndex:         i,
		ChunkIndex:         c,
		OffsetInPiece:      int64(c) * l.chunkLength,
		Size:               l.ChunkSizeAt(i, c),
		AbsoluteChunkIndex: l.AbsoluteChunkIndexOffset(i) + int64(c),
	}
}

// ChunkInfoFromAbsoluteIndex is the inverse of ChunkInfo.AbsoluteChunkIndex.
func (l Lengths) ChunkInfoFromAbsoluteIndex(abs int64) ChunkInfo {
	perPiece := int64(l.ChunksPerPiece())
	i := int(abs / perPiece)
	c := int(abs % perPiece)
	return l.ChunkInfoAt(i, c)
}
