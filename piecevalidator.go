package torrent

import (
	"context"
	"crypto/sha1"

	"github.com/mellum/btengine/metainfo"
	"github.com/mellum/btengine/storage"
)

// PieceValidator implements spec.md §4.4: reading a piece back from storage, hashing it, and
// committing or rejecting it. It is deliberately synchronous per-call; the torrent runs it on a
// dedicated worker so validation never blocks a peer's reader goroutine (spec.md: "triggered
// synchronously on a blocking worker").
type PieceValidator struct {
	lengths  Lengths
	info     metainfo.InfoDict
	files    []FileInfo
	storage  storage.TorrentStorage
	ct       *ChunkTracker
	onCommit func(piece pieceIndex)
	onMismatch func(piece pieceIndex, contributors []string)
}

func NewPieceValidator(
	l Lengths,
	info metainfo.InfoDict,
	files []FileInfo,
	st storage.TorrentStorage,
	ct *ChunkTracker,
	onCommit func(pieceIndex),
	onMismatch func(pieceIndex, []string),
) *PieceValidator {
	return &PieceValidator{lengths: l, info: info, files: files, storage: st, ct: ct, onCommit: onCommit, onMismatch: onMismatch}
}

// ValidatePiece implements spec.md §4.4 steps 1-4: read, hash, compare, commit or release.
func (v *PieceValidator) ValidatePiece(ctx context.Context, i pieceIndex) error {
	buf := make([]byte, v.lengths.PieceLengthAt(i))
	if err := v.readPieceBytes(ctx, i, buf); err != nil {
		return wrapStorageErr("pread", err)
	}
	got := sha1.Sum(buf)
	want, err := v.info.PieceHash(i)
	if err != nil {
		return err
	}
	if got != want {
		contributors := v.ct.Contributors(i)
		v.ct.ReleaseAllForPiece(i)
		if v.onMismatch != nil {
			v.onMismatch(i, contributors)
		}
		return &HashMismatchError{Piece: i}
	}
	v.ct.MarkHave(i)
	if err := v.storage.OnPieceCompleted(i); err != nil {
		return wrapStorageErr("on_piece_completed", err)
	}
	if v.onCommit != nil {
		v.onCommit(i)
	}
	return nil
}

// readPieceBytes reads every file slice intersecting piece i, in order, concatenating them into
// buf -- the same traversal the initial check uses (spec.md §4.4 step 1, §4.4 "Initial check").
func (v *PieceValidator) readPieceBytes(ctx context.Context, i pieceIndex, buf []byte) error {
	pieceStart := v.lengths.PieceOffset(i)
	pieceEnd := pieceStart + v.lengths.PieceLengthAt(i)
	for id, f := range v.files {
		fileStart := f.OffsetInTorrent
		fileEnd := fileStart + f.Length
		lo := max64(pieceStart, fileStart)
		hi := min64(pieceEnd, fileEnd)
		if lo >= hi {
			continue
		}
		if err := v.storage.Pread(ctx, storage.FileID(id), lo-fileStart, buf[lo-pieceStart:hi-pieceStart]); err != nil {
			return err
		}
	}
	return nil
}

// InitialCheck implements spec.md §4.4's "Initial check": walk every piece sequentially, hashing
// whatever file bytes exist, and set have accordingly. Missing/short files make their covered
// pieces invalid rather than erroring. It is idempotent (R4): running it twice on unchanged files
// yields the same have set, since it only ever sets bits, never clears ones already set by a
// previous run within the same call.
func (v *PieceValidator) InitialCheck(ctx context.Context) error {
	var completed []bool
	if loader, ok := v.storage.(storage.CompletionLoader); ok {
		if c, err := loader.LoadCompletion(v.lengths.NumPieces()); err == nil {
			completed = c
		}
	}

	for i := 0; i < v.lengths.NumPieces(); i++ {
		if !v.ct.Selected(i) {
			continue
		}
		if i < len(completed) && completed[i] {
			v.ct.MarkHave(i)
			continue
		}
		buf := make([]byte, v.lengths.PieceLengthAt(i))
		if err := v.readPieceBytes(ctx, i, buf); err != nil {
			// Missing or short file: treat as invalid for this piece, not a fatal error, and
			// move on to the next piece (spec.md §4.4 Initial check).
			continue
		}
		if sha1.Sum(buf) == mustPieceHash(v.info, i) {
			v.ct.MarkHave(i)
		}
	}
	return nil
}

func mustPieceHash(info metainfo.InfoDict, i pieceIndex) [20]byte {
	h, err := info.PieceHash(i)
	if err != nil {
		return [20]byte{}
	}
	return h
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
