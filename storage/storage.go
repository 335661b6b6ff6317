// Package storage implements the storage trait of spec.md §4.5: the engine never touches a
// filesystem, mmap, or database directly, it only calls through this interface. Three
// implementations are provided: an in-memory one for tests, a plain os.File-backed one for
// normal use, and an mmap-backed one for large sequential workloads. A separate Bolt-backed
// completion index wraps the os.File-backed one to persist the have-bitfield across restarts.
package storage

import (
	"context"
	"errors"
	"io"
)

// FileID identifies one file within a torrent's layout, by position in the upverted file list.
type FileID int

// FileMeta is the subset of a torrent's file layout a Storage implementation needs to open or
// create its backing files. It intentionally does not import the root package, to keep this
// package leaf-level and reusable.
type FileMeta struct {
	ID     FileID
	Path   string // sanitized, slash-separated, relative
	Length int64
}

// ErrFileNotAvailable is returned by Pread when the storage has been paused/taken and the
// original object is inert (spec.md §4.5, the `take()` contract).
var ErrFileNotAvailable = errors.New("storage: file not available")

// TorrentStorage is the per-torrent handle the engine holds; it is produced by a Storage
// factory's Init call once the file layout is known (possibly learned via metadata bootstrap).
type TorrentStorage interface {
	// Pread fills buf exactly from file id at the given offset, or returns an error (including
	// ErrFileNotAvailable if this handle has been superseded by Take).
	Pread(ctx context.Context, id FileID, offset int64, buf []byte) error
	// Pwrite writes buf exactly to file id at the given offset. Safe to call concurrently for
	// disjoint ranges, even of the same file.
	Pwrite(ctx context.Context, id FileID, offset int64, buf []byte) error
	// EnsureFileLength grows or truncates file id to length.
	EnsureFileLength(id FileID, length int64) error
	// RemoveFile best-effort deletes a file; a missing file is not an error.
	RemoveFile(id FileID) error
	// Take returns a new handle taking over the same files; this handle becomes inert
	// (subsequent Pread/Pwrite return ErrFileNotAvailable) — spec.md §4.5's Paused<->Live
	// storage-ownership transfer.
	Take() (TorrentStorage, error)
	// OnPieceCompleted is an optional hook for caches to flush; implementations that don't need
	// it can embed NopPieceCompletion.
	OnPieceCompleted(pieceIndex int) error
	io.Closer
}

// Storage is the factory collaborator: given a torrent's file layout, it opens (creating files
// as needed) and returns a TorrentStorage. Idempotent across pause/resume per spec.md §4.5.
type Storage interface {
	Init(files []FileMeta) (TorrentStorage, error)
}

// NopPieceCompletion can be embedded by TorrentStorage implementations that have no caches to
// flush on piece completion.
type NopPieceCompletion struct{}

func (NopPieceCompletion) OnPieceCompleted(int) error { return nil }

// InfoHashSetter is an optional interface a TorrentStorage handle may implement when it needs to
// know the owning torrent's info-hash before OnPieceCompleted/LoadCompletion are meaningful (a
// completion index shared across torrents, keyed by info-hash). The engine checks for this after
// Init and calls it once if present; implementations with no such need simply don't implement it.
type InfoHashSetter interface {
	SetInfoHash(ih [20]byte)
}

// CompletionLoader is an optional interface a TorrentStorage handle may implement to persist the
// have-bitfield across restarts. When present, the engine consults it before running a full
// initial hash check, skipping the hash for any piece already recorded complete (resume-without-
// rehash, per the original resume-data behavior this module's initial check is modeled on).
type CompletionLoader interface {
	LoadCompletion(numPieces int) ([]bool, error)
}
