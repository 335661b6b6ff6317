package torrent

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// ChunkTracker owns the three bitsets that govern what a torrent has, needs, and is currently
// fetching (spec.md §3): piece-granularity have/needed, and chunk-granularity inflight. It is the
// single place invariants I1-I4 (spec.md §8) are enforced:
//
//	I1 have[i] implies storage already holds a hash-verified piece i.
//	I2 inflight[c] implies some peer's own inflight set contains c.
//	I3 a peer may only have c inflight if its advertised bitfield has piece_of(c).
//	I4 at most one writer commits a chunk write for a given have[i]=1 transition.
//
// ChunkTracker itself only tracks the bitsets and the at-most-one-writer discipline for I4; I2/I3
// are enforced jointly with the per-peer inflight bookkeeping kept by the scheduler (scheduler.go),
// which consults Acquire's return value before issuing a REQUEST.
type ChunkTracker struct {
	mu sync.Mutex

	lengths Lengths

	have     *roaring.Bitmap // pieces verified on disk
	needed   *roaring.Bitmap // pieces selected and not yet have
	selected *roaring.Bitmap // pieces intersecting a user-selected file; nil means "all"

	// inflight maps a piece index to the set of chunk indices within it currently requested from
	// some peer. A piece with no entry has no chunks inflight.
	inflight map[pieceIndex]map[int]struct{}
	// writers enforces I4 at the validation step: at most one hash check of a given piece runs at
	// a time (TryBeginWrite/EndWrite). Chunk writes to storage are not gated by it.
	writers map[pieceIndex]struct{}
	// contributors records, per piece, which peers delivered a chunk toward it -- feeding the
	// smart-ban-style hook described in SPEC_FULL.md's supplemented features.
	contributors map[pieceIndex]map[string]struct{}
}

// NewChunkTracker builds a tracker with every piece needed and none had.
func NewChunkTracker(l Lengths) *ChunkTracker {
	needed := roaring.New()
	needed.AddRange(0, uint64(l.NumPieces()))
	return &ChunkTracker{
		lengths:      l,
		have:         roaring.New(),
		needed:       needed,
		inflight:     make(map[pieceIndex]map[int]struct{}),
		writers:      make(map[pieceIndex]struct{}),
		contributors: make(map[pieceIndex]map[string]struct{}),
	}
}

// SelectFiles restricts needed to the union of piece ranges intersecting the given files
// (SPEC_FULL.md's only_files feature). Pieces outside the selection that aren't already have
// become neither needed nor have, per spec.md §4.4's file-selection note.
func (ct *ChunkTracker) SelectFiles(files []FileInfo) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	sel := roaring.New()
	for _, f := range files {
		sel.AddRange(uint64(f.FirstPiece), uint64(f.LastPiece)+1)
	}
	ct.selected = sel
	ct.needed = roaring.AndNot(sel, ct.have)
}

// MarkHave records piece i as verified: removed from needed, added to have. Idempotent.
func (ct *ChunkTracker) MarkHave(i pieceIndex) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.have.Add(uint32(i))
	ct.needed.Remove(uint32(i))
	delete(ct.inflight, i)
	delete(ct.writers, i)
	delete(ct.contributors, i)
}

// Selected reports whether piece i intersects the current file selection (true for every piece
// when SelectFiles has never been called, i.e. the whole torrent is selected).
func (ct *ChunkTracker) Selected(i pieceIndex) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.selected == nil {
		return true
	}
	return ct.selected.Contains(uint32(i))
}

// Have reports whether piece i has been verified.
func (ct *ChunkTracker) Have(i pieceIndex) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.have.Contains(uint32(i))
}

// HaveBitfield returns a snapshot of the have set as one bool per piece (entry i is piece i),
// sized to NumPieces. It is not packed; torrent.go's bitfieldBytes packs it MSB-first for the
// BITFIELD message.
func (ct *ChunkTracker) HaveBitfield() []bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	out := make([]bool, ct.lengths.NumPieces())
	it := ct.have.Iterator()
	for it.HasNext() {
		out[it.Next()] = true
	}
	return out
}

// NumNeeded is the count of pieces still needed, used to decide when to enter endgame.
func (ct *ChunkTracker) NumNeeded() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return int(ct.needed.GetCardinality())
}

// NeededPieces returns the needed piece indices, ordered ascending. Callers (scheduler.go)
// reorder this by rarity/priority; ChunkTracker itself has no opinion on ordering.
func (ct *ChunkTracker) NeededPieces() []pieceIndex {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	out := make([]pieceIndex, 0, ct.needed.GetCardinality())
	it := ct.needed.Iterator()
	for it.HasNext() {
		out = append(out, pieceIndex(it.Next()))
	}
	return out
}

// Acquirable reports whether chunk c of piece i can be requested right now: the piece must still
// be needed and that particular chunk not already inflight. Endgame callers bypass the
// not-already-inflight check explicitly via AcquireRedundant.
func (ct *ChunkTracker) Acquirable(i pieceIndex, c int) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.acquirableLocked(i, c)
}

func (ct *ChunkTracker) acquirableLocked(i pieceIndex, c int) bool {
	if !ct.needed.Contains(uint32(i)) {
		return false
	}
	chunks, ok := ct.inflight[i]
	if !ok {
		return true
	}
	_, inflight := chunks[c]
	return !inflight
}

// Acquire marks chunk c of piece i inflight, failing if it is no longer acquirable (lost the
// race to another goroutine between candidate selection and this call).
func (ct *ChunkTracker) Acquire(i pieceIndex, c int) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if !ct.acquirableLocked(i, c) {
		return false
	}
	ct.markInflightLocked(i, c)
	return true
}

// AcquireRedundant force-marks a chunk inflight even if another peer already has it inflight;
// used only during endgame, where the same chunk is deliberately requested from multiple peers
// to avoid tail latency (spec.md §4.3, GLOSSARY "Endgame").
func (ct *ChunkTracker) AcquireRedundant(i pieceIndex, c int) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if !ct.needed.Contains(uint32(i)) {
		return false
	}
	ct.markInflightLocked(i, c)
	return true
}

func (ct *ChunkTracker) markInflightLocked(i pieceIndex, c int) {
	chunks, ok := ct.inflight[i]
	if !ok {
		chunks = make(map[int]struct{})
		ct.inflight[i] = chunks
	}
	chunks[c] = struct{}{}
}

// Release clears chunk c of piece i from inflight without marking it had -- used on peer
// disconnect/choke/cancel so the chunk becomes acquirable again (spec.md scenario 4).
func (ct *ChunkTracker) Release(i pieceIndex, c int) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if chunks, ok := ct.inflight[i]; ok {
		delete(chunks, c)
		if len(chunks) == 0 {
			delete(ct.inflight, i)
		}
	}
}

// ReleaseAllForPiece clears every inflight chunk of piece i -- used after a HashMismatch, so the
// whole piece is requested again from scratch (spec.md §7 HashMismatch recovery).
func (ct *ChunkTracker) ReleaseAllForPiece(i pieceIndex) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	delete(ct.inflight, i)
	delete(ct.writers, i)
	delete(ct.contributors, i)
}

// TryBeginWrite enforces I4 (at-most-one-writer-per-piece) for validation: returns true and records
// ownership if no validation of piece i is currently running; otherwise returns false and the
// caller does not start another one.
func (ct *ChunkTracker) TryBeginWrite(i pieceIndex) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if _, busy := ct.writers[i]; busy {
		return false
	}
	ct.writers[i] = struct{}{}
	return true
}

// EndWrite releases the write-ownership token acquired by TryBeginWrite, regardless of whether
// the hash check that followed passed or failed.
func (ct *ChunkTracker) EndWrite(i pieceIndex) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	delete(ct.writers, i)
}

// RecordContributor notes that peerID delivered a chunk toward piece i, for the smart-ban-style
// hook: if the piece later fails its hash check, every recorded contributor is suspect.
func (ct *ChunkTracker) RecordContributor(i pieceIndex, peerID string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	m, ok := ct.contributors[i]
	if !ok {
		m = make(map[string]struct{})
		ct.contributors[i] = m
	}
	m[peerID] = struct{}{}
}

// Contributors returns the peer ids recorded against piece i since its last MarkHave or
// ReleaseAllForPiece.
func (ct *ChunkTracker) Contributors(i pieceIndex) []string {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	m := ct.contributors[i]
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}

// NumInflightChunks reports how many chunks currently have an outstanding request against them.
// Distinct from the scheduler's own remainingChunks, which counts chunks still needed regardless
// of inflight state; this one is a plain accessor for tests and diagnostics.
func (ct *ChunkTracker) NumInflightChunks() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	n := 0
	for _, chunks := range ct.inflight {
		n += len(chunks)
	}
	return n
}
