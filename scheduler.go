package torrent

import (
	"sort"
	"time"

	"github.com/anacrolix/multiless"
)

// stealThresholdFactor is the "slower by a factor >= 2" rule from spec.md §4.3's Stealing step.
const stealThresholdFactor = 2.0

// Scheduler is the event-driven piece/chunk picker of spec.md §4.3: the authoritative producer of
// REQUESTs and consumer of PIECEs. It holds no goroutine of its own; the torrent calls into it
// from whichever goroutine observed the triggering event (bitfield received, chunk received,
// peer dropped, ...). These calls are not serialized by the torrent's lock; ChunkTracker, PeerSet
// and each PeerConn guard their own state with their own locks.
type Scheduler struct {
	t       *Torrent
	ct      *ChunkTracker
	lengths Lengths
	cfg     Config

	// streamingFiles, if non-empty, are files whose first/last pieces should be prioritized ahead
	// of rarest-first (SPEC_FULL.md's streaming file priority feature).
	streamingFiles []FileInfo
}

func NewScheduler(t *Torrent, ct *ChunkTracker, l Lengths, cfg Config) *Scheduler {
	return &Scheduler{t: t, ct: ct, lengths: l, cfg: cfg}
}

// SetStreamingFiles installs the files whose boundary pieces should be fetched first, per
// SPEC_FULL.md's FilePriority feature (a streaming player needs its first and last pieces before
// anything else, to show duration and allow seeking).
func (s *Scheduler) SetStreamingFiles(files []FileInfo) {
	s.streamingFiles = files
}

// OnPeerLive is the "peer became live with bitfield" event; it kicks off a request pass for the
// new peer.
func (s *Scheduler) OnPeerLive(pc *PeerConn) {
	s.fillRequests(pc)
}

// OnHave is the "peer sent HAVE" event.
func (s *Scheduler) OnHave(pc *PeerConn, piece int) {
	pc.applyHave(piece)
	s.fillRequests(pc)
}

// OnUnchoke is the "peer sent UNCHOKE" event: i_am_choked becomes false, so requests can flow.
func (s *Scheduler) OnUnchoke(pc *PeerConn) {
	pc.mu.Lock()
	pc.peerChoking = false
	pc.mu.Unlock()
	s.fillRequests(pc)
}

// OnChoke is the "peer sent CHOKE" event: drop all inflight for this peer and make those chunks
// reassignable (spec.md §4.3, end-to-end scenario 4).
func (s *Scheduler) OnChoke(pc *PeerConn) {
	pc.mu.Lock()
	pc.peerChoking = true
	inflight := pc.inflight
	pc.inflight = make(map[int64]pendingRequest)
	pc.mu.Unlock()
	for _, req := range inflight {
		s.ct.Release(req.info.PieceIndex, req.info.ChunkIndex)
	}
	s.fillOtherPeers(pc)
}

// OnPeerDropped is the "peer dropped" event: its inflight chunks become reassignable.
func (s *Scheduler) OnPeerDropped(pc *PeerConn) {
	s.OnChoke(pc) // same cleanup: release everything this peer held
}

// OnPieceCommitted is the "storage committed a piece" event: broadcast HAVE to all live peers and
// recompute interest (since a completed piece may make some peers NotNeeded).
func (s *Scheduler) OnPieceCommitted(piece int) {
	for _, pc := range s.t.peers.LiveConns() {
		pc.send(haveMessage(piece))
	}
	s.recomputeInterest()
}

// candidatePieces computes peer_bitfield(P) ∩ needed_pieces ∩ ¬fully_inflight (spec.md §4.3
// step 2), where "fully inflight" means every chunk of the piece already has some peer's request
// outstanding for it (endgame is the only time we request a chunk twice).
func (s *Scheduler) candidatePieces(pc *PeerConn) []pieceIndex {
	needed := s.ct.NeededPieces()
	out := make([]pieceIndex, 0, len(needed))
	for _, i := range needed {
		if !pc.HasPiece(i) {
			continue
		}
		if s.pieceFullyInflight(i) {
			continue
		}
		out = append(out, i)
	}
	return out
}

func (s *Scheduler) pieceFullyInflight(i pieceIndex) bool {
	for c := 0; c < s.lengths.NumChunksIn(i); c++ {
		if s.ct.Acquirable(i, c) {
			return false
		}
	}
	return true
}

// orderPieces implements spec.md §4.3 step 3: streaming priority first (if configured), else
// rarest-first by live-peer count, tie-broken by lowest index.
func (s *Scheduler) orderPieces(candidates []pieceIndex) []pieceIndex {
	priority := s.streamingPrioritySet()
	rarity := s.rarityOf(candidates)

	sort.Slice(candidates, func(i, j int) bool {
		pi, pj := candidates[i], candidates[j]
		if priority[pi] != priority[pj] {
			return priority[pi] // true (prioritized) sorts first
		}
		if rarity[pi] != rarity[pj] {
			return rarity[pi] < rarity[pj]
		}
		return pi < pj
	})
	return candidates
}

func (s *Scheduler) streamingPrioritySet() map[pieceIndex]bool {
	out := make(map[pieceIndex]bool)
	for _, f := range s.streamingFiles {
		out[f.FirstPiece] = true
		out[f.LastPiece] = true
	}
	return out
}

func (s *Scheduler) rarityOf(candidates []pieceIndex) map[pieceIndex]int {
	rarity := make(map[pieceIndex]int, len(candidates))
	for _, i := range candidates {
		rarity[i] = 0
	}
	for _, pc := range s.t.peers.LiveConns() {
		bm := pc.PieceBitmap()
		for i := range rarity {
			if bm.Contains(uint32(i)) {
				rarity[i]++
			}
		}
	}
	return rarity
}

// fillRequests issues as many REQUESTs toward pc as its inflight budget and the available
// candidates allow (spec.md §4.3 steps 1-4).
func (s *Scheduler) fillRequests(pc *PeerConn) {
	wantSomething := len(s.candidatePieces(pc)) > 0
	pc.mu.Lock()
	becameInterested := wantSomething && !pc.amInterested
	if becameInterested {
		pc.amInterested = true
	}
	choked := pc.peerChoking
	numInflight := len(pc.inflight)
	pc.mu.Unlock()
	if becameInterested {
		pc.send(interestedMessage())
	}
	if choked {
		return
	}

	endgame := s.inEndgame()
	budget := s.cfg.MaxInflightPerPeer - numInflight
	if budget <= 0 && !endgame {
		return
	}

	candidates := s.orderPieces(s.candidatePieces(pc))
	if endgame {
		var held []pieceIndex
		for _, i := range s.ct.NeededPieces() {
			if pc.HasPiece(i) {
				held = append(held, i)
			}
		}
		candidates = s.orderPieces(held)
	}

	// spec.md step 5, Stealing: no fresh chunks for pc, but some are inflight on other, slower
	// peers. Not attempted in endgame, which already requests every needed chunk from everyone.
	if len(candidates) == 0 && !endgame {
		for budget > 0 && s.TryStealFrom(pc) {
			budget--
		}
		return
	}

	for _, piece := range candidates {
		if budget <= 0 && !endgame {
			break
		}
		for c := 0; c < s.lengths.NumChunksIn(piece); c++ {
			var ok bool
			if endgame {
				ok = s.ct.AcquireRedundant(piece, c)
			} else {
				ok = s.ct.Acquire(piece, c)
			}
			if !ok {
				continue
			}
			info := s.lengths.ChunkInfoAt(piece, c)
			pc.mu.Lock()
			pc.inflight[info.AbsoluteChunkIndex] = pendingRequest{info: info, requested: time.Now()}
			pc.mu.Unlock()
			pc.send(requestMessage(info))
			budget--
			if budget <= 0 && !endgame {
				break
			}
		}
	}
}

// fillOtherPeers re-runs fillRequests for every other live peer, used after releasing a batch of
// chunks (choke/disconnect) so the freed work is picked up promptly rather than waiting for the
// next unrelated event.
func (s *Scheduler) fillOtherPeers(except *PeerConn) {
	for _, pc := range s.t.peers.LiveConns() {
		if pc == except {
			continue
		}
		s.fillRequests(pc)
	}
}

// inEndgame implements spec.md §4.3 step 6's two alternative triggers.
func (s *Scheduler) inEndgame() bool {
	if s.ct.NumNeeded() <= s.cfg.EndgameThreshold {
		return true
	}
	remaining := s.remainingChunks()
	return remaining <= 2*s.cfg.MaxInflightPerPeer
}

func (s *Scheduler) remainingChunks() int {
	total := 0
	for _, i := range s.ct.NeededPieces() {
		total += s.lengths.NumChunksIn(i)
	}
	return total
}

// peerThroughput is the peer's cumulative downloaded payload bytes (stats.BytesRead), used as a
// crude proxy for stealing comparisons; it is not divided by elapsed time and does not weight
// recent transfers over old ones.
func peerThroughput(pc *PeerConn) float64 {
	return float64(pc.stats.BytesRead.Int64())
}

// TryStealFrom looks for an inflight chunk belonging to a slower peer that `to` could fetch
// faster, per spec.md §4.3 step 5. On success it sends CANCEL to the loser and reassigns the
// chunk to `to`.
func (s *Scheduler) TryStealFrom(to *PeerConn) bool {
	toThroughput := peerThroughput(to)
	for _, from := range s.t.peers.LiveConns() {
		if from == to {
			continue
		}
		fromThroughput := peerThroughput(from)
		cmp := multiless.New().Int64(int64(fromThroughput*stealThresholdFactor), int64(toThroughput)).OrderingInt()
		if cmp >= 0 {
			continue // `from` is not slower than `to` by the required factor
		}
		from.mu.Lock()
		var stolen *pendingRequest
		var key int64
		for k, req := range from.inflight {
			if !to.HasPiece(req.info.PieceIndex) {
				continue
			}
			r := req
			stolen = &r
			key = k
			break
		}
		if stolen != nil {
			delete(from.inflight, key)
		}
		from.mu.Unlock()
		if stolen == nil {
			continue
		}
		from.send(cancelMessage(stolen.info))
		from.stats.ChunksStolen.Add(1)
		to.stats.ChunksStolenBy.Add(1)
		to.mu.Lock()
		to.inflight[stolen.info.AbsoluteChunkIndex] = pendingRequest{info: stolen.info, requested: time.Now()}
		to.mu.Unlock()
		to.send(requestMessage(stolen.info))
		return true
	}
	return false
}

// recomputeInterest implements spec.md §4.3's "Interest maintenance": after every bitfield
// change, decide whether we still want anything from each peer, and demote peers we no longer
// need (and who don't need us) to NotNeeded.
func (s *Scheduler) recomputeInterest() {
	for _, pc := range s.t.peers.LiveConns() {
		wantSomething := len(s.candidatePieces(pc)) > 0
		pc.mu.Lock()
		changed := pc.amInterested != wantSomething
		pc.amInterested = wantSomething
		peerInterested := pc.peerInterested
		pc.mu.Unlock()
		if changed {
			if wantSomething {
				pc.send(interestedMessage())
			} else {
				pc.send(notInterestedMessage())
			}
		}
		if !wantSomething && !peerInterested {
			s.t.peers.MarkNotNeeded(pc.addr)
		}
	}
}
