package torrent

import (
	"context"
	"fmt"
	"time"

	"github.com/anacrolix/log"
	"golang.org/x/sync/errgroup"

	"github.com/mellum/btengine/bitfield"
	"github.com/mellum/btengine/metainfo"
	pp "github.com/mellum/btengine/peer_protocol"
	"github.com/mellum/btengine/storage"
)

// TorrentState is the outer per-torrent FSM of spec.md §4.7: Initializing -> Paused <-> Live ->
// Error.
type TorrentState int

const (
	StateInitializing TorrentState = iota
	StatePaused
	StateLive
	StateError
)

func (s TorrentState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StatePaused:
		return "paused"
	case StateLive:
		return "live"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// EventKind is the event sink's vocabulary (spec.md §6.4): {TorrentAdded, Paused, Started,
// Deleted, Completed, Errored}.
type EventKind int

const (
	EventTorrentAdded EventKind = iota
	EventPaused
	EventStarted
	EventDeleted
	EventCompleted
	EventErrored
)

// TorrentEvent is one notification delivered to the EventSink collaborator.
type TorrentEvent struct {
	Kind     EventKind
	InfoHash Id20
	Err      error // set only for EventErrored
}

// EventSink is the out-of-process collaborator spec.md §6.4 describes: "receives
// {TorrentAdded, Paused, Started, Deleted, Completed, Errored} with the torrent's info-hash."
type EventSink interface {
	Notify(TorrentEvent)
}

// NopEventSink discards every event; used by callers that don't care.
type NopEventSink struct{}

func (NopEventSink) Notify(TorrentEvent) {}

// TorrentOpts are the construction-time parameters a caller supplies, filling in what either the
// .torrent file or the magnet link didn't already determine.
type TorrentOpts struct {
	InfoHash  Id20
	OurPeerID Id20
	Cfg       Config
	Dialer    Dialer
	Storage   storage.Storage
	Events    EventSink
	// Logger receives diagnostic output; pass log.Default for the standard anacrolix/log sink.
	Logger     log.Logger
	DownloadRL *RateLimiter
	UploadRL   *RateLimiter

	// MetaInfo is set when the torrent was added from a .torrent file; nil means "magnet start",
	// and metadata bootstrap must run first (spec.md §4.6).
	MetaInfo *metainfo.MetaInfo
	// OnlyFiles, if non-nil, restricts which files are fetched (SPEC_FULL.md's file-selection
	// feature); paths must match metainfo names exactly.
	OnlyFiles []string
	// StreamingFiles names files whose boundary pieces should be prioritized
	// (SPEC_FULL.md's streaming priority feature).
	StreamingFiles []string
}

// Torrent is one download/upload in progress: the root object tying together the chunk tracker,
// scheduler, peer set, storage, and (optionally) metadata bootstrap described across spec.md
// §4.1-§4.7. The state transitions Start, Pause, Resume and fail, plus WaitCompleted and the
// completion broadcast, go through a single lockWithDeferreds, the lock type the teacher's
// Client/Torrent pair uses. Peer-message handling and the scheduler calls it triggers run on each
// peer's reader goroutine without that lock, relying on the locks inside ChunkTracker, PeerSet and
// PeerConn.
type Torrent struct {
	infoHash       Id20
	ourPeerID      Id20
	cfg            Config
	dialer         Dialer
	storageFactory storage.Storage
	events         EventSink
	logger         log.Logger
	downloadRL     *RateLimiter
	uploadRL       *RateLimiter

	lock lockWithDeferreds
	// completedCond wakes any goroutine blocked in WaitCompleted once every selected piece has
	// been committed.
	completedCond Event

	state    TorrentState
	stateErr error

	mi      *metainfo.MetaInfo
	lengths Lengths
	files   []FileInfo

	ct        *ChunkTracker
	sched     *Scheduler
	peers     *PeerSet
	validator *PieceValidator
	metaBoot  *MetadataBootstrap

	storageHandle storage.TorrentStorage

	cancel context.CancelFunc
	ctx    context.Context
}

// NewTorrent constructs a Torrent from TorrentOpts. If opts.MetaInfo is nil the torrent starts in
// Initializing with a pending MetadataBootstrap (spec.md §4.6); callers must still call Start to
// begin dialing peers.
func NewTorrent(opts TorrentOpts) (*Torrent, error) {
	events := opts.Events
	if events == nil {
		events = NopEventSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Torrent{
		infoHash:       opts.InfoHash,
		ourPeerID:      opts.OurPeerID,
		cfg:            opts.Cfg,
		dialer:         opts.Dialer,
		storageFactory: opts.Storage,
		events:         events,
		logger:         opts.Logger,
		downloadRL:     opts.DownloadRL,
		uploadRL:       opts.UploadRL,
		state:          StateInitializing,
		peers:          NewPeerSet(opts.Cfg.PeerBackoff),
		cancel:         cancel,
		ctx:            ctx,
	}
	t.events.Notify(TorrentEvent{Kind: EventTorrentAdded, InfoHash: t.infoHash})

	if opts.MetaInfo != nil {
		if err := t.adoptMetaInfo(opts.MetaInfo, opts.OnlyFiles, opts.StreamingFiles); err != nil {
			return nil, err
		}
	} else {
		t.metaBoot = NewMetadataBootstrap(opts.InfoHash, opts.Cfg.MaxMetadataBytes)
	}
	return t, nil
}

// adoptMetaInfo wires up Lengths, FileInfo, storage, ChunkTracker, Scheduler and PieceValidator
// once the info dictionary is known (either supplied up front or assembled by metadata
// bootstrap), per spec.md §4.6 step 6: "populate Lengths, FileInfo[], pieces hash table".
func (t *Torrent) adoptMetaInfo(mi *metainfo.MetaInfo, onlyFiles, streamingFiles []string) error {
	if err := mi.Info.Validate(); err != nil {
		return err
	}
	if mi.Info.PieceLength > t.cfg.PieceLengthCap {
		return fmt.Errorf("torrent: piece length %d exceeds cap %d", mi.Info.PieceLength, t.cfg.PieceLengthCap)
	}
	names, lengths := mi.Info.NamesAndLengths()
	l, err := NewLengths(mi.Info.TotalLength(), mi.Info.PieceLength, ChunkSize)
	if err != nil {
		return err
	}
	files, err := BuildFileInfos(l, names, lengths)
	if err != nil {
		return err
	}

	metas := make([]storage.FileMeta, len(files))
	for i, f := range files {
		metas[i] = storage.FileMeta{ID: storage.FileID(i), Path: f.RelativePath, Length: f.Length}
	}
	handle, err := t.storageFactory.Init(metas)
	if err != nil {
		return wrapStorageErr("init", err)
	}
	if setter, ok := handle.(storage.InfoHashSetter); ok {
		setter.SetInfoHash([20]byte(t.infoHash))
	}

	t.mi = mi
	t.lengths = l
	t.files = files
	t.storageHandle = handle
	t.ct = NewChunkTracker(l)
	if len(onlyFiles) > 0 {
		t.ct.SelectFiles(selectFileInfos(files, onlyFiles))
	}
	t.sched = NewScheduler(t, t.ct, l, t.cfg)
	if len(streamingFiles) > 0 {
		t.sched.SetStreamingFiles(selectFileInfos(files, streamingFiles))
	}
	t.validator = NewPieceValidator(l, mi.Info, files, handle, t.ct, t.onPieceCommitted, t.onPieceMismatch)
	return nil
}

func selectFileInfos(all []FileInfo, names []string) []FileInfo {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []FileInfo
	for _, f := range all {
		if want[f.RelativePath] {
			out = append(out, f)
		}
	}
	return out
}

// Start runs the initial check (waiting for metadata bootstrap first, for a magnet start) and
// transitions the torrent to Live, per spec.md §4.7's "Initializing -> Live (check done,
// auto-start)".
func (t *Torrent) Start(ctx context.Context) error {
	if t.mi == nil {
		mi, err := t.metaBoot.Wait(ctx)
		if err != nil {
			t.fail(err)
			return err
		}
		if err := t.adoptMetaInfo(mi, nil, nil); err != nil {
			t.fail(err)
			return err
		}
	}

	if err := t.validator.InitialCheck(ctx); err != nil {
		t.fail(err)
		return err
	}

	t.lock.Lock()
	t.state = StateLive
	t.lock.Unlock()
	t.events.Notify(TorrentEvent{Kind: EventStarted, InfoHash: t.infoHash})

	go t.dialLoop()
	return nil
}

// dialLoop is the "open connections to peers from the address stream" half of spec.md §4.6 step
// 1 and §4.7's peer set: it polls DialableAddrs and dials whatever is eligible, backing off
// entries that fail per Config.PeerBackoff.
func (t *Torrent) dialLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
		}
		t.lock.RLock()
		live := t.state == StateLive
		t.lock.RUnlock()
		if !live {
			continue
		}
		for _, addr := range t.peers.DialableAddrs(time.Now()) {
			if !t.peers.MarkConnecting(addr) {
				continue
			}
			go t.dialOne(addr)
		}
	}
}

// AddPeerAddr feeds one address from the external peer-address stream (spec.md §6.4 "Peer
// source"); duplicates are silently deduplicated by the peer set.
func (t *Torrent) AddPeerAddr(addr string) {
	t.peers.AddAddr(addr)
}

func (t *Torrent) dialOne(addr string) {
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.ConnectTimeout)
	defer cancel()
	conn, err := t.dialer.Dial(ctx, addr)
	if err != nil {
		t.peers.MarkConnectFailed(addr, time.Now(), t.cfg.MaxConnectFailuresPerPeer)
		return
	}
	pc := newPeerConn(t, addr, conn, t.logger)
	if err := pc.outgoingHandshake(ctx, t.ourPeerID, t.infoHash); err != nil {
		conn.Close()
		t.peers.MarkConnectFailed(addr, time.Now(), t.cfg.MaxConnectFailuresPerPeer)
		return
	}
	t.onPeerHandshaked(pc)
}

// onPeerHandshaked brings up the writer/reader goroutines and performs the remaining handshake
// steps (extended handshake, bitfield, unchoke) from spec.md §4.2's 5-step sequence; INTERESTED
// is sent by the scheduler's request pass (OnPeerLive, and again on BITFIELD/HAVE) as soon as the
// peer has a piece we need.
func (t *Torrent) onPeerHandshaked(pc *PeerConn) {
	pc.startWriter(t.cfg.KeepaliveInterval)
	if pc.extended {
		if err := pc.sendExtendedHandshake(); err != nil {
			pc.close()
			return
		}
	}
	if t.ct != nil {
		pc.send(pp.Message{Type: pp.Bitfield, Piece: bitfieldBytes(t.ct.HaveBitfield())})
	}
	pc.mu.Lock()
	pc.amChoking = false
	pc.mu.Unlock()
	pc.send(unchokeMessage())

	t.peers.MarkLive(pc.addr, pc)
	go pc.readLoop(pp.DefaultMaxMessageLength, t.maxPieceLength(), t.cfg.RWTimeout)

	if t.sched != nil {
		t.sched.OnPeerLive(pc)
	}
}

func (t *Torrent) maxPieceLength() int {
	return pp.PiecePreambleLen + int(t.lengths.ChunkLength())
}

func bitfieldBytes(have []bool) []byte {
	out := make([]byte, (len(have)+7)/8)
	for i, v := range have {
		if v {
			out[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return out
}

// handlePeerMessage is the reader goroutine's single dispatch point (spec.md §4.3 Events): every
// inbound message either updates peer bookkeeping, feeds the scheduler, or (for PIECE) writes a
// chunk and may trigger validation.
func (t *Torrent) handlePeerMessage(pc *PeerConn, msg pp.Message) {
	if msg.Keepalive {
		return
	}
	switch msg.Type {
	case pp.Choke:
		pc.mu.Lock()
		pc.peerChoking = true
		pc.mu.Unlock()
		if t.sched != nil {
			t.sched.OnChoke(pc)
		}
	case pp.Unchoke:
		if t.sched != nil {
			t.sched.OnUnchoke(pc)
		}
	case pp.Interested:
		pc.mu.Lock()
		pc.peerInterested = true
		pc.mu.Unlock()
	case pp.NotInterested:
		pc.mu.Lock()
		pc.peerInterested = false
		pc.mu.Unlock()
	case pp.Have:
		if vi, err := t.lengths.NewValidPieceIndex(pieceIndex(msg.Index)); err == nil && t.sched != nil {
			t.sched.OnHave(pc, vi.Int())
		}
	case pp.Bitfield:
		if t.lengths.NumPieces() > 0 {
			if bf, err := bitfield.FromBytes(msg.Piece, t.lengths.NumPieces()); err == nil {
				pc.applyBitfield(bf)
			}
		}
		if t.sched != nil {
			t.sched.OnPeerLive(pc)
		}
	case pp.Request:
		if _, err := t.lengths.NewValidPieceIndex(pieceIndex(msg.Index)); err == nil {
			t.onPeerRequest(pc, msg)
		}
	case pp.Cancel:
		// Every upload response is written and sent inline from onPeerRequest, so there is
		// nothing queued long enough for a CANCEL to usefully race against.
	case pp.Piece:
		if _, err := t.lengths.NewValidPieceIndex(pieceIndex(msg.Index)); err == nil {
			t.onPeerPiece(pc, msg)
		}
	case pp.Extended:
		t.onExtendedMessage(pc, msg)
	}
}

func (t *Torrent) onExtendedMessage(pc *PeerConn, msg pp.Message) {
	em, err := pp.DecodeExtended(msg, pp.UtMetadataID)
	if err != nil {
		return
	}
	switch em.Kind {
	case pp.ExtendedKindHandshake:
		pc.mu.Lock()
		pc.extended = true
		pc.mu.Unlock()
		if t.metaBoot != nil {
			t.metaBoot.OnExtendedHandshake(pc, em.Handshake)
		}
	case pp.ExtendedKindUtMetadata:
		if t.metaBoot != nil {
			t.metaBoot.OnUtMetadataMessage(pc, em.UtMetaDict, em.UtMetaData)
		} else if em.UtMetaDict.MsgType == pp.UtMetadataRequest {
			t.onUtMetadataRequest(pc, em.UtMetaDict)
		}
	}
}

// onUtMetadataRequest serves a ut_metadata chunk request once we already know the full info dict
// (serving side of spec.md §4.6, symmetric to the requesting side MetadataBootstrap implements).
func (t *Torrent) onUtMetadataRequest(pc *PeerConn, d pp.UtMetadataDict) {
	if t.mi == nil {
		return
	}
	pc.mu.RLock()
	idOpt := pc.utMetadataPeerID
	pc.mu.RUnlock()
	if !idOpt.Ok {
		return
	}
	offset := d.Piece * utMetadataChunkSize
	if offset < 0 || offset >= int64(len(t.mi.InfoBytes)) {
		return
	}
	end := offset + utMetadataChunkSize
	if end > int64(len(t.mi.InfoBytes)) {
		end = int64(len(t.mi.InfoBytes))
	}
	reply := pp.UtMetadataDict{MsgType: pp.UtMetadataData, Piece: d.Piece, TotalSize: int64(len(t.mi.InfoBytes))}
	payload, err := pp.MarshalUtMetadataDict(reply)
	if err != nil {
		return
	}
	full := append(payload, t.mi.InfoBytes[offset:end]...)
	pc.send(pp.MakeExtendedMessage(idOpt.Value, full))
}

// onPeerRequest answers an inbound REQUEST by reading the chunk out of storage and sending a
// PIECE message. Uploads are rate-limited the same as downloads (spec.md §6.4 Rate limiter).
func (t *Torrent) onPeerRequest(pc *PeerConn, msg pp.Message) {
	if t.ct == nil || !t.ct.Have(pieceIndex(msg.Index)) {
		return
	}
	if err := t.uploadRL.Acquire(t.ctx, int(msg.Length)); err != nil {
		return
	}
	buf := make([]byte, msg.Length)
	pieceStart := t.lengths.PieceOffset(pieceIndex(msg.Index))
	if err := t.readRange(pieceStart+int64(msg.Begin), buf); err != nil {
		return
	}
	pc.send(pp.Message{Type: pp.Piece, Index: msg.Index, Begin: msg.Begin, Piece: buf})
}

// readRange reads length(buf) bytes starting at torrent-absolute offset off, spanning file
// boundaries the same way PieceValidator.readPieceBytes does.
func (t *Torrent) readRange(off int64, buf []byte) error {
	end := off + int64(len(buf))
	for id, f := range t.files {
		fileStart := f.OffsetInTorrent
		fileEnd := fileStart + f.Length
		lo := maxI64(off, fileStart)
		hi := minI64(end, fileEnd)
		if lo >= hi {
			continue
		}
		if err := t.storageHandle.Pread(t.ctx, storage.FileID(id), lo-fileStart, buf[lo-off:hi-off]); err != nil {
			return err
		}
	}
	return nil
}

func (t *Torrent) writeRange(off int64, buf []byte) error {
	end := off + int64(len(buf))
	for id, f := range t.files {
		fileStart := f.OffsetInTorrent
		fileEnd := fileStart + f.Length
		lo := maxI64(off, fileStart)
		hi := minI64(end, fileEnd)
		if lo >= hi {
			continue
		}
		if err := t.storageHandle.Pwrite(t.ctx, storage.FileID(id), lo-fileStart, buf[lo-off:hi-off]); err != nil {
			return err
		}
	}
	return nil
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// onPeerPiece writes an inbound PIECE payload to storage, records the contributor, and triggers
// validation once every chunk of the piece has arrived (spec.md §4.4).
func (t *Torrent) onPeerPiece(pc *PeerConn, msg pp.Message) {
	piece := pieceIndex(msg.Index)
	c := int(msg.Begin) / ChunkSize
	info := t.lengths.ChunkInfoAt(piece, c)

	pc.mu.Lock()
	_, wasInflight := pc.inflight[info.AbsoluteChunkIndex]
	delete(pc.inflight, info.AbsoluteChunkIndex)
	pc.mu.Unlock()

	// A chunk we never requested, one whose begin is not the chunk's offset, or one whose length
	// doesn't match what we expect for this offset, is dropped silently rather than written.
	if !wasInflight || int64(msg.Begin) != info.OffsetInPiece || int64(len(msg.Piece)) != info.Size {
		return
	}

	pc.mu.Lock()
	pc.stats.BytesRead.Add(int64(len(msg.Piece)))
	pc.mu.Unlock()

	if err := t.downloadRL.Acquire(t.ctx, len(msg.Piece)); err != nil {
		return
	}

	pieceStart := t.lengths.PieceOffset(piece)
	writeOffset := pieceStart + int64(msg.Begin)
	if err := t.writeRange(writeOffset, msg.Piece); err != nil {
		t.fail(wrapStorageErr("pwrite", err))
		return
	}
	t.ct.RecordContributor(piece, pc.addr)
	t.ct.Release(piece, c)

	if t.pieceFullyWritten(piece) && t.ct.TryBeginWrite(piece) {
		go func() {
			defer t.ct.EndWrite(piece)
			if err := t.validator.ValidatePiece(t.ctx, piece); err != nil && isFatalForTorrent(err) {
				t.fail(err)
			}
		}()
	}

	if t.sched != nil {
		t.sched.fillRequests(pc)
	}
}

// pieceFullyWritten reports whether every chunk of piece i has been released from inflight
// without any still-outstanding request, the trigger for running ValidatePiece (spec.md §4.4:
// "triggered ... once all chunks of a piece are received").
func (t *Torrent) pieceFullyWritten(i pieceIndex) bool {
	for c := 0; c < t.lengths.NumChunksIn(i); c++ {
		if !t.ct.Acquirable(i, c) {
			return false
		}
	}
	return !t.ct.Have(i)
}

// onPieceCommitted is PieceValidator's success callback: broadcast HAVE, check for torrent
// completion (spec.md §4.7: "Completion event when have == needed ∪ have"), and wake any caller
// blocked in WaitCompleted.
func (t *Torrent) onPieceCommitted(piece pieceIndex) {
	if t.sched != nil {
		t.sched.OnPieceCommitted(piece)
	}
	if t.ct.NumNeeded() == 0 {
		t.events.Notify(TorrentEvent{Kind: EventCompleted, InfoHash: t.infoHash})
		// Broadcast under t.lock so it cannot fall between WaitCompleted's check and its Wait.
		t.lock.Lock()
		t.completedCond.Broadcast()
		t.lock.Unlock()
	}
}

// onPieceMismatch is PieceValidator's failure callback: nothing torrent-fatal happens, the piece
// simply becomes needed again (ReleaseAllForPiece already ran); contributors are logged as
// suspect per spec.md §7's HashMismatch recovery note.
func (t *Torrent) onPieceMismatch(piece pieceIndex, contributors []string) {
	t.logger.Levelf(log.Warning, "hash mismatch at piece %d, contributors: %v", piece, contributors)
	if t.sched != nil {
		for _, pc := range t.peers.LiveConns() {
			t.sched.fillRequests(pc)
		}
	}
}

// onPeerClosed is PeerConn's terminal hook: release whatever it had inflight and mark it Dead in
// the peer set (spec.md §7 PeerDisconnected / ProtocolError / Timeout recovery: "peer -> Dead").
func (t *Torrent) onPeerClosed(pc *PeerConn) {
	if t.sched != nil {
		t.sched.OnPeerDropped(pc)
	}
	t.peers.MarkDisconnected(pc.addr, time.Now())
}

// metainfoIfKnown lets PeerConn advertise metadata_size in its own extended handshake once known.
func (t *Torrent) metainfoIfKnown() *metainfo.MetaInfo {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.mi
}

// WaitCompleted blocks until every selected piece has been committed. Like sync.Cond.Wait, it is
// not itself cancellable; callers that need a deadline should race it against their own timer.
func (t *Torrent) WaitCompleted() {
	t.lock.Lock()
	for t.ct == nil || t.ct.NumNeeded() != 0 {
		t.completedCond.Wait(t.lock.GetSafeLocker())
	}
	t.lock.Unlock()
}

// closeLiveConns tears down every connection concurrently; pc.close() itself blocks briefly on
// the socket FIN, so a torrent with hundreds of live peers closes in one round-trip instead of
// hundreds serialized.
func closeLiveConns(conns []*PeerConn) {
	var eg errgroup.Group
	for _, pc := range conns {
		pc := pc
		eg.Go(func() error {
			pc.close()
			return nil
		})
	}
	eg.Wait()
}

// Pause implements spec.md §4.7's Live -> Paused transition: the peer set is cleared (every live
// connection's writer is closed so it unwinds deterministically) and storage ownership is taken
// via Storage.Take, leaving the chunk tracker intact.
func (t *Torrent) Pause() error {
	t.lock.Lock()
	if t.state != StateLive {
		t.lock.Unlock()
		return nil
	}
	t.state = StatePaused
	t.lock.Unlock()

	closeLiveConns(t.peers.LiveConns())
	if t.storageHandle != nil {
		taken, err := t.storageHandle.Take()
		if err != nil {
			return wrapStorageErr("take", err)
		}
		t.storageHandle = taken
		t.validator = NewPieceValidator(t.lengths, t.mi.Info, t.files, taken, t.ct, t.onPieceCommitted, t.onPieceMismatch)
	}
	t.events.Notify(TorrentEvent{Kind: EventPaused, InfoHash: t.infoHash})
	return nil
}

// Resume implements spec.md §4.7's Paused -> Live transition (user command): peers may be dialed
// again.
func (t *Torrent) Resume(ctx context.Context) error {
	t.lock.Lock()
	if t.state != StatePaused {
		t.lock.Unlock()
		return nil
	}
	t.state = StateLive
	t.lock.Unlock()
	t.events.Notify(TorrentEvent{Kind: EventStarted, InfoHash: t.infoHash})
	go t.dialLoop()
	return nil
}

// Delete implements spec.md §4.7's "on torrent drop, every live peer's writer queue is closed so
// connections unwind deterministically": cancels every task tied to this torrent and releases
// storage.
func (t *Torrent) Delete() error {
	t.cancel()
	closeLiveConns(t.peers.LiveConns())
	var err error
	if t.storageHandle != nil {
		err = t.storageHandle.Close()
	}
	t.events.Notify(TorrentEvent{Kind: EventDeleted, InfoHash: t.infoHash})
	return err
}

// fail moves the torrent to Error, the terminal state any unrecoverable storage or metadata
// failure leads to (spec.md §4.7: "any -> Error on unrecoverable storage or metadata failure").
func (t *Torrent) fail(err error) {
	t.lock.Lock()
	t.state = StateError
	t.stateErr = err
	t.lock.Unlock()
	t.events.Notify(TorrentEvent{Kind: EventErrored, InfoHash: t.infoHash, Err: err})
}

// State returns the torrent's current FSM state and, if Error, the error that caused it.
func (t *Torrent) State() (TorrentState, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.state, t.stateErr
}

// InfoHash returns the torrent's info-hash.
func (t *Torrent) InfoHash() Id20 { return t.infoHash }
