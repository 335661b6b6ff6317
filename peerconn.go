package torrent

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/chansync"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	xsync "github.com/anacrolix/sync"

	"github.com/mellum/btengine/bitfield"
	pp "github.com/mellum/btengine/peer_protocol"
	"github.com/mellum/btengine/version"
)

// PeerState is the outer per-address state machine of spec.md §3.
type PeerState int

const (
	PeerQueued PeerState = iota
	PeerConnecting
	PeerLive
	PeerDead
	PeerNotNeeded
)

func (s PeerState) String() string {
	switch s {
	case PeerQueued:
		return "queued"
	case PeerConnecting:
		return "connecting"
	case PeerLive:
		return "live"
	case PeerDead:
		return "dead"
	case PeerNotNeeded:
		return "not needed"
	default:
		return "unknown"
	}
}

// pendingRequest is what LivePeer.inflight tracks for one outstanding REQUEST.
type pendingRequest struct {
	info      ChunkInfo
	requested time.Time
}

// PeerConn is a live, handshaked peer connection: a reader goroutine, a writer goroutine
// (peerConnMsgWriter), and the bookkeeping the scheduler consults to decide what to send it next
// (spec.md §4.2).
type PeerConn struct {
	t    *Torrent
	addr string
	conn net.Conn
	id   Id20

	closed chansync.SetOnce

	mu xsync.RWMutex

	// Negotiated at handshake time, immutable after.
	extended          bool
	utMetadataPeerID  g.Option[byte] // their advertised id for our ut_metadata submessages
	utPexPeerID       g.Option[byte]
	theirMetadataSize g.Option[int64]

	peerBitfield   *roaring.Bitmap
	peerHasAll     bool // makes HasPiece report every piece; no message handler sets it
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	inflight map[int64]pendingRequest // keyed by AbsoluteChunkIndex

	stats PeerStats

	writer *peerConnMsgWriter
	logger log.Logger
}

// PeerStats are the atomic counters the scheduler uses for throughput comparisons and that the
// event sink can surface (spec.md §7: "peer-level errors are counter-only").
type PeerStats struct {
	BytesRead     Count
	BytesWritten  Count
	ChunksStolen  Count // times a chunk was taken from this peer
	ChunksStolenBy Count // times this peer won a steal from someone else
	Errors        Count
}

func newPeerConn(t *Torrent, addr string, conn net.Conn, logger log.Logger) *PeerConn {
	return &PeerConn{
		t:            t,
		addr:         addr,
		conn:         conn,
		amChoking:    true,
		peerChoking:  true,
		peerBitfield: roaring.New(),
		inflight:     make(map[int64]pendingRequest),
		logger:       logger,
	}
}

// outgoingHandshake performs the first two steps of the outbound handshake of spec.md §4.2
// (send our handshake, read and check the peer's); torrent.go's onPeerHandshaked performs the rest.
func (pc *PeerConn) outgoingHandshake(ctx context.Context, ourID Id20, infoHash Id20) error {
	deadline, ok := ctx.Deadline()
	if ok {
		pc.conn.SetDeadline(deadline)
		defer pc.conn.SetDeadline(time.Time{})
	}

	h := pp.Handshake{InfoHash: infoHash, PeerID: ourID}
	h.SetExtended()
	if _, err := pc.conn.Write(h.Marshal()); err != nil {
		return &ConnectError{Addr: pc.addr, Err: err}
	}

	theirs, err := pp.ReadHandshake(pc.conn)
	if err != nil {
		return &HandshakeError{Reason: err.Error()}
	}
	if theirs.InfoHash != infoHash {
		return &HandshakeError{Reason: "info-hash mismatch"}
	}
	if theirs.PeerID == ourID {
		return &HandshakeError{Reason: "self connection"}
	}
	pc.id = theirs.PeerID
	pc.extended = theirs.SupportsExtended()
	return nil
}

// sendExtendedHandshake advertises our extension ids (spec.md §4.1/§4.2 step 3).
func (pc *PeerConn) sendExtendedHandshake() error {
	h := pp.ExtendedHandshake{
		M: map[string]int64{
			"ut_metadata": pp.UtMetadataID,
			"ut_pex":      pp.UtPexID,
		},
		Version: version.ClientName,
	}
	if mi := pc.t.metainfoIfKnown(); mi != nil {
		h.MetadataSize = int64(len(mi.InfoBytes))
	}
	b, err := pp.MarshalExtendedHandshake(h)
	if err != nil {
		return err
	}
	return pc.send(pp.MakeExtendedMessage(pp.ExtendedIDHandshake, b))
}

// send hands msg to the writer goroutine's buffer; safe from any goroutine.
func (pc *PeerConn) send(msg pp.Message) bool {
	if pc.writer == nil {
		return false
	}
	return pc.writer.write(msg)
}

// startWriter launches the writer goroutine (peerconn_writer.go) bound to this connection.
func (pc *PeerConn) startWriter(keepaliveInterval time.Duration) {
	pc.writer = newPeerConnMsgWriter(pc.conn, &pc.closed, pc.logger, func() bool {
		return true
	}, func() {})
	go func() {
		defer pc.close()
		pc.writer.run(keepaliveInterval)
	}()
}

// readLoop is the reader goroutine body: parse messages off the wire and dispatch them to the
// torrent's handler (spec.md §4.2, §4.3 Events).
func (pc *PeerConn) readLoop(maxMessageLength, maxPieceLength int, idleTimeout time.Duration) {
	defer pc.close()
	r := bufio.NewReaderSize(pc.conn, 1<<16)
	for {
		if pc.closed.IsSet() {
			return
		}
		pc.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		msg, err := pc.readOneMessage(r, maxMessageLength, maxPieceLength)
		if err != nil {
			pc.stats.Errors.Add(1)
			return
		}
		pc.t.handlePeerMessage(pc, msg)
	}
}

// readOneMessage reads the 4-byte length prefix, then the body. PIECE is handled specially per
// spec.md §4.1: once the 9-byte preamble (type, index, begin) is parsed via SplitPiecePreamble,
// the remaining length-9 data bytes are read directly into the destination buffer that becomes
// Message.Piece, rather than being assembled into a whole-message buffer first and recopied by a
// generic Unmarshal. Every other message type is small and fixed-shape, so it's read as a whole
// body and handed to pp.Unmarshal as before.
func (pc *PeerConn) readOneMessage(r *bufio.Reader, maxMessageLength, maxPieceLength int) (pp.Message, error) {
	var lenBuf [4]byte
	if _, err := readFull(r, lenBuf[:]); err != nil {
		return pp.Message{}, err
	}
	length := int(lenBuf[0])<<24 | int(lenBuf[1])<<16 | int(lenBuf[2])<<8 | int(lenBuf[3])
	if length == 0 {
		return pp.Message{Keepalive: true}, nil
	}
	if length > maxPieceLength {
		return pp.Message{}, &ProtocolErr{Err: fmt.Errorf("message length %d exceeds maximum", length)}
	}
	typeByte, err := r.Peek(1)
	if err != nil {
		return pp.Message{}, err
	}
	if pp.MessageType(typeByte[0]) != pp.Piece {
		if length > maxMessageLength {
			return pp.Message{}, &ProtocolErr{Err: fmt.Errorf("message length %d exceeds maximum", length)}
		}
		body := make([]byte, length)
		if _, err := readFull(r, body); err != nil {
			return pp.Message{}, err
		}
		full := append(lenBuf[:0:0], lenBuf[:]...)
		full = append(full, body...)
		msg, _, err := pp.Unmarshal(full, maxMessageLength, maxPieceLength)
		if err != nil {
			return pp.Message{}, &ProtocolErr{Err: err}
		}
		return msg, nil
	}

	if length < pp.PiecePreambleLen {
		return pp.Message{}, &ProtocolErr{Err: fmt.Errorf("piece message shorter than preamble")}
	}
	var preamble [pp.PiecePreambleLen]byte
	if _, err := readFull(r, preamble[:]); err != nil {
		return pp.Message{}, err
	}
	index, begin, err := pp.SplitPiecePreamble(preamble[:])
	if err != nil {
		return pp.Message{}, &ProtocolErr{Err: err}
	}
	buf := make([]byte, length-pp.PiecePreambleLen)
	if _, err := readFull(r, buf); err != nil {
		return pp.Message{}, err
	}
	return pp.Message{Type: pp.Piece, Index: index, Begin: begin, Piece: buf}, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (pc *PeerConn) close() {
	if !pc.closed.Set() {
		return
	}
	pc.conn.Close()
	pc.t.onPeerClosed(pc)
}

// applyBitfield is used once a BITFIELD message arrives; it feeds the peer's claims into the
// roaring bitmap the scheduler reads for rarity/candidate computation.
func (pc *PeerConn) applyBitfield(b bitfield.Bitfield) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.peerBitfield.Clear()
	b.Iterate(func(i int) bool {
		pc.peerBitfield.Add(uint32(i))
		return true
	})
}

func (pc *PeerConn) applyHave(piece int) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.peerBitfield.Add(uint32(piece))
}

// HasPiece reports whether this peer has claimed piece i.
func (pc *PeerConn) HasPiece(i int) bool {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.peerHasAll || pc.peerBitfield.Contains(uint32(i))
}

// PieceBitmap returns a clone of the peer's claimed pieces, used by the scheduler's rarity pass.
func (pc *PeerConn) PieceBitmap() *roaring.Bitmap {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.peerBitfield.Clone()
}
