package torrent

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"sync"

	g "github.com/anacrolix/generics"
	"github.com/jackpal/bencode-go"

	"github.com/mellum/btengine/metainfo"
	pp "github.com/mellum/btengine/peer_protocol"
)

// MetadataBootstrap implements spec.md §4.6: fetching the info dictionary from peers over
// ut_metadata when a torrent was started from a magnet link, racing every peer that advertises
// the extension.
type MetadataBootstrap struct {
	infoHash Id20
	maxBytes int64

	mu       sync.Mutex
	size     int64
	have     []byte
	gotChunk []bool
	done     bool
	result   chan metadataResult
}

type metadataResult struct {
	mi  *metainfo.MetaInfo
	err error
}

func NewMetadataBootstrap(infoHash Id20, maxBytes int64) *MetadataBootstrap {
	return &MetadataBootstrap{infoHash: infoHash, maxBytes: maxBytes, result: make(chan metadataResult, 1)}
}

const utMetadataChunkSize = 16 * 1024

// OnExtendedHandshake is called once a peer's extended handshake is decoded; if it advertises
// ut_metadata with a size, this starts requesting chunks from that peer (spec.md §4.6 step 2).
func (b *MetadataBootstrap) OnExtendedHandshake(pc *PeerConn, h pp.ExtendedHandshake) error {
	peerMetaID, ok := h.M["ut_metadata"]
	if !ok || h.MetadataSize <= 0 {
		return nil
	}
	pc.mu.Lock()
	pc.utMetadataPeerID = g.Some(byte(peerMetaID))
	pc.mu.Unlock()

	b.mu.Lock()
	if b.size == 0 {
		if h.MetadataSize > b.maxBytes {
			b.mu.Unlock()
			return &MetadataTooLargeError{Size: h.MetadataSize, Cap: b.maxBytes}
		}
		b.size = h.MetadataSize
		numChunks := int((h.MetadataSize + utMetadataChunkSize - 1) / utMetadataChunkSize)
		b.have = make([]byte, h.MetadataSize)
		b.gotChunk = make([]bool, numChunks)
	}
	alreadyDone := b.done
	b.mu.Unlock()
	if alreadyDone {
		return nil
	}

	numChunks := len(b.gotChunk)
	for piece := 0; piece < numChunks; piece++ {
		b.requestChunk(pc, piece)
	}
	return nil
}

func (b *MetadataBootstrap) requestChunk(pc *PeerConn, piece int) {
	pc.mu.RLock()
	idOpt := pc.utMetadataPeerID
	pc.mu.RUnlock()
	if !idOpt.Ok {
		return
	}
	id := idOpt.Value
	dict := pp.UtMetadataDict{MsgType: pp.UtMetadataRequest, Piece: int64(piece)}
	payload, err := pp.MarshalUtMetadataDict(dict)
	if err != nil {
		return
	}
	pc.send(pp.MakeExtendedMessage(id, payload))
}

// OnUtMetadataMessage handles an incoming ut_metadata submessage (request/data/reject), per
// spec.md §4.6. Only data advances the bootstrap.
func (b *MetadataBootstrap) OnUtMetadataMessage(pc *PeerConn, dict pp.UtMetadataDict, payload []byte) {
	if dict.MsgType != pp.UtMetadataData {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done || b.size == 0 {
		return
	}
	if dict.Piece < 0 || int(dict.Piece) >= len(b.gotChunk) {
		return
	}
	// spec.md: "enforce per-piece expected length (last piece smaller), reject duplicates."
	if b.gotChunk[dict.Piece] {
		return
	}
	offset := dict.Piece * utMetadataChunkSize
	end := offset + utMetadataChunkSize
	if end > b.size {
		end = b.size
	}
	if int64(len(payload)) != end-offset {
		return
	}
	copy(b.have[offset:end], payload)
	b.gotChunk[dict.Piece] = true

	for _, got := range b.gotChunk {
		if !got {
			return
		}
	}
	b.done = true
	mi, err := b.assemble()
	select {
	case b.result <- metadataResult{mi: mi, err: err}:
	default:
	}
}

// assemble wraps the fully-collected bytes as the info dict portion of a MetaInfo and verifies
// its hash against the magnet's expected info-hash (spec.md §4.6: "hash-verifying assembled info
// dict").
func (b *MetadataBootstrap) assemble() (*metainfo.MetaInfo, error) {
	got := sha1.Sum(b.have)
	if got != [20]byte(b.infoHash) {
		return nil, &MetadataMismatchError{Want: b.infoHash, Got: Id20(got)}
	}
	var info metainfo.InfoDict
	// The info dict is parsed the same way Parse would if it were embedded in a full .torrent
	// file; here we already have exactly its raw bytes, so we decode it directly rather than
	// re-wrapping in a synthetic top-level dict.
	if err := decodeInfoDict(b.have, &info); err != nil {
		return nil, fmt.Errorf("torrent: metadata bootstrap: %w", err)
	}
	return &metainfo.MetaInfo{InfoBytes: append([]byte(nil), b.have...), Info: info}, nil
}

// Wait blocks until the metadata is fully assembled and hash-verified, or ctx is done.
func (b *MetadataBootstrap) Wait(ctx context.Context) (*metainfo.MetaInfo, error) {
	select {
	case r := <-b.result:
		return r.mi, r.err
	case <-ctx.Done():
		return nil, &CancelledError{Err: ctx.Err()}
	}
}

func decodeInfoDict(raw []byte, out *metainfo.InfoDict) error {
	return bencode.Unmarshal(bytes.NewReader(raw), out)
}
