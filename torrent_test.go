package torrent

import (
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/require"

	"github.com/mellum/btengine/metainfo"
	pp "github.com/mellum/btengine/peer_protocol"
	"github.com/mellum/btengine/storage"
)

// newSinglePieceTorrent builds a one-piece, one-file, in-memory torrent with a real piece hash,
// for exercising the wire-facing parts of Torrent without a live peer connection.
func newSinglePieceTorrent(t *testing.T, data []byte) *Torrent {
	t.Helper()
	hash := sha1.Sum(data)
	mi := &metainfo.MetaInfo{
		Info: metainfo.InfoDict{
			Name:        "data.bin",
			PieceLength: ChunkSize,
			Pieces:      string(hash[:]),
			Length:      int64(len(data)),
		},
	}
	tr, err := NewTorrent(TorrentOpts{
		InfoHash:   Id20{1},
		OurPeerID:  Id20{2},
		Cfg:        DefaultConfig(),
		Storage:    storage.NewMemory(),
		Events:     NopEventSink{},
		Logger:     log.Default,
		DownloadRL: NewRateLimiter(0, 0),
		UploadRL:   NewRateLimiter(0, 0),
		MetaInfo:   mi,
	})
	require.NoError(t, err)
	t.Cleanup(func() { tr.Delete() })
	return tr
}

func newTestPeerConn(tr *Torrent) *PeerConn {
	a, _ := net.Pipe()
	return newPeerConn(tr, "peer-addr", a, log.Default)
}

func TestOnPeerPieceRejectsChunkNotInflight(t *testing.T) {
	data := []byte("hello, world! 12345.")
	tr := newSinglePieceTorrent(t, data)
	pc := newTestPeerConn(tr)

	// Nothing was ever requested from pc, so the chunk it claims to deliver must be dropped.
	tr.onPeerPiece(pc, pp.Message{Type: pp.Piece, Index: 0, Begin: 0, Piece: append([]byte(nil), data...)})

	require.False(t, tr.ct.Have(0))
}

func TestOnPeerPieceRejectsWrongLength(t *testing.T) {
	data := []byte("hello, world! 12345.")
	tr := newSinglePieceTorrent(t, data)
	pc := newTestPeerConn(tr)

	info := tr.lengths.ChunkInfoAt(0, 0)
	require.True(t, tr.ct.Acquire(0, 0))
	pc.mu.Lock()
	pc.inflight[info.AbsoluteChunkIndex] = pendingRequest{info: info, requested: time.Now()}
	pc.mu.Unlock()

	// Claims to be the right chunk but sends fewer bytes than info.Size: must be dropped, not
	// written at the full-length destination offset.
	tr.onPeerPiece(pc, pp.Message{Type: pp.Piece, Index: 0, Begin: 0, Piece: data[:len(data)-1]})

	require.False(t, tr.ct.Have(0))
}

func TestOnPeerPieceAcceptsValidChunk(t *testing.T) {
	data := []byte("hello, world! 12345.")
	tr := newSinglePieceTorrent(t, data)
	pc := newTestPeerConn(tr)

	info := tr.lengths.ChunkInfoAt(0, 0)
	require.True(t, tr.ct.Acquire(0, 0))
	pc.mu.Lock()
	pc.inflight[info.AbsoluteChunkIndex] = pendingRequest{info: info, requested: time.Now()}
	pc.mu.Unlock()

	tr.onPeerPiece(pc, pp.Message{Type: pp.Piece, Index: 0, Begin: 0, Piece: append([]byte(nil), data...)})

	done := make(chan struct{})
	go func() {
		tr.WaitCompleted()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("piece never validated and committed")
	}
	require.True(t, tr.ct.Have(0))
}

func TestHandlePeerMessageDropsOutOfRangePieceIndex(t *testing.T) {
	data := []byte("hello, world! 12345.")
	tr := newSinglePieceTorrent(t, data)
	pc := newTestPeerConn(tr)

	// A single-piece torrent has only piece 0; index 7 must never reach onPeerPiece/onPeerRequest.
	tr.handlePeerMessage(pc, pp.Message{Type: pp.Piece, Index: 7, Begin: 0, Piece: data})
	tr.handlePeerMessage(pc, pp.Message{Type: pp.Request, Index: 7, Begin: 0, Length: uint32(len(data))})

	require.False(t, tr.ct.Have(0))
}

func TestWaitCompletedBlocksUntilDataArrives(t *testing.T) {
	data := []byte("x")
	tr := newSinglePieceTorrent(t, data)
	require.NoError(t, tr.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		tr.WaitCompleted()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("torrent has no data on disk yet, WaitCompleted should still be blocked")
	case <-time.After(50 * time.Millisecond):
	}
}
