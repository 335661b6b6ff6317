package torrent

import (
	"bytes"
	"context"
	"crypto/sha1"
	"net"
	"testing"

	"github.com/anacrolix/log"
	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"

	pp "github.com/mellum/btengine/peer_protocol"
)

func newTestPeerConnNoTorrent() *PeerConn {
	a, _ := net.Pipe()
	return newPeerConn(nil, "peer-addr", a, log.Default)
}

func TestMetadataBootstrapRejectsDuplicateChunk(t *testing.T) {
	b := NewMetadataBootstrap(Id20{9}, 1<<20)
	b.size = int64(utMetadataChunkSize * 2)
	b.have = make([]byte, b.size)
	b.gotChunk = make([]bool, 2)

	first := bytes.Repeat([]byte{0xAA}, utMetadataChunkSize)
	b.OnUtMetadataMessage(nil, pp.UtMetadataDict{MsgType: pp.UtMetadataData, Piece: 0}, first)
	require.True(t, b.gotChunk[0])
	require.Equal(t, first, b.have[:utMetadataChunkSize])

	dup := bytes.Repeat([]byte{0xBB}, utMetadataChunkSize)
	b.OnUtMetadataMessage(nil, pp.UtMetadataDict{MsgType: pp.UtMetadataData, Piece: 0}, dup)
	require.Equal(t, first, b.have[:utMetadataChunkSize], "duplicate chunk must not overwrite already-received data")
}

func TestMetadataBootstrapRejectsWrongLength(t *testing.T) {
	b := NewMetadataBootstrap(Id20{9}, 1<<20)
	b.size = int64(utMetadataChunkSize + 100)
	b.have = make([]byte, b.size)
	b.gotChunk = make([]bool, 2)

	// Non-final piece must be exactly utMetadataChunkSize.
	short := bytes.Repeat([]byte{0xCC}, utMetadataChunkSize-1)
	b.OnUtMetadataMessage(nil, pp.UtMetadataDict{MsgType: pp.UtMetadataData, Piece: 0}, short)
	require.False(t, b.gotChunk[0])

	// Final piece must be exactly size - offset, not the full chunk size.
	wrongFinal := bytes.Repeat([]byte{0xDD}, utMetadataChunkSize)
	b.OnUtMetadataMessage(nil, pp.UtMetadataDict{MsgType: pp.UtMetadataData, Piece: 1}, wrongFinal)
	require.False(t, b.gotChunk[1])
}

func TestMetadataBootstrapAssemblesAndVerifies(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, map[string]interface{}{
		"name":         "x",
		"piece length": int64(16384),
		"pieces":       string(make([]byte, 20)),
		"length":       int64(1),
	}))
	infoBytes := buf.Bytes()
	infoHash := Id20(sha1.Sum(infoBytes))

	b := NewMetadataBootstrap(infoHash, 1<<20)
	pc := newTestPeerConnNoTorrent()
	require.NoError(t, b.OnExtendedHandshake(pc, pp.ExtendedHandshake{
		M:            map[string]int64{"ut_metadata": 1},
		MetadataSize: int64(len(infoBytes)),
	}))

	b.OnUtMetadataMessage(pc, pp.UtMetadataDict{MsgType: pp.UtMetadataData, Piece: 0}, infoBytes)

	mi, err := b.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "x", mi.Info.Name)
	require.EqualValues(t, 1, mi.Info.Length)
}

func TestMetadataBootstrapRejectsOversizedMetadata(t *testing.T) {
	b := NewMetadataBootstrap(Id20{9}, 100)
	pc := newTestPeerConnNoTorrent()
	err := b.OnExtendedHandshake(pc, pp.ExtendedHandshake{
		M:            map[string]int64{"ut_metadata": 1},
		MetadataSize: 200,
	})
	require.Error(t, err)
	var tooLarge *MetadataTooLargeError
	require.ErrorAs(t, err, &tooLarge)
}
