package peer_protocol

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, m Message) {
	t.Helper()
	encoded := Marshal(m)
	decoded, n, err := Unmarshal(encoded, DefaultMaxMessageLength, DefaultMaxPieceLength)
	require.NoError(t, err)
	require.Equal(t, len(encoded), n)
	if diff := cmp.Diff(m, decoded); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripSimpleMessages(t *testing.T) {
	roundTrip(t, Message{Keepalive: true})
	roundTrip(t, Message{Type: Choke})
	roundTrip(t, Message{Type: Unchoke})
	roundTrip(t, Message{Type: Interested})
	roundTrip(t, Message{Type: NotInterested})
	roundTrip(t, Message{Type: Have, Index: 7})
	roundTrip(t, Message{Type: Bitfield, Piece: []byte{0xff, 0x80}})
	roundTrip(t, Message{Type: Request, Index: 1, Begin: 2, Length: 16384})
	roundTrip(t, Message{Type: Cancel, Index: 1, Begin: 2, Length: 16384})
	roundTrip(t, Message{Type: Piece, Index: 3, Begin: 0, Piece: []byte("hello")})
	roundTrip(t, Message{Type: Extended, ExtendedID: 3, ExtendedPayload: []byte("d1:ae")})
}

func TestUnmarshalNeedsMoreBytes(t *testing.T) {
	_, _, err := Unmarshal([]byte{0, 0, 0}, DefaultMaxMessageLength, DefaultMaxPieceLength)
	var needMore NeedMoreBytesError
	require.ErrorAs(t, err, &needMore)
	require.Equal(t, 1, needMore.N)

	msg := Marshal(Message{Type: Have, Index: 1})
	_, _, err = Unmarshal(msg[:len(msg)-1], DefaultMaxMessageLength, DefaultMaxPieceLength)
	require.ErrorAs(t, err, &needMore)
}

func TestOversizedMessageIsProtocolError(t *testing.T) {
	_, _, err := Unmarshal(
		append([]byte{0, 1, 0, 1}, make([]byte, 0x10001)...),
		DefaultMaxMessageLength,
		DefaultMaxPieceLength,
	)
	var protoErr ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestSplitPiecePreamble(t *testing.T) {
	m := Message{Type: Piece, Index: 5, Begin: 10, Piece: []byte("payload")}
	encoded := Marshal(m)
	preamble := encoded[4 : 4+PiecePreambleLen]
	index, begin, err := SplitPiecePreamble(preamble)
	require.NoError(t, err)
	require.Equal(t, uint32(5), index)
	require.Equal(t, uint32(10), begin)
}

func TestHandshakeRoundTrip(t *testing.T) {
	h := Handshake{InfoHash: [20]byte{1, 2, 3}, PeerID: [20]byte{4, 5, 6}}
	h.SetExtended()
	encoded := h.Marshal()
	require.Len(t, encoded, HandshakeLen)
	decoded, err := UnmarshalHandshake(encoded)
	require.NoError(t, err)
	require.Equal(t, h, decoded)
	require.True(t, decoded.SupportsExtended())
}

func TestExtendedHandshakeRoundTrip(t *testing.T) {
	h := ExtendedHandshake{M: map[string]int64{"ut_metadata": 3, "ut_pex": 1}, MetadataSize: 1 << 16}
	b, err := MarshalExtendedHandshake(h)
	require.NoError(t, err)
	decoded, err := UnmarshalExtendedHandshake(b)
	require.NoError(t, err)
	require.Equal(t, h.MetadataSize, decoded.MetadataSize)
	require.Equal(t, h.M["ut_metadata"], decoded.M["ut_metadata"])
}

func TestUtMetadataDictRoundTrip(t *testing.T) {
	d := UtMetadataDict{MsgType: UtMetadataData, Piece: 2, TotalSize: 1000}
	b, err := MarshalUtMetadataDict(d)
	require.NoError(t, err)
	payload := append(b, []byte("chunkbytes")...)
	decoded, rest, err := UnmarshalUtMetadataDict(payload)
	require.NoError(t, err)
	require.Equal(t, d, decoded)
	require.Equal(t, []byte("chunkbytes"), rest)
}
