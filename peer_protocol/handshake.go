package peer_protocol

import (
	"errors"
	"io"
)

// HandshakeLen is the fixed 68-byte handshake size (spec.md §4.1):
// 0x13 "BitTorrent protocol" reserved[8] info_hash[20] peer_id[20]
const HandshakeLen = 1 + 19 + 8 + 20 + 20

const protocolString = "BitTorrent protocol"

// extendedReservedByte/extendedReservedMask locate bit 20 of the reserved field (byte index 5, mask 0x10): BEP 10 "extended
// protocol" support. Must be set by us and checked on incoming handshakes.
const extendedReservedByte = 5
const extendedReservedMask = 0x10

// Handshake is the decoded 68-byte preamble.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

func (h Handshake) SupportsExtended() bool {
	return h.Reserved[extendedReservedByte]&extendedReservedMask != 0
}

func (h *Handshake) SetExtended() {
	h.Reserved[extendedReservedByte] |= extendedReservedMask
}

// Marshal renders the handshake as the 68 wire bytes.
func (h Handshake) Marshal() []byte {
	b := make([]byte, 0, HandshakeLen)
	b = append(b, 19)
	b = append(b, protocolString...)
	b = append(b, h.Reserved[:]...)
	b = append(b, h.InfoHash[:]...)
	b = append(b, h.PeerID[:]...)
	return b
}

// ReadHandshake reads exactly HandshakeLen bytes from r and decodes them.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var buf [HandshakeLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Handshake{}, err
	}
	return UnmarshalHandshake(buf[:])
}

// UnmarshalHandshake decodes an already-read 68-byte buffer.
func UnmarshalHandshake(buf []byte) (Handshake, error) {
	if len(buf) != HandshakeLen {
		return Handshake{}, errors.New("peer_protocol: handshake must be exactly 68 bytes")
	}
	if buf[0] != 19 {
		return Handshake{}, ProtocolError{"handshake: bad protocol string length"}
	}
	if string(buf[1:20]) != protocolString {
		return Handshake{}, ProtocolError{"handshake: bad protocol string"}
	}
	var h Handshake
	copy(h.Reserved[:], buf[20:28])
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}
