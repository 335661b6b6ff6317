// Package peer_protocol implements the BitTorrent peer wire protocol: the fixed-size handshake
// and the length-prefixed message stream that follows it (spec.md §4.1). Everything here is pure
// functions over byte buffers; none of it touches a socket.
package peer_protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

type MessageType byte

const (
	Choke MessageType = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	_ // port (DHT), not used by the core
	_ // suggest piece, not used by the core
	_
	_
	_
	_
	_
	_
	_
	_
	_
	Extended MessageType = 20
)

func (t MessageType) String() string {
	switch t {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Extended:
		return "extended"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// DefaultMaxPieceLength and DefaultMaxMessageLength are the default oversized-message cutoffs from
// spec.md §4.1: 1 MiB + 9 bytes
// (preamble) for PIECE messages, 16 KiB for everything else. Callers may use a smaller/larger
// cap for non-default configurations.
const (
	DefaultMaxPieceLength   = 1<<20 + PiecePreambleLen
	DefaultMaxMessageLength = 16 * 1024
)

// PiecePreambleLen is "9: type + index + begin" (spec.md §4.1), the number of bytes a caller must
// read before it knows where the PIECE payload begins, so the data bytes can be streamed directly
// into the chunk's target buffer without an intermediate copy.
const PiecePreambleLen = 9

// Message is a decoded peer-protocol message. Only the fields relevant to Type are meaningful;
// this mirrors the wire grammar in spec.md §4.1 directly rather than using per-type structs, so
// that a single Message value round-trips through Marshal/Unmarshal.
type Message struct {
	Keepalive bool
	Type      MessageType

	Index  uint32
	Begin  uint32
	Length uint32 // valid for Request/Cancel
	Piece  []byte // valid for Piece (the chunk payload) and Bitfield (the packed bits)

	ExtendedID      byte
	ExtendedPayload []byte // valid for Extended: bencoded dict, optionally followed by raw bytes
}

// NeedMoreBytesError signals that Unmarshal needs at least N additional bytes before it can make
// progress; it is not a protocol error.
type NeedMoreBytesError struct {
	N int
}

func (e NeedMoreBytesError) Error() string {
	return fmt.Sprintf("peer_protocol: need %d more bytes", e.N)
}

// ProtocolError is fatal: the connection must be dropped (spec.md §7).
type ProtocolError struct {
	Reason string
}

func (e ProtocolError) Error() string {
	return "peer_protocol: " + e.Reason
}

// Marshal encodes m as it would appear on the wire: a 4-byte big-endian length prefix followed by
// the type byte and payload (or just a zero length prefix for a keepalive).
func Marshal(m Message) []byte {
	if m.Keepalive {
		return []byte{0, 0, 0, 0}
	}
	var body []byte
	body = append(body, byte(m.Type))
	switch m.Type {
	case Choke, Unchoke, Interested, NotInterested:
	case Have:
		body = appendU32(body, m.Index)
	case Bitfield:
		body = append(body, m.Piece...)
	case Request, Cancel:
		body = appendU32(body, m.Index)
		body = appendU32(body, m.Begin)
		body = appendU32(body, m.Length)
	case Piece:
		body = appendU32(body, m.Index)
		body = appendU32(body, m.Begin)
		body = append(body, m.Piece...)
	case Extended:
		body = append(body, m.ExtendedID)
		body = append(body, m.ExtendedPayload...)
	default:
		panic(fmt.Sprintf("peer_protocol: cannot marshal unknown type %v", m.Type))
	}
	out := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	return append(out, body...)
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

// Unmarshal decodes a single message from buf. It returns the message, the number of bytes
// consumed, and an error. A NeedMoreBytesError means "call again once at least N more bytes are
// available"; any other error is a fatal ProtocolError.
//
// maxMessageLength bounds non-PIECE messages; maxPieceLength bounds PIECE messages specifically,
// per the distinct oversized-length rule in spec.md §4.1.
func Unmarshal(buf []byte, maxMessageLength, maxPieceLength int) (Message, int, error) {
	if len(buf) < 4 {
		return Message{}, 0, NeedMoreBytesError{4 - len(buf)}
	}
	length := binary.BigEndian.Uint32(buf)
	if length == 0 {
		return Message{Keepalive: true}, 4, nil
	}
	// We don't yet know the type, so bound against the larger of the two caps; Piece is checked
	// precisely below once we know the type (it's the only message that can legitimately be
	// large).
	if int64(length) > int64(maxPieceLength) {
		return Message{}, 0, ProtocolError{fmt.Sprintf("message length %d exceeds maximum %d", length, maxPieceLength)}
	}
	total := 4 + int(length)
	if len(buf) < total {
		return Message{}, 0, NeedMoreBytesError{total - len(buf)}
	}
	body := buf[4:total]
	typ := MessageType(body[0])
	if typ != Piece && int(length) > maxMessageLength {
		return Message{}, 0, ProtocolError{fmt.Sprintf("%v message length %d exceeds maximum %d", typ, length, maxMessageLength)}
	}
	payload := body[1:]
	m := Message{Type: typ}
	var err error
	switch typ {
	case Choke, Unchoke, Interested, NotInterested:
		if len(payload) != 0 {
			err = ProtocolError{fmt.Sprintf("%v message has non-empty payload", typ)}
		}
	case Have:
		if len(payload) != 4 {
			err = ProtocolError{"have message has wrong length"}
		} else {
			m.Index = binary.BigEndian.Uint32(payload)
		}
	case Bitfield:
		m.Piece = append([]byte(nil), payload...)
	case Request, Cancel:
		if len(payload) != 12 {
			err = ProtocolError{fmt.Sprintf("%v message has wrong length", typ)}
		} else {
			m.Index = binary.BigEndian.Uint32(payload[0:4])
			m.Begin = binary.BigEndian.Uint32(payload[4:8])
			m.Length = binary.BigEndian.Uint32(payload[8:12])
		}
	case Piece:
		if len(payload) < 8 {
			err = ProtocolError{"piece message shorter than preamble"}
		} else {
			m.Index = binary.BigEndian.Uint32(payload[0:4])
			m.Begin = binary.BigEndian.Uint32(payload[4:8])
			m.Piece = append([]byte(nil), payload[8:]...)
		}
	case Extended:
		if len(payload) < 1 {
			err = ProtocolError{"extended message missing extended id"}
		} else {
			m.ExtendedID = payload[0]
			m.ExtendedPayload = append([]byte(nil), payload[1:]...)
		}
	default:
		err = ProtocolError{fmt.Sprintf("unknown message type %d", typ)}
	}
	if err != nil {
		return Message{}, 0, err
	}
	return m, total, nil
}

// SplitPiecePreamble parses just the 9-byte preamble (type, index, begin) of a PIECE message
// without touching the data, so the reader can stream the remaining bytes directly into the
// chunk's destination buffer (spec.md §4.1).
func SplitPiecePreamble(preamble []byte) (index, begin uint32, err error) {
	if len(preamble) != PiecePreambleLen {
		return 0, 0, errors.New("peer_protocol: wrong preamble length")
	}
	if MessageType(preamble[0]) != Piece {
		return 0, 0, errors.New("peer_protocol: preamble is not a piece message")
	}
	index = binary.BigEndian.Uint32(preamble[1:5])
	begin = binary.BigEndian.Uint32(preamble[5:9])
	return index, begin, nil
}
