package peer_protocol

import (
	"bytes"
	"errors"

	"github.com/jackpal/bencode-go"
)

// Our own extension ids, assigned once and stable within a session (spec.md §4.1). The ids we
// advertise to peers in our own 'm' map; the ids we use to address a given peer's handler are
// whatever *they* advertised to us.
const (
	ExtendedIDHandshake = 0
	UtMetadataID        = 3
	UtPexID             = 1
)

// ExtendedHandshake is ext_id 0's payload: a bencoded dictionary. We only decode the fields the
// core core cares about (spec.md §4.1).
type ExtendedHandshake struct {
	M            map[string]int64 `bencode:"m"`
	MetadataSize int64             `bencode:"metadata_size,omitempty"`
	Port         int64             `bencode:"p,omitempty"`
	Version      string            `bencode:"v,omitempty"`
	// YourIP, omitted: not needed by the core engine.
}

func MarshalExtendedHandshake(h ExtendedHandshake) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, h); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func UnmarshalExtendedHandshake(b []byte) (ExtendedHandshake, error) {
	var h ExtendedHandshake
	if err := bencode.Unmarshal(bytes.NewReader(b), &h); err != nil {
		return ExtendedHandshake{}, err
	}
	return h, nil
}

// UtMetadataMsgType is the msg_type field of a ut_metadata sub-message (BEP 9).
type UtMetadataMsgType int64

const (
	UtMetadataRequest UtMetadataMsgType = 0
	UtMetadataData    UtMetadataMsgType = 1
	UtMetadataReject  UtMetadataMsgType = 2
)

// UtMetadataDict is the bencoded dict prefix of a ut_metadata submessage. For msg_type=data, raw
// chunk bytes follow the dict in the same payload (spec.md §4.1); callers split it off using the
// bencode decoder's consumed-byte count via UnmarshalUtMetadataDict.
type UtMetadataDict struct {
	MsgType   UtMetadataMsgType `bencode:"msg_type"`
	Piece     int64             `bencode:"piece"`
	TotalSize int64             `bencode:"total_size,omitempty"`
}

func MarshalUtMetadataDict(d UtMetadataDict) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalUtMetadataDict decodes the leading bencoded dict from payload and returns it along with
// whatever raw bytes (if any) trailed it -- the data chunk, for msg_type=data.
func UnmarshalUtMetadataDict(payload []byte) (UtMetadataDict, []byte, error) {
	r := bytes.NewReader(payload)
	var d UtMetadataDict
	if err := bencode.Unmarshal(r, &d); err != nil {
		return UtMetadataDict{}, nil, err
	}
	rest := payload[len(payload)-r.Len():]
	return d, rest, nil
}

// ExtendedMessage is the tagged-variant decode of an EXTENDED message's ext_id, per spec.md §9's
// design note ("Extended-message codecs use tagged variants"). Exactly one of the pointer/slice
// fields is meaningful, selected by Kind.
type ExtendedMessage struct {
	Kind      ExtendedMessageKind
	Handshake ExtendedHandshake
	UtMetaDict UtMetadataDict
	UtMetaData []byte
	UnknownID  byte
	UnknownRaw []byte
}

type ExtendedMessageKind int

const (
	ExtendedKindHandshake ExtendedMessageKind = iota
	ExtendedKindUtMetadata
	ExtendedKindUnknown
)

// DecodeExtended interprets an already-Unmarshal'd Message of Type Extended, given the local id
// we assigned to ut_metadata (so we know how to interpret an otherwise-opaque ext_id). Any other
// non-zero ext_id, ut_pex included, decodes as ExtendedKindUnknown.
func DecodeExtended(m Message, localUtMetadataID byte) (ExtendedMessage, error) {
	if m.Type != Extended {
		return ExtendedMessage{}, errors.New("peer_protocol: not an extended message")
	}
	switch m.ExtendedID {
	case ExtendedIDHandshake:
		h, err := UnmarshalExtendedHandshake(m.ExtendedPayload)
		if err != nil {
			return ExtendedMessage{}, err
		}
		return ExtendedMessage{Kind: ExtendedKindHandshake, Handshake: h}, nil
	case localUtMetadataID:
		d, rest, err := UnmarshalUtMetadataDict(m.ExtendedPayload)
		if err != nil {
			return ExtendedMessage{}, err
		}
		return ExtendedMessage{Kind: ExtendedKindUtMetadata, UtMetaDict: d, UtMetaData: rest}, nil
	default:
		return ExtendedMessage{Kind: ExtendedKindUnknown, UnknownID: m.ExtendedID, UnknownRaw: m.ExtendedPayload}, nil
	}
}

// MakeExtendedMessage wraps a bencoded (or raw, for data submessages sharing the ut_metadata id)
// payload as a wire Message with the given peer-assigned ext_id.
func MakeExtendedMessage(extID byte, payload []byte) Message {
	return Message{Type: Extended, ExtendedID: extID, ExtendedPayload: payload}
}
