package torrent

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
)

// Id20 is an opaque 20-byte hash, used for both info-hashes and peer-ids.
type Id20 [20]byte

func (id Id20) String() string {
	return hex.EncodeToString(id[:])
}

// Id20FromHexString parses a 40-character lowercase-or-uppercase hex string.
func Id20FromHexString(s string) (id Id20, err error) {
	if len(s) != 40 {
		return id, errors.New("id20: expected 40 hex characters")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

// Distance returns the XOR distance between two ids, as used by DHT-style routing. The core
// itself never routes on this; it's part of the public type because Id20 is shared with
// collaborators that do (the DHT, out of scope per spec.md §1).
func (id Id20) Distance(other Id20) (ret Id20) {
	for i := range id {
		ret[i] = id[i] ^ other[i]
	}
	return
}

func (id Id20) IsZero() bool {
	return id == Id20{}
}

// NewPeerID generates a fresh random peer-id: prefix (conventionally version.Bep20Prefix, a BEP
// 20 client signature) followed by random bytes filling out the remaining 20. Callers that want a
// different convention can just build an Id20 themselves; TorrentOpts.OurPeerID has no default.
func NewPeerID(prefix string) (Id20, error) {
	var id Id20
	n := copy(id[:], prefix)
	if _, err := rand.Read(id[n:]); err != nil {
		return Id20{}, err
	}
	return id, nil
}
