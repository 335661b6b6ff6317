package torrent

import "time"

// Backoff is the per-peer reconnect policy of spec.md §9: delays grow geometrically from
// Initial by Multiplier, capped at Max. GiveUp is carried as configuration only: neither Next nor
// PeerSet consults it, so elapsed or cumulative backoff time never ends the retries; a peer is
// given up on only after Config.MaxConnectFailuresPerPeer consecutive dial failures.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	GiveUp     time.Duration
}

// Next returns the backoff duration that follows prev (prev == 0 meaning "no attempt yet").
func (b Backoff) Next(prev time.Duration) time.Duration {
	if prev <= 0 {
		return b.Initial
	}
	next := time.Duration(float64(prev) * b.Multiplier)
	if next > b.Max {
		return b.Max
	}
	return next
}

// Config is the engine's explicit, global-state-free configuration (spec.md §9). Every
// recognized option is a named field with a documented default; there is no implicit fallback to
// package-level state.
type Config struct {
	// MaxInflightPerPeer bounds concurrent outstanding REQUESTs toward a single peer.
	MaxInflightPerPeer int
	// KeepaliveInterval is how often a keepalive is injected on an otherwise idle connection.
	KeepaliveInterval time.Duration
	// ConnectTimeout bounds the initial TCP dial.
	ConnectTimeout time.Duration
	// RWTimeout bounds idle time waiting for the next byte once connected.
	RWTimeout time.Duration
	// EndgameThreshold is the needed-piece count at or below which redundant requests begin
	// (endgame also starts once the needed pieces hold at most 2*MaxInflightPerPeer chunks).
	EndgameThreshold int
	// MaxMetadataBytes caps the ut_metadata assembly buffer.
	MaxMetadataBytes int64
	// PeerBackoff governs reconnect delay after a failed dial.
	PeerBackoff Backoff
	// MaxConnectFailuresPerPeer is the number of consecutive dial failures before a peer is
	// considered NotNeeded for the rest of the run.
	MaxConnectFailuresPerPeer int
	// PieceLengthCap rejects metainfo whose piece length exceeds this, as a sanity bound.
	PieceLengthCap int64
}

// DefaultConfig returns the configuration spec.md §9 specifies as the recognized defaults.
func DefaultConfig() Config {
	return Config{
		MaxInflightPerPeer: 128,
		KeepaliveInterval:  120 * time.Second,
		ConnectTimeout:     2 * time.Second,
		RWTimeout:          10 * time.Second,
		EndgameThreshold:   32,
		MaxMetadataBytes:   32 << 20,
		PeerBackoff: Backoff{
			Initial:    10 * time.Second,
			Multiplier: 6,
			Max:        time.Hour,
			GiveUp:     24 * time.Hour,
		},
		MaxConnectFailuresPerPeer: 3,
		PieceLengthCap:            16 << 20,
	}
}
