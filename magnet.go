package torrent

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Magnet is a parsed magnet URI (spec.md §6.3). Only the fields the core engine consumes are
// kept; any other query parameter is accepted and discarded silently.
type Magnet struct {
	InfoHash    Id20
	DisplayName string
	Trackers    []string // deduplicated, first-seen order
}

const magnetScheme = "magnet:"
const btihPrefix = "urn:btih:"

// ParseMagnet parses a magnet URI per spec.md §6.3: exactly one xt=urn:btih:<hex40-or-base32> is
// required, tr values are collected into a deduplicated set, and any other query parameter is
// ignored rather than rejected.
func ParseMagnet(s string) (Magnet, error) {
	if !strings.HasPrefix(s, magnetScheme) {
		return Magnet{}, fmt.Errorf("torrent: not a magnet uri")
	}
	u, err := url.Parse(s)
	if err != nil {
		return Magnet{}, fmt.Errorf("torrent: magnet: %w", err)
	}
	q := u.RawQuery
	values, err := url.ParseQuery(q)
	if err != nil {
		return Magnet{}, fmt.Errorf("torrent: magnet query: %w", err)
	}

	xts := values["xt"]
	if len(xts) != 1 {
		return Magnet{}, fmt.Errorf("torrent: magnet requires exactly one xt parameter, got %d", len(xts))
	}
	ih, err := parseBtih(xts[0])
	if err != nil {
		return Magnet{}, err
	}

	m := Magnet{InfoHash: ih}
	if dn := values.Get("dn"); dn != "" {
		m.DisplayName = dn
	}

	seen := make(map[string]bool)
	for _, tr := range values["tr"] {
		if seen[tr] {
			continue
		}
		seen[tr] = true
		m.Trackers = append(m.Trackers, tr)
	}
	return m, nil
}

func parseBtih(xt string) (Id20, error) {
	if !strings.HasPrefix(xt, btihPrefix) {
		return Id20{}, fmt.Errorf("torrent: unsupported xt urn %q", xt)
	}
	hash := xt[len(btihPrefix):]
	switch len(hash) {
	case 40:
		return Id20FromHexString(hash)
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(hash))
		if err != nil || len(b) != 20 {
			return Id20{}, fmt.Errorf("torrent: invalid base32 info-hash in magnet")
		}
		var id Id20
		copy(id[:], b)
		return id, nil
	default:
		return Id20{}, fmt.Errorf("torrent: info-hash must be 40 hex or 32 base32 chars, got %d", len(hash))
	}
}

// Format renders m back to a canonical magnet URI: xt first, then dn (if set), then tr in the
// stored order. This is the canonical subset that ParseMagnet(Format(m)) round-trips (the
// round-trip property is only claimed for magnets built this way, not arbitrary third-party
// magnet strings with params we don't model).
func (m Magnet) Format() string {
	var b strings.Builder
	b.WriteString(magnetScheme)
	b.WriteString("?xt=")
	b.WriteString(btihPrefix)
	b.WriteString(hex.EncodeToString(m.InfoHash[:]))
	if m.DisplayName != "" {
		b.WriteString("&dn=")
		b.WriteString(url.QueryEscape(m.DisplayName))
	}
	for _, tr := range m.Trackers {
		b.WriteString("&tr=")
		b.WriteString(url.QueryEscape(tr))
	}
	return b.String()
}
