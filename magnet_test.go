package torrent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMagnetHex(t *testing.T) {
	hash := strings.Repeat("ab", 20)
	m, err := ParseMagnet("magnet:?xt=urn:btih:" + hash + "&dn=foo&tr=http://a&tr=http://b&tr=http://a")
	require.NoError(t, err)
	require.Equal(t, hash, m.InfoHash.String())
	require.Equal(t, "foo", m.DisplayName)
	require.Equal(t, []string{"http://a", "http://b"}, m.Trackers)
}

func TestParseMagnetRequiresExactlyOneXt(t *testing.T) {
	hash := strings.Repeat("ab", 20)
	_, err := ParseMagnet("magnet:?tr=http://a")
	require.Error(t, err)

	_, err = ParseMagnet("magnet:?xt=urn:btih:" + hash + "&xt=urn:btih:" + hash)
	require.Error(t, err)
}

func TestParseMagnetRejectsUnknownUrn(t *testing.T) {
	_, err := ParseMagnet("magnet:?xt=urn:sha1:abcd")
	require.Error(t, err)
}

func TestParseMagnetIgnoresUnknownParams(t *testing.T) {
	hash := strings.Repeat("ab", 20)
	m, err := ParseMagnet("magnet:?xt=urn:btih:" + hash + "&x.pe=1.2.3.4:6881&ws=http://example/file")
	require.NoError(t, err)
	require.Equal(t, hash, m.InfoHash.String())
}

func TestMagnetRoundTrip(t *testing.T) {
	hash := strings.Repeat("cd", 20)
	m := Magnet{Trackers: []string{"http://a", "http://b"}}
	copy(m.InfoHash[:], mustHex(hash))
	formatted := m.Format()
	parsed, err := ParseMagnet(formatted)
	require.NoError(t, err)
	require.Equal(t, m.InfoHash, parsed.InfoHash)
	require.Equal(t, m.Trackers, parsed.Trackers)
}

func mustHex(s string) []byte {
	id, err := Id20FromHexString(s)
	if err != nil {
		panic(err)
	}
	return id[:]
}
