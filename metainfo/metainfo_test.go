package metainfo

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"
)

func buildTorrentBytes(t *testing.T, info map[string]interface{}, announce string) []byte {
	t.Helper()
	top := map[string]interface{}{
		"announce": announce,
		"info":     info,
	}
	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, top))
	return buf.Bytes()
}

func TestParseSingleFile(t *testing.T) {
	pieces := string(append(sha1.New().Sum(nil), sha1.New().Sum(nil)...))
	b := buildTorrentBytes(t, map[string]interface{}{
		"name":         "foo.iso",
		"piece length": int64(1 << 18),
		"pieces":       pieces,
		"length":       int64(1000),
	}, "http://tracker.example/announce")

	mi, err := Parse(b)
	require.NoError(t, err)
	require.Equal(t, "http://tracker.example/announce", mi.Announce)
	require.NoError(t, mi.Info.Validate())
	require.False(t, mi.Info.IsMultiFile())
	require.EqualValues(t, 1000, mi.Info.TotalLength())
	require.Equal(t, 2, mi.Info.NumPieces())

	names, lengths := mi.Info.NamesAndLengths()
	require.Equal(t, []string{"foo.iso"}, names)
	require.Equal(t, []int64{1000}, lengths)
}

func TestParseMultiFile(t *testing.T) {
	pieces := string(sha1.New().Sum(nil))
	b := buildTorrentBytes(t, map[string]interface{}{
		"name":         "mydir",
		"piece length": int64(1 << 18),
		"pieces":       pieces,
		"files": []interface{}{
			map[string]interface{}{
				"length": int64(500),
				"path":   []interface{}{"a.txt"},
			},
			map[string]interface{}{
				"length": int64(700),
				"path":   []interface{}{"sub", "b.txt"},
			},
		},
	}, "")

	mi, err := Parse(b)
	require.NoError(t, err)
	require.NoError(t, mi.Info.Validate())
	require.True(t, mi.Info.IsMultiFile())
	require.EqualValues(t, 1200, mi.Info.TotalLength())

	names, lengths := mi.Info.NamesAndLengths()
	require.Equal(t, []string{"a.txt", "sub/b.txt"}, names)
	require.Equal(t, []int64{500, 700}, lengths)
}

func TestHashInfoBytesStable(t *testing.T) {
	pieces := string(sha1.New().Sum(nil))
	info := map[string]interface{}{
		"name":         "x",
		"piece length": int64(16384),
		"pieces":       pieces,
		"length":       int64(1),
	}
	b := buildTorrentBytes(t, info, "")
	mi, err := Parse(b)
	require.NoError(t, err)
	h1 := mi.HashInfoBytes()

	// Re-parsing the same bytes must yield the same hash.
	mi2, err := Parse(b)
	require.NoError(t, err)
	require.Equal(t, h1, mi2.HashInfoBytes())
}

func TestValidateRejectsBothLengthAndFiles(t *testing.T) {
	info := InfoDict{
		Name:        "x",
		PieceLength: 1,
		Pieces:      string(sha1.New().Sum(nil)),
		Length:      10,
		Files:       []FileDict{{Length: 1, Path: []string{"a"}}},
	}
	require.Error(t, info.Validate())
}

func TestValidateRejectsTraversal(t *testing.T) {
	info := InfoDict{
		Name:        "x",
		PieceLength: 1,
		Pieces:      string(sha1.New().Sum(nil)),
		Files:       []FileDict{{Length: 1, Path: []string{"..", "etc", "passwd"}}},
	}
	require.Error(t, info.Validate())
}

func TestPieceHashBounds(t *testing.T) {
	info := InfoDict{Pieces: string(sha1.New().Sum(nil))}
	_, err := info.PieceHash(0)
	require.NoError(t, err)
	_, err = info.PieceHash(1)
	require.Error(t, err)
	_, err = info.PieceHash(-1)
	require.Error(t, err)
}
