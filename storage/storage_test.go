package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func testStorageRoundTrip(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()
	ts, err := s.Init([]FileMeta{{ID: 0, Path: "a.bin", Length: 16}})
	require.NoError(t, err)
	defer ts.Close()

	data := []byte("0123456789abcdef")
	require.NoError(t, ts.Pwrite(ctx, 0, 0, data))

	buf := make([]byte, 16)
	require.NoError(t, ts.Pread(ctx, 0, 0, buf))
	require.Equal(t, data, buf)

	require.NoError(t, ts.EnsureFileLength(0, 8))
	short := make([]byte, 8)
	require.NoError(t, ts.Pread(ctx, 0, 0, short))
	require.Equal(t, data[:8], short)
}

func TestMemoryStorageRoundTrip(t *testing.T) {
	testStorageRoundTrip(t, NewMemory())
}

func TestFileStorageRoundTrip(t *testing.T) {
	testStorageRoundTrip(t, NewFile(t.TempDir()))
}

func TestMMapStorageRoundTrip(t *testing.T) {
	testStorageRoundTrip(t, NewMMap(t.TempDir()))
}

func TestFileStorageTakeMakesOriginalInert(t *testing.T) {
	ctx := context.Background()
	s := NewFile(t.TempDir())
	ts, err := s.Init([]FileMeta{{ID: 0, Path: "a.bin", Length: 4}})
	require.NoError(t, err)

	replacement, err := ts.Take()
	require.NoError(t, err)

	buf := make([]byte, 4)
	err = ts.Pread(ctx, 0, 0, buf)
	require.ErrorIs(t, err, ErrFileNotAvailable)

	require.NoError(t, replacement.Pwrite(ctx, 0, 0, []byte{1, 2, 3, 4}))
	require.NoError(t, replacement.Close())
}

func TestBoltDBStoragePersistsCompletion(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBoltDB(dir)
	require.NoError(t, err)
	defer s.Close()

	ts, err := s.Init([]FileMeta{{ID: 0, Path: "a.bin", Length: 4}})
	require.NoError(t, err)
	bts := ts.(*boltTorrentStorage)
	bts.SetInfoHash([20]byte{1, 2, 3})

	require.NoError(t, bts.OnPieceCompleted(0))
	require.NoError(t, bts.OnPieceCompleted(2))

	have, err := bts.LoadCompletion(4)
	require.NoError(t, err)
	require.Equal(t, []bool{true, false, true, false}, have)
}
