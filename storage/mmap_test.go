package storage

import (
	"context"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestMMapStorageReadWrite(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	s := NewMMap(dir)
	ts, err := s.Init([]FileMeta{{ID: 0, Path: "greeting.txt", Length: 13}})
	c.Assert(err, qt.IsNil)
	defer func() {
		c.Check(ts.Close(), qt.IsNil)
	}()

	ctx := context.Background()
	c.Assert(ts.Pwrite(ctx, 0, 0, []byte("hello, world!")), qt.IsNil)

	buf := make([]byte, 13)
	c.Assert(ts.Pread(ctx, 0, 0, buf), qt.IsNil)
	c.Assert(string(buf), qt.Equals, "hello, world!")
}

func TestMMapStorageTakeMakesOriginalInert(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	s := NewMMap(dir)
	ts, err := s.Init([]FileMeta{{ID: 0, Path: "f", Length: 4}})
	c.Assert(err, qt.IsNil)

	taken, err := ts.Take()
	c.Assert(err, qt.IsNil)
	defer taken.Close()

	buf := make([]byte, 4)
	c.Assert(ts.Pread(context.Background(), 0, 0, buf), qt.Equals, ErrFileNotAvailable)

	_, err = ts.Take()
	c.Assert(err, qt.Equals, ErrFileNotAvailable)
}
