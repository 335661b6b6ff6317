package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// FileStorage is a Storage backed by plain os.File handles rooted at a base directory, one file
// per torrent file, all opened (and created if missing) by Init and kept open for the handle's
// lifetime.
type FileStorage struct {
	BaseDir string
}

func NewFile(baseDir string) *FileStorage {
	return &FileStorage{BaseDir: baseDir}
}

func (s *FileStorage) Init(files []FileMeta) (TorrentStorage, error) {
	fs := &fileTorrentStorage{baseDir: s.BaseDir, files: make(map[FileID]*fileHandle, len(files))}
	for _, f := range files {
		fullPath := filepath.Join(s.BaseDir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
			return nil, err
		}
		fh, err := os.OpenFile(fullPath, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, err
		}
		fs.files[f.ID] = &fileHandle{f: fh, path: fullPath}
	}
	return fs, nil
}

type fileHandle struct {
	mu   sync.RWMutex
	f    *os.File
	path string
}

type fileTorrentStorage struct {
	NopPieceCompletion
	baseDir string
	taken   atomic.Bool
	files   map[FileID]*fileHandle
}

func (s *fileTorrentStorage) Pread(_ context.Context, id FileID, offset int64, buf []byte) error {
	if s.taken.Load() {
		return ErrFileNotAvailable
	}
	fh, ok := s.files[id]
	if !ok {
		return ErrFileNotAvailable
	}
	fh.mu.RLock()
	defer fh.mu.RUnlock()
	_, err := fh.f.ReadAt(buf, offset)
	return err
}

func (s *fileTorrentStorage) Pwrite(_ context.Context, id FileID, offset int64, buf []byte) error {
	if s.taken.Load() {
		return ErrFileNotAvailable
	}
	fh, ok := s.files[id]
	if !ok {
		return ErrFileNotAvailable
	}
	fh.mu.RLock()
	defer fh.mu.RUnlock()
	_, err := fh.f.WriteAt(buf, offset)
	return err
}

func (s *fileTorrentStorage) EnsureFileLength(id FileID, length int64) error {
	fh, ok := s.files[id]
	if !ok {
		return ErrFileNotAvailable
	}
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return fh.f.Truncate(length)
}

func (s *fileTorrentStorage) RemoveFile(id FileID) error {
	fh, ok := s.files[id]
	if !ok {
		return nil
	}
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if err := os.Remove(fh.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Take hands the open file handles to a fresh TorrentStorage and marks this one inert, per
// spec.md §4.5's Paused<->Live ownership-transfer contract.
func (s *fileTorrentStorage) Take() (TorrentStorage, error) {
	if !s.taken.CompareAndSwap(false, true) {
		return nil, ErrFileNotAvailable
	}
	return &fileTorrentStorage{baseDir: s.baseDir, files: s.files}, nil
}

func (s *fileTorrentStorage) Close() error {
	var firstErr error
	for _, fh := range s.files {
		fh.mu.Lock()
		if err := fh.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		fh.mu.Unlock()
	}
	return firstErr
}
