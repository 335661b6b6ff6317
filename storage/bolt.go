package storage

import (
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// completionBucket holds one key per torrent (info-hash), mapping to a packed bitset of
// completed piece indices. This is the SUPPLEMENTED-FEATURES resume persistence: a have-bitfield
// computed once by the initial check survives a process restart instead of being recomputed.
var completionBucket = []byte("piece-completion")

// BoltDBStorage wraps a FileStorage rooted at the same directory and additionally records piece completion
// in a bbolt database, so a resumed torrent can skip rehashing pieces it already verified.
type BoltDBStorage struct {
	inner Storage
	db    *bolt.DB
}

// NewBoltDB opens (creating if necessary) a bbolt database at baseDir/.completion.db and wraps a
// plain file storage rooted at baseDir. Grounded on the teacher's storage.NewBoltDB constructor
// shape (storage/bolt-piece_test.go).
func NewBoltDB(baseDir string) (*BoltDBStorage, error) {
	db, err := bolt.Open(filepath.Join(baseDir, ".completion.db"), 0o644, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(completionBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltDBStorage{inner: NewFile(baseDir), db: db}, nil
}

// Init opens the files through the wrapped FileStorage. The returned handle's completion record is
// scoped by the 20-byte info-hash later passed to its SetInfoHash.
func (s *BoltDBStorage) Init(files []FileMeta) (TorrentStorage, error) {
	inner, err := s.inner.Init(files)
	if err != nil {
		return nil, err
	}
	return &boltTorrentStorage{TorrentStorage: inner, db: s.db}, nil
}

func (s *BoltDBStorage) Close() error {
	return s.db.Close()
}

type boltTorrentStorage struct {
	TorrentStorage
	db       *bolt.DB
	infoHash [20]byte
}

// SetInfoHash scopes subsequent OnPieceCompleted/LoadCompletion calls. Must be called once after
// Init, before any piece completion is recorded or queried.
func (s *boltTorrentStorage) SetInfoHash(ih [20]byte) {
	s.infoHash = ih
}

func (s *boltTorrentStorage) OnPieceCompleted(pieceIndex int) error {
	if err := s.TorrentStorage.OnPieceCompleted(pieceIndex); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(completionBucket)
		key := s.infoHash[:]
		existing := b.Get(key)
		bitmap := make([]byte, len(existing))
		copy(bitmap, existing)
		byteIdx := pieceIndex / 8
		for len(bitmap) <= byteIdx {
			bitmap = append(bitmap, 0)
		}
		bitmap[byteIdx] |= 1 << uint(7-pieceIndex%8)
		return b.Put(key, bitmap)
	})
}

// LoadCompletion returns which piece indices (0..numPieces) were previously recorded complete.
func (s *boltTorrentStorage) LoadCompletion(numPieces int) ([]bool, error) {
	have := make([]bool, numPieces)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(completionBucket)
		bitmap := b.Get(s.infoHash[:])
		for i := 0; i < numPieces; i++ {
			byteIdx := i / 8
			if byteIdx >= len(bitmap) {
				continue
			}
			have[i] = bitmap[byteIdx]&(1<<uint(7-i%8)) != 0
		}
		return nil
	})
	return have, err
}

// ClearCompletion removes the persisted record entirely, used when a torrent is deleted.
func (s *boltTorrentStorage) ClearCompletion() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(completionBucket).Delete(s.infoHash[:])
	})
}
