package watermark

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/rindexer-go/rindexer/internal/model"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("watermarks")

// BoltStore is the local durable default, generalizing the teacher's
// internal/db/checkpoint.go from a single service_name key to the
// composite (indexer,contract,event,network) key this engine needs.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if absent) a bbolt-backed watermark store.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt watermark store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create watermark bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying file.
func (s *BoltStore) Close() error { return s.db.Close() }

func keyBytes(k model.WatermarkKey) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s", k.Indexer, k.Contract, k.Event, k.Network))
}

// Get implements Store.
func (s *BoltStore) Get(_ context.Context, key model.WatermarkKey) (uint64, bool, error) {
	var (
		val uint64
		ok  bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName).Get(keyBytes(key))
		if b == nil {
			return nil
		}
		val = binary.BigEndian.Uint64(b)
		ok = val != 0
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("read watermark: %w", err)
	}
	return val, ok, nil
}

// Advance implements Store, applying new > current under the bucket's
// single-writer transaction lock.
func (s *BoltStore) Advance(_ context.Context, key model.WatermarkKey, newBlock uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		existing := bucket.Get(keyBytes(key))
		if existing != nil {
			cur := binary.BigEndian.Uint64(existing)
			if newBlock <= cur {
				return nil
			}
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, newBlock)
		return bucket.Put(keyBytes(key), buf)
	})
}
