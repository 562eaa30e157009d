// Package storage holds the persistence collaborators: a bbolt key-value
// blob store for connection state and keys, and a sqlite activity log.
package storage

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketNWC = []byte("nwc")

// KV is a whole-value blob store over bbolt. Values are read and written
// in full; there is no incremental patching.
type KV struct {
	db *bolt.DB
}

// OpenKV opens (creating if needed) the blob store at path.
func OpenKV(path string) (*KV, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open kv store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNWC)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &KV{db: db}, nil
}

// Close closes the underlying database.
func (s *KV) Close() error {
	return s.db.Close()
}

// GetItem returns the value stored under key, or nil if absent.
func (s *KV) GetItem(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketNWC).Get([]byte(key))
		if v != nil {
			out = make([]byte, len(v))
			copy(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return out, nil
}

// SetItem stores value under key, replacing any previous value.
func (s *KV) SetItem(key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNWC).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// DeleteItem removes key. Deleting an absent key is not an error.
func (s *KV) DeleteItem(key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNWC).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
