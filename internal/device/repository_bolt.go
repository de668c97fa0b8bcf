package device

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSnapshots = []byte("snapshots")

// boltOpenTimeout bounds the wait for the database file lock.
const boltOpenTimeout = 5 * time.Second

// BoltRepository implements Repository on an embedded BoltDB file:
// one bucket, one JSON document per device key.
type BoltRepository struct {
	db *bolt.DB
}

// NewBoltRepository opens or creates the snapshot database at path.
func NewBoltRepository(path string) (*BoltRepository, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot bucket: %w", err)
	}

	return &BoltRepository{db: db}, nil
}

// Upsert persists a snapshot; last write wins per key.
func (r *BoltRepository) Upsert(key string, snap *Snapshot) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSnapshots)
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot %s: %w", key, err)
		}
		return b.Put([]byte(key), data)
	})
}

// FetchAll loads every persisted snapshot. Documents that no longer
// decode are skipped rather than failing the whole hydration.
func (r *BoltRepository) FetchAll() ([]Snapshot, error) {
	var snapshots []Snapshot
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		if b == nil {
			return nil
		}
		snapshots = make([]Snapshot, 0, b.Stats().KeyN)
		return b.ForEach(func(_, v []byte) error {
			var snap Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return nil
			}
			snapshots = append(snapshots, snap)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("fetch snapshots: %w", err)
	}
	return snapshots, nil
}

// DeleteAll drops and recreates the snapshot bucket.
func (r *BoltRepository) DeleteAll() error {
	return r.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketSnapshots); err != nil {
			return fmt.Errorf("delete snapshot bucket: %w", err)
		}
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	})
}

// Close closes the underlying database file.
func (r *BoltRepository) Close() error {
	return r.db.Close()
}
