package confidentialdb

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/openmesh/dws/pkg/errdefs"
	"github.com/openmesh/dws/pkg/types"
)

// Store persists confidential database records
type Store interface {
	Save(db *types.ConfidentialDB) error
	LoadAll() ([]*types.ConfidentialDB, error)
}

var bucketDatabases = []byte("databases")

// BoltStore is a bbolt-backed database record store
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the databases bucket on db
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDatabases)
		return err
	})
	if err != nil {
		return nil, errdefs.Transient.Wrap(err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Save(record *types.ConfidentialDB) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDatabases)
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put([]byte(record.ID), data)
	})
}

func (s *BoltStore) LoadAll() ([]*types.ConfidentialDB, error) {
	var records []*types.ConfidentialDB
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDatabases)
		return b.ForEach(func(k, v []byte) error {
			var rec types.ConfidentialDB
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
			return nil
		})
	})
	return records, err
}
