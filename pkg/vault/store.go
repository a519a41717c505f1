package vault

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/openmesh/dws/pkg/errdefs"
	"github.com/openmesh/dws/pkg/types"
)

// Store persists credential records
type Store interface {
	Save(cred *types.Credential) error
	Delete(id string) error
	LoadAll() ([]*types.Credential, error)
}

var bucketCredentials = []byte("credentials")

// BoltStore is a bbolt-backed credential store
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the credentials bucket on db
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCredentials)
		return err
	})
	if err != nil {
		return nil, errdefs.Transient.Wrap(err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Save(cred *types.Credential) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		data, err := json.Marshal(cred)
		if err != nil {
			return err
		}
		return b.Put([]byte(cred.ID), data)
	})
}

func (s *BoltStore) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) LoadAll() ([]*types.Credential, error) {
	var creds []*types.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		return b.ForEach(func(k, v []byte) error {
			var cred types.Credential
			if err := json.Unmarshal(v, &cred); err != nil {
				return err
			}
			creds = append(creds, &cred)
			return nil
		})
	})
	return creds, err
}
