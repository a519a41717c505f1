package storagebench

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/openmesh/dws/pkg/errdefs"
	"github.com/openmesh/dws/pkg/types"
)

// Store persists providers, reputations and benchmark history
type Store interface {
	SaveProvider(p *types.StorageProvider) error
	DeleteProvider(id string) error
	SaveReputation(r *types.Reputation) error
	SaveHistory(providerID string, history []*types.BenchmarkResult) error
	LoadAll() ([]*types.StorageProvider, []*types.Reputation, map[string][]*types.BenchmarkResult, error)
}

var (
	bucketProviders   = []byte("storage_providers")
	bucketReputations = []byte("storage_reputations")
	bucketHistory     = []byte("benchmark_history")
)

// BoltStore is a bbolt-backed storage registry store
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the registry buckets on db
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketProviders, bucketReputations, bucketHistory} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errdefs.Transient.Wrap(err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveProvider(p *types.StorageProvider) error {
	return s.putJSON(bucketProviders, p.ID, p)
}

func (s *BoltStore) DeleteProvider(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketProviders).Delete([]byte(id)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketReputations).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketHistory).Delete([]byte(id))
	})
}

func (s *BoltStore) SaveReputation(r *types.Reputation) error {
	return s.putJSON(bucketReputations, r.ProviderID, r)
}

func (s *BoltStore) SaveHistory(providerID string, history []*types.BenchmarkResult) error {
	return s.putJSON(bucketHistory, providerID, history)
}

func (s *BoltStore) LoadAll() ([]*types.StorageProvider, []*types.Reputation, map[string][]*types.BenchmarkResult, error) {
	var providers []*types.StorageProvider
	var reputations []*types.Reputation
	history := make(map[string][]*types.BenchmarkResult)

	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketProviders).ForEach(func(k, v []byte) error {
			var p types.StorageProvider
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			providers = append(providers, &p)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketReputations).ForEach(func(k, v []byte) error {
			var r types.Reputation
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			reputations = append(reputations, &r)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketHistory).ForEach(func(k, v []byte) error {
			var results []*types.BenchmarkResult
			if err := json.Unmarshal(v, &results); err != nil {
				return err
			}
			history[string(k)] = results
			return nil
		})
	})
	if err != nil {
		return nil, nil, nil, errdefs.Transient.Wrap(err)
	}
	return providers, reputations, history, nil
}

func (s *BoltStore) putJSON(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}
