// Package storage provides a BoltDB-backed implementation of
// broker.KVStore for the single-process deployment variant: dedup
// identities and per-endpoint circuit state that survive a process
// restart without requiring a Redis dependency (spec.md §4.2).
package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ipcasj/ethhook/pkg/types"
)

var (
	bucketDedup    = []byte("dedup")
	bucketCircuits = []byte("circuits")
)

// BoltKVStore implements broker.KVStore on top of a local BoltDB file.
type BoltKVStore struct {
	db *bolt.DB
}

// NewBoltKVStore opens (creating if absent) a BoltDB file under dataDir.
func NewBoltKVStore(dataDir string) (*BoltKVStore, error) {
	dbPath := filepath.Join(dataDir, "ethhook.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketDedup, bucketCircuits} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("storage: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltKVStore{db: db}, nil
}

// Close closes the underlying database file.
func (s *BoltKVStore) Close() error {
	return s.db.Close()
}

// SetIfAbsent implements broker.KVStore's dedup check: the key is
// considered present until its stored expiry passes.
func (s *BoltKVStore) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	fresh := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDedup)
		k := []byte(key)

		if existing := b.Get(k); existing != nil {
			expiresAt := int64(binary.BigEndian.Uint64(existing))
			if time.Now().Unix() < expiresAt {
				return nil // still within the dedup window, not fresh
			}
		}

		fresh = true
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(time.Now().Add(ttl).Unix()))
		return b.Put(k, buf)
	})
	if err != nil {
		return false, fmt.Errorf("storage: dedup set: %w", err)
	}
	return fresh, nil
}

// GetCircuit reads circuit state, treating an expired entry as absent.
func (s *BoltKVStore) GetCircuit(ctx context.Context, endpointID string) (types.EndpointCircuit, bool, error) {
	var circuit types.EndpointCircuit
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCircuits)
		data := b.Get([]byte(endpointID))
		if data == nil {
			return nil
		}

		var stored storedCircuit
		if err := json.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("storage: unmarshal circuit: %w", err)
		}
		if time.Now().After(stored.Expires) {
			return nil
		}
		circuit = stored.Circuit
		found = true
		return nil
	})
	return circuit, found, err
}

// PutCircuit writes circuit state with a TTL.
func (s *BoltKVStore) PutCircuit(ctx context.Context, circuit types.EndpointCircuit, ttl time.Duration) error {
	stored := storedCircuit{Circuit: circuit, Expires: time.Now().Add(ttl)}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("storage: marshal circuit: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCircuits)
		return b.Put([]byte(circuit.EndpointID), data)
	})
}

type storedCircuit struct {
	Circuit types.EndpointCircuit `json:"circuit"`
	Expires time.Time             `json:"expires"`
}
