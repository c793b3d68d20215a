package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/nexus-pool/nxs-pool/internal/util"
	bolt "go.etcd.io/bbolt"
)

// BoltBackend keeps each table in a bbolt bucket
type BoltBackend struct {
	db *bolt.DB
}

// NewBoltBackend opens or creates the ledger file
func NewBoltBackend(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	util.Infof("Opened bolt ledger at %s", path)
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) LoadAll(table string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(table))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return out, err
}

func (b *BoltBackend) Save(table string, records map[string][]byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(table))
		if err != nil {
			return err
		}
		for k, v := range records {
			if err := bucket.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}

// MemoryBackend keeps encoded records in process memory
type MemoryBackend struct {
	mu     sync.Mutex
	tables map[string]map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{tables: make(map[string]map[string][]byte)}
}

func (m *MemoryBackend) LoadAll(table string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.tables[table]))
	for k, v := range m.tables[table] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryBackend) Save(table string, records map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		t = make(map[string][]byte)
		m.tables[table] = t
	}
	for k, v := range records {
		t[k] = v
	}
	return nil
}

func (m *MemoryBackend) Close() error {
	return nil
}
