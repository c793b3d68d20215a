package storage

import (
	"fmt"

	"github.com/nexus-pool/nxs-pool/internal/config"
)

// Open builds the ledger backend selected by cfg.Storage and loads the
// ledger. The Redis client is returned as well when Redis is the backend,
// so callers can use it as a ban mirror.
func Open(cfg *config.Config) (*Ledger, *RedisClient, error) {
	switch cfg.Storage.Type {
	case "redis":
		client, err := NewRedisClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		ledger := NewLedger(client, JSONCodec{})
		if err := ledger.Load(); err != nil {
			client.Close()
			return nil, nil, err
		}
		return ledger, client, nil

	case "bolt":
		backend, err := NewBoltBackend(cfg.Storage.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		ledger := NewLedger(backend, CBORCodec{})
		if err := ledger.Load(); err != nil {
			backend.Close()
			return nil, nil, err
		}
		return ledger, nil, nil

	case "memory":
		ledger := NewLedger(NewMemoryBackend(), JSONCodec{})
		return ledger, nil, ledger.Load()
	}

	return nil, nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
}
