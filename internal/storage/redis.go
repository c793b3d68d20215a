package storage

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/nexus-pool/nxs-pool/internal/util"
)

const (
	keyPrefix = "nxs:"

	// Key patterns
	keyTable          = keyPrefix + "ledger:%s"
	keyBannedAccounts = keyPrefix + "bans:accounts"
	keyBannedIPs      = keyPrefix + "bans:ips"
)

// RedisClient is a ledger backend storing each table as a Redis hash. It
// also mirrors the banned user lists as sets.
type RedisClient struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisClient creates a new Redis client
func NewRedisClient(url, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Info("Connected to Redis at ", url)
	return &RedisClient{client: client, ctx: ctx}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

func (r *RedisClient) LoadAll(table string) (map[string][]byte, error) {
	data, err := r.client.HGetAll(r.ctx, fmt.Sprintf(keyTable, table)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(data))
	for k, v := range data {
		out[k] = []byte(v)
	}
	return out, nil
}

func (r *RedisClient) Save(table string, records map[string][]byte) error {
	if len(records) == 0 {
		return nil
	}
	key := fmt.Sprintf(keyTable, table)

	pipe := r.client.TxPipeline()
	for k, v := range records {
		pipe.HSet(r.ctx, key, k, v)
	}
	_, err := pipe.Exec(r.ctx)
	return err
}

func (r *RedisClient) AddBannedAccount(account string) error {
	return r.client.SAdd(r.ctx, keyBannedAccounts, account).Err()
}

func (r *RedisClient) AddBannedIP(ip string) error {
	return r.client.SAdd(r.ctx, keyBannedIPs, ip).Err()
}

func (r *RedisClient) RemoveBannedAccount(account string) error {
	return r.client.SRem(r.ctx, keyBannedAccounts, account).Err()
}

func (r *RedisClient) RemoveBannedIP(ip string) error {
	return r.client.SRem(r.ctx, keyBannedIPs, ip).Err()
}

func (r *RedisClient) BannedAccounts() ([]string, error) {
	return r.client.SMembers(r.ctx, keyBannedAccounts).Result()
}

func (r *RedisClient) BannedIPs() ([]string, error) {
	return r.client.SMembers(r.ctx, keyBannedIPs).Result()
}
