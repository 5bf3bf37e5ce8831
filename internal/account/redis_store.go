package account

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/utils"
)

// redisPoolKey holds the serialized pool. Rate-limit state rides along
// in the same document; the pool is owned by a single process, Redis
// is durability, not coordination.
const redisPoolKey = "antigravity:accounts"

// RedisStore persists the pool as a JSON document in Redis. It is the
// drop-in alternative to FileStore for deployments where the proxy
// runs in a container without a stable filesystem.
type RedisStore struct {
	client *redis.Client
	log    *utils.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int, log *utils.Logger) (*RedisStore, error) {
	if log == nil {
		log = utils.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client, log: log}, nil
}

// Load reads the pool document. A missing key yields an empty pool.
func (s *RedisStore) Load(ctx context.Context) (*Pool, error) {
	data, err := s.client.Get(ctx, redisPoolKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return NewPool(), nil
		}
		return nil, err
	}

	pool := NewPool()
	if err := json.Unmarshal(data, pool); err != nil {
		s.log.Error("[AccountStore] Corrupt pool document in Redis: %v", err)
		return NewPool(), nil
	}

	pool.Normalize()
	s.log.Info("[AccountStore] Loaded %d account(s) from Redis", len(pool.Accounts))
	return pool, nil
}

// Save writes the pool document. Redis SET is atomic, so a crashed
// writer never leaves a torn document behind.
func (s *RedisStore) Save(ctx context.Context, pool *Pool) error {
	data, err := json.MarshalIndent(pool, "", "  ")
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisPoolKey, data, 0).Err()
}

// Close releases the underlying connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
