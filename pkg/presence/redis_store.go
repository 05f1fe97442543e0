package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KEYS[1] = presence key
// ARGV[1] = owner prefix (<nodeId>/)
// returns 1 when deleted, 0 when missing or owned by someone else
const luaDeleteIfPrefix = `
local v = redis.call("GET", KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1])) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var deleteIfPrefixScript = redis.NewScript(luaDeleteIfPrefix)

type RedisStore struct {
	rdb *redis.Client
}

// CreateRedisStore connects and pings so a bad address fails at startup.
func CreateRedisStore(ctx context.Context, c RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", c.Addr, err)
	}
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) DeleteIfPrefix(ctx context.Context, key, prefix string) (bool, error) {
	n, err := deleteIfPrefixScript.Run(ctx, s.rdb, []string{key}, prefix).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Get returns the owner value for key, or "" when absent.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
