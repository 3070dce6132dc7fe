package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bookflow/internal/util"
)

// releaseScript deletes the lease only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with a Redis SetNX lease. The TTL bounds
// how long a crashed stage can wedge a project.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisLockerConfig configures the lease store.
type RedisLockerConfig struct {
	Addr     string
	Password string
	Prefix   string
	TTL      time.Duration
}

// NewRedisLocker builds a Redis-backed project lease store.
func NewRedisLocker(cfg RedisLockerConfig) (*RedisLocker, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "bookflow:stage"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

func (l *RedisLocker) key(projectID string) string {
	return l.prefix + ":" + projectID
}

// Acquire takes the project lease via SETNX.
func (l *RedisLocker) Acquire(ctx context.Context, projectID string) (string, bool, error) {
	token := util.NewID()
	ok, err := l.client.SetNX(ctx, l.key(projectID), token, l.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release frees the lease if token still owns it. Expired or stolen leases
// are left alone.
func (l *RedisLocker) Release(ctx context.Context, projectID, token string) error {
	return releaseScript.Run(ctx, l.client, []string{l.key(projectID)}, token).Err()
}
