package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"spotrunner/internal/types"
)

// ErrLockHeld is returned when another runner owns the instance lock
var ErrLockHeld = errors.New("runner lock held by another instance")

// releaseLua deletes the lock only while it still carries our token
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// refreshLua extends the lock TTL only while it still carries our token
const refreshLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// RedisConfig holds connection parameters for RedisStore
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps the engine snapshot under <prefix>:state and provides a
// single-instance lock under <prefix>:lock
type RedisStore struct {
	rdb       *redis.Client
	logger    *slog.Logger
	prefix    string
	releaseSc *redis.Script
	refreshSc *redis.Script
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.Info("[REDIS] Connected", "addr", cfg.Addr, "prefix", keyPrefix(cfg.Prefix))
	return newRedisStore(rdb, cfg.Prefix, logger), nil
}

func newRedisStore(rdb *redis.Client, prefix string, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		rdb:       rdb,
		logger:    logger,
		prefix:    keyPrefix(prefix),
		releaseSc: redis.NewScript(releaseLua),
		refreshSc: redis.NewScript(refreshLua),
	}
}

func keyPrefix(p string) string {
	if p == "" {
		return "spotrunner"
	}
	return p
}

func (r *RedisStore) stateKey() string { return r.prefix + ":state" }
func (r *RedisStore) lockKey() string  { return r.prefix + ":lock" }

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.rdb.Close()
}

// Load returns the stored snapshot, or nil when none has been saved
func (r *RedisStore) Load(ctx context.Context) (*types.Snapshot, error) {
	raw, err := r.rdb.Get(ctx, r.stateKey()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			r.logger.Info("[REDIS] No stored state, starting fresh", "key", r.stateKey())
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	snap, err := decodeSnapshot(raw)
	if err != nil {
		return nil, err
	}
	r.logger.Info("[REDIS] State loaded", "positions", len(snap.Positions), "saved_at", snap.SavedAt)
	return snap, nil
}

// Save writes the snapshot without expiry
func (r *RedisStore) Save(ctx context.Context, snap *types.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, r.stateKey(), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	r.logger.Debug("[REDIS] State saved", "positions", len(snap.Positions))
	return nil
}

// Acquire takes the instance lock for ttl and keeps refreshing it until ctx
// ends or the returned release func is called. It returns ErrLockHeld when
// another runner owns the lock.
func (r *RedisStore) Acquire(ctx context.Context, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	ok, err := r.rdb.SetNX(ctx, r.lockKey(), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	r.logger.Info("[REDIS] Instance lock acquired", "key", r.lockKey(), "ttl", ttl)

	holdCtx, stop := context.WithCancel(ctx)
	go r.hold(holdCtx, token, ttl)

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		stop()

		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.releaseSc.Run(releaseCtx, r.rdb, []string{r.lockKey()}, token).Err(); err != nil {
			r.logger.Warn("[REDIS] Failed to release lock", "error", err)
			return
		}
		r.logger.Info("[REDIS] Instance lock released")
	}
	return release, nil
}

func (r *RedisStore) hold(ctx context.Context, token string, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.refreshSc.Run(ctx, r.rdb, []string{r.lockKey()}, token, ttl.Milliseconds()).Int()
			if err != nil {
				r.logger.Warn("[REDIS] Lock refresh failed", "error", err)
				continue
			}
			if n == 0 {
				r.logger.Error("[REDIS] Instance lock lost")
				return
			}
		}
	}
}
