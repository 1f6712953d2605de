package devices

import (
	"context"
	"encoding/json"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Exiqonbotz/phoenix-baileys/internal/store"
)

// DefaultTTL is how long a resolved device list is trusted.
const DefaultTTL = 5 * time.Minute

// Cache maps a bare user to its last resolved device list. Implementations
// are best-effort: a failing backend reports a miss and drops writes.
type Cache interface {
	Get(ctx context.Context, user string) ([]Address, bool)
	Set(ctx context.Context, user string, devices []Address)
}

// MemoryCache is a process-local Cache with a fixed TTL.
type MemoryCache struct {
	c *gocache.Cache
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{c: gocache.New(ttl, 2*ttl)}
}

func (m *MemoryCache) Get(_ context.Context, user string) ([]Address, bool) {
	v, ok := m.c.Get(user)
	if !ok {
		return nil, false
	}
	devices := v.([]Address)
	return append([]Address(nil), devices...), true
}

func (m *MemoryCache) Set(_ context.Context, user string, devices []Address) {
	m.c.SetDefault(user, append([]Address(nil), devices...))
}

// Flush drops every entry.
func (m *MemoryCache) Flush() { m.c.Flush() }

// RedisCache shares device lists between processes through Redis.
type RedisCache struct {
	cli    *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// RedisOptions configures NewRedisCache.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
	Timeout  time.Duration
}

func NewRedisCache(opts RedisOptions, logger zerolog.Logger) *RedisCache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Prefix == "" {
		opts.Prefix = "phoenix:devices:"
	}
	cli := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	})
	return NewRedisCacheWithClient(cli, opts.Prefix, opts.TTL, logger)
}

// NewRedisCacheWithClient uses an existing client.
func NewRedisCacheWithClient(cli *redis.Client, prefix string, ttl time.Duration, logger zerolog.Logger) *RedisCache {
	return &RedisCache{
		cli:    cli,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With().Str("component", "device-cache").Logger(),
	}
}

func (r *RedisCache) Get(ctx context.Context, user string) ([]Address, bool) {
	raw, err := r.cli.Get(ctx, r.prefix+user).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("user", user).Msg("redis get failed")
		return nil, false
	}
	var devices []Address
	if err := json.Unmarshal(raw, &devices); err != nil {
		r.logger.Warn().Err(err).Str("user", user).Msg("bad cached device list")
		return nil, false
	}
	return devices, true
}

func (r *RedisCache) Set(ctx context.Context, user string, devices []Address) {
	raw, err := json.Marshal(devices)
	if err != nil {
		r.logger.Warn().Err(err).Msg("encode device list")
		return
	}
	if err := r.cli.Set(ctx, r.prefix+user, raw, r.ttl).Err(); err != nil {
		r.logger.Warn().Err(err).Str("user", user).Msg("redis set failed")
	}
}

func (r *RedisCache) Close() error { return r.cli.Close() }

// StoreCache keeps device lists in the SQLite store so they survive restarts.
type StoreCache struct {
	st     *store.Store
	ttl    time.Duration
	logger zerolog.Logger
}

func NewStoreCache(st *store.Store, ttl time.Duration, logger zerolog.Logger) *StoreCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &StoreCache{st: st, ttl: ttl, logger: logger.With().Str("component", "device-cache").Logger()}
}

func (s *StoreCache) Get(_ context.Context, user string) ([]Address, bool) {
	ids, ok, err := s.st.GetDevices(user, s.ttl)
	if err != nil {
		s.logger.Warn().Err(err).Str("user", user).Msg("load devices")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	devices := make([]Address, len(ids))
	for i, id := range ids {
		devices[i] = Address{User: user, Device: id}
	}
	return devices, true
}

func (s *StoreCache) Set(_ context.Context, user string, devices []Address) {
	ids := make([]uint16, len(devices))
	for i, d := range devices {
		ids[i] = d.Device
	}
	if err := s.st.SetDevices(user, ids); err != nil {
		s.logger.Warn().Err(err).Str("user", user).Msg("save devices")
	}
}
