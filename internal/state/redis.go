package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStore keeps state in Redis so a standby worker can take over. Every
// write is mirrored to the fallback store; reads fall back to it while
// Redis is unreachable.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	fallback  Store
	available atomic.Bool
	log       zerolog.Logger
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Fallback Store
	Logger   zerolog.Logger
}

// NewRedisStore connects and pings once. An unreachable server is not an
// error; the store starts in fallback mode and retries on each call.
func NewRedisStore(opts RedisOptions) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = "autotrader"
	}
	if opts.Fallback == nil {
		opts.Fallback = NewMemoryStore()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	s := &RedisStore{client: client, prefix: opts.Prefix, fallback: opts.Fallback, log: opts.Logger}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.log.Warn().Err(err).Str("addr", opts.Addr).Msg("redis unavailable at startup, using fallback state store")
		s.available.Store(false)
	} else {
		s.available.Store(true)
	}
	return s
}

// Available reports whether the last Redis call succeeded.
func (s *RedisStore) Available() bool { return s.available.Load() }

func (s *RedisStore) key(name string) string { return s.prefix + ":" + name }

func (s *RedisStore) LoadTrades(ctx context.Context) (map[string]Trade, error) {
	out := map[string]Trade{}
	ok, err := s.get(ctx, "active_trades", &out)
	if err != nil || !ok {
		return s.fallback.LoadTrades(ctx)
	}
	return out, nil
}

func (s *RedisStore) SaveTrades(ctx context.Context, trades map[string]Trade) error {
	ferr := s.fallback.SaveTrades(ctx, trades)
	if err := s.set(ctx, "active_trades", trades); err != nil {
		return err
	}
	if !s.Available() {
		return ferr
	}
	return nil
}

func (s *RedisStore) LoadHighWater(ctx context.Context) (map[string]float64, error) {
	out := map[string]float64{}
	ok, err := s.get(ctx, "high_water", &out)
	if err != nil || !ok {
		return s.fallback.LoadHighWater(ctx)
	}
	return out, nil
}

func (s *RedisStore) SaveHighWater(ctx context.Context, marks map[string]float64) error {
	ferr := s.fallback.SaveHighWater(ctx, marks)
	if err := s.set(ctx, "high_water", marks); err != nil {
		return err
	}
	if !s.Available() {
		return ferr
	}
	return nil
}

func (s *RedisStore) Close() error {
	return errors.Join(s.client.Close(), s.fallback.Close())
}

// get returns false when the key does not exist.
func (s *RedisStore) get(ctx context.Context, name string, out any) (bool, error) {
	data, err := s.client.Get(ctx, s.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		s.available.Store(true)
		return false, nil
	}
	if err != nil {
		s.markDown(err)
		return false, err
	}
	s.available.Store(true)
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return true, nil
}

// set logs and swallows Redis outages since the fallback already holds
// the write.
func (s *RedisStore) set(ctx context.Context, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	if err := s.client.Set(ctx, s.key(name), data, 0).Err(); err != nil {
		s.markDown(err)
		return nil
	}
	s.available.Store(true)
	return nil
}

func (s *RedisStore) markDown(err error) {
	if s.available.Swap(false) {
		s.log.Warn().Err(err).Msg("redis state store unavailable, serving fallback")
	}
}
