package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/adtruth/server/internal/logging"
)

const keyPrefix = "adtruth"

// RedisConfig configures the Redis store.
type RedisConfig struct {
	// URL is either redis://[:password@]host:port/db or a bare host:port.
	URL         string
	Password    string
	DB          int
	MaxRecords  int
	RecordTTL   time.Duration
	DialTimeout time.Duration
}

// RedisStore keeps a capped list of records per site, a lookup key per
// record and a per-site hash of finding-kind counters.
type RedisStore struct {
	client     *redis.Client
	maxRecords int
	ttl        time.Duration
}

// NewRedisStore connects and pings Redis.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	opts, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	opts.DialTimeout = cfg.DialTimeout

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = DefaultMaxRecords
	}

	logging.Info().Str("addr", opts.Addr).Int("db", opts.DB).Int("max_records", cfg.MaxRecords).Msg("redis store initialized")

	return &RedisStore{client: client, maxRecords: cfg.MaxRecords, ttl: cfg.RecordTTL}, nil
}

func redisOptions(cfg RedisConfig) (*redis.Options, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis url is required")
	}
	if strings.Contains(cfg.URL, "://") {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		if cfg.Password != "" {
			opts.Password = cfg.Password
		}
		if cfg.DB != 0 {
			opts.DB = cfg.DB
		}
		return opts, nil
	}
	return &redis.Options{Addr: cfg.URL, Password: cfg.Password, DB: cfg.DB}, nil
}

func listKey(site string) string   { return keyPrefix + ":records:" + site }
func countsKey(site string) string { return keyPrefix + ":kinds:" + site }
func recordKey(site, id string) string {
	return keyPrefix + ":record:" + site + ":" + id
}

func (s *RedisStore) Save(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, listKey(rec.Site), data)
		pipe.LTrim(ctx, listKey(rec.Site), 0, int64(s.maxRecords-1))
		pipe.Set(ctx, recordKey(rec.Site, rec.ID), data, s.ttl)
		pipe.HIncrBy(ctx, countsKey(rec.Site), CountTotal, 1)
		for _, k := range serverKinds(rec) {
			pipe.HIncrBy(ctx, countsKey(rec.Site), k, 1)
		}
		return nil
	})
	if err != nil {
		logging.Error().Err(err).Str("site", rec.Site).Msg("redis save failed")
		return fmt.Errorf("redis save failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, site, id string) (*Record, error) {
	data, err := s.client.Get(ctx, recordKey(site, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return &rec, nil
}

func (s *RedisStore) Recent(ctx context.Context, site string, limit int) ([]Record, error) {
	if limit <= 0 {
		return []Record{}, nil
	}
	raw, err := s.client.LRange(ctx, listKey(site), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange failed: %w", err)
	}

	out := make([]Record, 0, len(raw))
	for _, item := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			logging.Warn().Err(err).Str("site", site).Msg("skipping undecodable record")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) KindCounts(ctx context.Context, site string) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, countsKey(site)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}

	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
