// Package redisstore provides a Redis-backed jobs.Store so deferred results
// survive gateway restarts and are visible to every instance behind a
// balancer.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/pggate/pggate/jobs"
)

// Config describes the Redis connection, decodable from the environment.
type Config struct {
	URL       string        `env:"JOBS_REDIS_URL,required"`
	KeyPrefix string        `env:"JOBS_KEY_PREFIX,default=pggate:job:"`
	TTL       time.Duration `env:"JOBS_TTL,default=10m"`
}

// Store implements jobs.Store on a Redis client. Eviction of unread jobs
// rides on Redis key TTLs; no janitor needed.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "pggate:job:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	return &Store{client: client, prefix: cfg.KeyPrefix, ttl: cfg.TTL}, nil
}

// NewFromEnv builds a Store from JOBS_* environment variables.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode jobs redis config: %w", err)
	}
	return New(ctx, cfg)
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(id string) string {
	return s.prefix + id
}

// Create registers an empty pending job under id.
func (s *Store) Create(ctx context.Context, id string) error {
	j := jobs.Job{ID: id, CreatedAt: time.Now()}
	raw, err := json.Marshal(&j)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(id), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("create job %s: %w", id, err)
	}
	return nil
}

// Complete records the result for a pending job, keeping its original TTL.
func (s *Store) Complete(ctx context.Context, id string, status int, body []byte) error {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return jobs.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", id, err)
	}
	var j jobs.Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return fmt.Errorf("decode job %s: %w", id, err)
	}
	j.Done = true
	j.Status = status
	j.Body = body
	out, err := json.Marshal(&j)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(id), out, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("store job %s: %w", id, err)
	}
	return nil
}

// Take returns the finished job and removes it. GETDEL makes the removal
// race-safe: a concurrent reader sees ErrNotFound instead of a second copy.
func (s *Store) Take(ctx context.Context, id string) (*jobs.Job, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var j jobs.Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	if !j.Done {
		return nil, jobs.ErrPending
	}

	raw, err = s.client.GetDel(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("take job %s: %w", id, err)
	}
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &j, nil
}
