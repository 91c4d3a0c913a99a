// Package memorystore provides an in-process jobs.Store suitable for a
// single gateway instance. A janitor sweep evicts jobs past their TTL.
package memorystore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pggate/pggate/jobs"
)

const defaultTTL = 10 * time.Minute

// Store implements jobs.Store with a guarded map.
type Store struct {
	log *slog.Logger
	ttl time.Duration

	mu   sync.Mutex
	jobs map[string]*jobs.Job
}

// Option configures the Store.
type Option func(*Store)

// WithTTL sets how long an unread job survives.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithLogger sets the slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New constructs an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		log:  slog.New(slog.DiscardHandler),
		ttl:  defaultTTL,
		jobs: make(map[string]*jobs.Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps expired jobs until ctx is done.
func (s *Store) Run(ctx context.Context) {
	interval := s.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.sweep(now)
		}
	}
}

func (s *Store) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, j := range s.jobs {
		if now.Sub(j.CreatedAt) > s.ttl {
			delete(s.jobs, id)
			s.log.Debug("job.expire", slog.String("id", id))
		}
	}
}

// Create registers an empty pending job under id.
func (s *Store) Create(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id] = &jobs.Job{ID: id, CreatedAt: time.Now()}
	return nil
}

// Complete records the result for a pending job.
func (s *Store) Complete(_ context.Context, id string, status int, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return jobs.ErrNotFound
	}
	j.Done = true
	j.Status = status
	j.Body = body
	return nil
}

// Take returns the finished job and removes it.
func (s *Store) Take(_ context.Context, id string) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	if !j.Done {
		return nil, jobs.ErrPending
	}
	delete(s.jobs, id)
	return j, nil
}
