// Package session maps opaque session identifiers to live research
// orchestrators. Sessions expire on a sliding window: every successful
// access refreshes the deadline. State is process-local by design; the
// Store interface isolates the backing map so a durable store could be
// substituted without touching orchestration logic.
package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/candorlabs/researchd/internal/metrics"
	"github.com/candorlabs/researchd/internal/research"
)

const (
	defaultTTL           = 30 * time.Minute
	defaultSweepInterval = time.Minute
)

// Config holds registry configuration.
type Config struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Store is the narrow backing interface for the registry. Implementations
// must be safe for concurrent use from multiple sessions' background
// tasks.
type Store interface {
	Get(id string) (*research.Orchestrator, bool)
	Put(id string, o *research.Orchestrator, expiresAt time.Time)
	Touch(id string, expiresAt time.Time) bool
	Delete(id string) (*research.Orchestrator, bool)
	// Expired removes and returns every session past its deadline.
	Expired(now time.Time) []*research.Orchestrator
	Len() int
}

// Registry tracks live sessions with sliding expiration.
type Registry struct {
	store  Store
	ttl    time.Duration
	logger *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewRegistry creates a registry backed by an in-process store and starts
// the eviction janitor.
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}

	r := &Registry{
		store:  newMemoryStore(),
		ttl:    cfg.TTL,
		logger: logger,
		stop:   make(chan struct{}),
	}
	go r.janitor(cfg.SweepInterval)
	return r
}

// Put registers a session.
func (r *Registry) Put(o *research.Orchestrator) {
	r.store.Put(o.ID(), o, time.Now().Add(r.ttl))
	metrics.SessionsCreated.Inc()
	metrics.SessionsActive.Set(float64(r.store.Len()))
}

// Get returns the session and refreshes its sliding expiration.
func (r *Registry) Get(id string) (*research.Orchestrator, error) {
	o, ok := r.store.Get(id)
	if !ok {
		return nil, research.ErrSessionNotFound
	}
	r.store.Touch(id, time.Now().Add(r.ttl))
	return o, nil
}

// Remove evicts a session, cancelling any in-flight work. Idempotent.
func (r *Registry) Remove(id string) {
	if o, ok := r.store.Delete(id); ok {
		o.Cancel()
		metrics.SessionsEvicted.Inc()
		metrics.SessionsActive.Set(float64(r.store.Len()))
		r.logger.Info("Session evicted", zap.String("session_id", id))
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	return r.store.Len()
}

// Close stops the janitor and cancels every live session.
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		close(r.stop)
		for _, o := range r.store.Expired(time.Now().Add(r.ttl + time.Hour)) {
			o.Cancel()
		}
	})
}

func (r *Registry) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			expired := r.store.Expired(time.Now())
			for _, o := range expired {
				o.Cancel()
				metrics.SessionsEvicted.Inc()
				r.logger.Info("Session expired", zap.String("session_id", o.ID()))
			}
			if len(expired) > 0 {
				metrics.SessionsActive.Set(float64(r.store.Len()))
			}
		}
	}
}

// memoryStore is the default mutex-guarded map store.
type memoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*record
}

type record struct {
	orch      *research.Orchestrator
	expiresAt time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{sessions: make(map[string]*record)}
}

func (s *memoryStore) Get(id string) (*research.Orchestrator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[id]
	if !ok || time.Now().After(rec.expiresAt) {
		return nil, false
	}
	return rec.orch, true
}

func (s *memoryStore) Put(id string, o *research.Orchestrator, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &record{orch: o, expiresAt: expiresAt}
}

func (s *memoryStore) Touch(id string, expiresAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return false
	}
	rec.expiresAt = expiresAt
	return true
}

func (s *memoryStore) Delete(id string) (*research.Orchestrator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	delete(s.sessions, id)
	return rec.orch, true
}

func (s *memoryStore) Expired(now time.Time) []*research.Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*research.Orchestrator
	for id, rec := range s.sessions {
		if now.After(rec.expiresAt) {
			expired = append(expired, rec.orch)
			delete(s.sessions, id)
		}
	}
	return expired
}

func (s *memoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
