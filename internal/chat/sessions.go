package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/concierge/internal/concierge"
	"github.com/malbeclabs/concierge/internal/metrics"
)

var ErrSessionNotFound = errors.New("session not found")

// Session is one conversation with a fixed model. Turns on a session are
// serialized through Lock; ID and Model never change.
type Session struct {
	mu sync.Mutex

	ID        string
	Model     string
	History   []concierge.Turn
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionSnapshot is the JSON view of a session.
type SessionSnapshot struct {
	ID        string           `json:"id"`
	Model     string           `json:"model"`
	History   []concierge.Turn `json:"history"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// Snapshot copies the session. The caller must hold the lock.
func (s *Session) Snapshot() SessionSnapshot {
	history := make([]concierge.Turn, len(s.History))
	copy(history, s.History)
	return SessionSnapshot{
		ID:        s.ID,
		Model:     s.Model,
		History:   history,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// SessionStore keeps sessions in memory until they sit idle for the TTL.
type SessionStore struct {
	cache *ttlcache.Cache[string, *Session]
	clock clockwork.Clock
}

func NewSessionStore(ttl time.Duration, clock clockwork.Clock) *SessionStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cache := ttlcache.New(ttlcache.WithTTL[string, *Session](ttl))
	s := &SessionStore{cache: cache, clock: clock}
	// Deletion and expiry both evict.
	cache.OnEviction(func(context.Context, ttlcache.EvictionReason, *ttlcache.Item[string, *Session]) {
		metrics.ActiveSessions.Dec()
	})
	return s
}

// Start runs expiry in the background until Stop.
func (s *SessionStore) Start() {
	go s.cache.Start()
}

func (s *SessionStore) Stop() {
	s.cache.Stop()
}

func (s *SessionStore) Get(id string) (*Session, error) {
	item := s.cache.Get(id)
	if item == nil {
		return nil, ErrSessionNotFound
	}
	return item.Value(), nil
}

// Resolve returns the session a turn should run on. An unknown id or a
// different model starts a new session; created reports which happened.
func (s *SessionStore) Resolve(id, model string) (sess *Session, created bool) {
	if id != "" {
		if existing, err := s.Get(id); err == nil && existing.Model == model {
			return existing, false
		}
	}
	return s.Create(model), true
}

func (s *SessionStore) Create(model string) *Session {
	now := s.clock.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.cache.Set(sess.ID, sess, ttlcache.DefaultTTL)
	metrics.ActiveSessions.Inc()
	return sess
}

// Append records a completed turn. The caller must hold the session lock.
func (s *SessionStore) Append(sess *Session, turns ...concierge.Turn) {
	sess.History = append(sess.History, turns...)
	sess.UpdatedAt = s.clock.Now()
}

func (s *SessionStore) Delete(id string) error {
	if s.cache.Get(id) == nil {
		return ErrSessionNotFound
	}
	s.cache.Delete(id)
	return nil
}

func (s *SessionStore) Len() int {
	return s.cache.Len()
}
