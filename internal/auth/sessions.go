package auth

import (
	"context"
	"sync"
	"time"

	"github.com/bobmcallan/ibmi-mcp/internal/common"
)

// Session maps an opaque token to an identity and its pool.
type Session struct {
	Token     string
	Identity  common.Identity
	IssuedAt  time.Time
	ExpiresAt time.Time
	PoolKey   string
}

// PoolCloser releases the pool behind an expired or deleted session.
type PoolCloser func(ctx context.Context, poolKey string)

// SessionStore is the in-memory token map with periodic expiry sweep.
// Thread-safe with a single mutex. Get and Delete are O(1); Put counts
// live sessions for the cap and the sweep scans expiries, both iterating
// under the lock.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session

	ttl         time.Duration
	maxSessions int
	closePool   PoolCloser
	logger      *common.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewSessionStore creates a store. closePool may be nil in tests.
func NewSessionStore(ttl time.Duration, maxSessions int, closePool PoolCloser, logger *common.Logger) *SessionStore {
	return &SessionStore{
		sessions:    make(map[string]*Session),
		ttl:         ttl,
		maxSessions: maxSessions,
		closePool:   closePool,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// Put registers a new session. Fails when the concurrent-session cap is
// reached; expired entries do not count against the cap.
func (s *SessionStore) Put(token string, identity common.Identity, poolKey string) (*Session, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	live := 0
	for _, sess := range s.sessions {
		if now.Before(sess.ExpiresAt) {
			live++
		}
	}
	if s.maxSessions > 0 && live >= s.maxSessions {
		return nil, common.NewError(common.KindResourceExhausted,
			"maximum concurrent sessions (%d) reached", s.maxSessions)
	}

	sess := &Session{
		Token:     token,
		Identity:  identity,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
		PoolKey:   poolKey,
	}
	s.sessions[token] = sess
	return sess, nil
}

// Get returns the session for a token. Expired sessions miss.
func (s *SessionStore) Get(token string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok || time.Now().After(sess.ExpiresAt) {
		return nil, false
	}
	return sess, true
}

// Delete removes a session and closes its pool.
func (s *SessionStore) Delete(ctx context.Context, token string) {
	s.mu.Lock()
	sess, ok := s.sessions[token]
	if ok {
		delete(s.sessions, token)
	}
	s.mu.Unlock()

	if ok && s.closePool != nil {
		s.closePool(ctx, sess.PoolKey)
	}
}

// Len returns the number of stored sessions, expired or not.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// SweepExpired removes expired sessions and closes their pools. Returns
// the count removed.
func (s *SessionStore) SweepExpired(ctx context.Context) int {
	now := time.Now()

	s.mu.Lock()
	var expired []*Session
	for token, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, token)
			expired = append(expired, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		if s.closePool != nil {
			s.closePool(ctx, sess.PoolKey)
		}
	}
	if len(expired) > 0 && s.logger != nil {
		s.logger.Info().Int("count", len(expired)).Msg("expired sessions removed")
	}
	return len(expired)
}

// StartSweeper runs SweepExpired on the given interval until Stop.
func (s *SessionStore) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.SweepExpired(context.Background())
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the sweeper. Idempotent.
func (s *SessionStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}
