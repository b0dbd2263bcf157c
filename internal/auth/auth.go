package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	SessionCookie = "hourboost_session"
	BcryptCost    = 12

	// A dashboard session ends after IdleTimeout without a request, and
	// never outlives MaxLifetime.
	IdleTimeout = 1 * time.Hour
	MaxLifetime = 24 * time.Hour
)

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

type loginSession struct {
	userID   uint
	created  time.Time
	lastSeen time.Time
}

// SessionStore holds dashboard login sessions in memory. A restart logs
// everyone out.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*loginSession
	idle     time.Duration
	lifetime time.Duration
	now      func() time.Time
}

type Option func(*SessionStore)

func WithIdleTimeout(d time.Duration) Option {
	return func(s *SessionStore) { s.idle = d }
}

func WithMaxLifetime(d time.Duration) Option {
	return func(s *SessionStore) { s.lifetime = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *SessionStore) { s.now = now }
}

func NewSessionStore(opts ...Option) *SessionStore {
	s := &SessionStore{
		sessions: make(map[string]*loginSession),
		idle:     IdleTimeout,
		lifetime: MaxLifetime,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *SessionStore) expired(ls *loginSession, now time.Time) bool {
	return now.Sub(ls.lastSeen) > s.idle || now.Sub(ls.created) > s.lifetime
}

// Create opens a session for userID and returns its 64-char hex id.
func (s *SessionStore) Create(userID uint) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	id := hex.EncodeToString(b)
	now := s.now()
	s.mu.Lock()
	s.sessions[id] = &loginSession{userID: userID, created: now, lastSeen: now}
	s.mu.Unlock()
	return id, nil
}

// Get resolves a session id and extends its idle window.
func (s *SessionStore) Get(sessionID string) (uint, bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.sessions[sessionID]
	if !ok {
		return 0, false
	}
	if s.expired(ls, now) {
		delete(s.sessions, sessionID)
		return 0, false
	}
	ls.lastSeen = now
	return ls.userID, true
}

func (s *SessionStore) Delete(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

// DeleteByUserID logs the user out everywhere and returns how many
// sessions were closed.
func (s *SessionStore) DeleteByUserID(userID uint) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, ls := range s.sessions {
		if ls.userID == userID {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

// Cleanup drops expired sessions and returns how many were removed.
func (s *SessionStore) Cleanup() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, ls := range s.sessions {
		if s.expired(ls, now) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
