package adminserver

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/supporttools/SettingsGuard/pkg/backup"
)

type session struct {
	result  backup.DecryptResult
	expires time.Time
}

// sessionStore keeps decrypted snapshots between decrypt and apply
type sessionStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]session
	now      func() time.Time
}

func newSessionStore(ttl time.Duration) *sessionStore {
	return &sessionStore{
		ttl:      ttl,
		sessions: make(map[string]session),
		now:      time.Now,
	}
}

func (s *sessionStore) put(result backup.DecryptResult) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for token, sess := range s.sessions {
		if now.After(sess.expires) {
			delete(s.sessions, token)
		}
	}

	token := uuid.NewString()
	s.sessions[token] = session{result: result, expires: now.Add(s.ttl)}
	return token
}

func (s *sessionStore) get(token string) (backup.DecryptResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return backup.DecryptResult{}, false
	}
	if s.now().After(sess.expires) {
		delete(s.sessions, token)
		return backup.DecryptResult{}, false
	}
	return sess.result, true
}

func (s *sessionStore) remove(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}
