package site

import (
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// SessionTTL is how long an admin session token stays valid.
const SessionTTL = 12 * time.Hour

type session struct {
	userID  string
	expires time.Time
}

// Sessions holds the admin session tokens issued by Login. Tokens live in
// memory only; a restarted daemon asks everyone to log in again.
type Sessions struct {
	tokens *xsync.MapOf[string, session]
	now    func() time.Time
}

func newSessions(now func() time.Time) *Sessions {
	return &Sessions{tokens: xsync.NewMapOf[string, session](), now: now}
}

func (s *Sessions) issue(userID string) string {
	token := uuid.NewString()
	s.tokens.Store(token, session{userID: userID, expires: s.now().Add(SessionTTL)})
	return token
}

// Valid reports whether token belongs to a live session. Expired tokens are
// dropped on sight.
func (s *Sessions) Valid(token string) bool {
	if token == "" {
		return false
	}
	sess, ok := s.tokens.Load(token)
	if !ok {
		return false
	}
	if !s.now().Before(sess.expires) {
		s.tokens.Delete(token)
		return false
	}
	return true
}

// revoke ends the session of token and reports whether it was live.
func (s *Sessions) revoke(token string) bool {
	if token == "" {
		return false
	}
	_, ok := s.tokens.LoadAndDelete(token)
	return ok
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	now := s.now()
	n := 0
	s.tokens.Range(func(token string, sess session) bool {
		if now.Before(sess.expires) {
			n++
		} else {
			s.tokens.Delete(token)
		}
		return true
	})
	return n
}
