// Package privateapps owns the private-app session lifecycle: the session
// store, the oto-papps cookies and the well-known login/logout endpoints.
package privateapps

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/fossabot/otoroshi/internal/model"
)

// CookiePrefix is the session cookie name prefix; one cookie per service
// suffix.
const CookiePrefix = "oto-papps-"

// SessionStore holds the live private-app sessions. Sessions die on TTL
// expiry or explicit logout.
type SessionStore struct {
	sessions *expirable.LRU[string, *model.PrivateAppsUser]
	now      func() time.Time
}

// NewSessionStore creates a store bounded to size sessions with maxAge TTL.
func NewSessionStore(size int, maxAge time.Duration) *SessionStore {
	if size <= 0 {
		size = 10000
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &SessionStore{
		sessions: expirable.NewLRU[string, *model.PrivateAppsUser](size, nil, maxAge),
		now:      time.Now,
	}
}

// Create registers a new session and returns it; RandomID is its id.
func (s *SessionStore) Create(name, email, realm string, profile map[string]any, maxAge time.Duration) *model.PrivateAppsUser {
	now := s.now()
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	u := &model.PrivateAppsUser{
		RandomID:  uuid.NewString(),
		Name:      name,
		Email:     email,
		Profile:   profile,
		Realm:     realm,
		CreatedAt: now,
		ExpiredAt: now.Add(maxAge),
	}
	s.sessions.Add(u.RandomID, u)
	return u
}

// Get fetches a live session, dropping it when past its expiry.
func (s *SessionStore) Get(sessionID string) (*model.PrivateAppsUser, bool) {
	u, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil, false
	}
	if u.Expired(s.now()) {
		s.sessions.Remove(sessionID)
		return nil, false
	}
	return u, true
}

// Destroy removes a session (logout).
func (s *SessionStore) Destroy(sessionID string) {
	s.sessions.Remove(sessionID)
}

// CookieName derives the per-service cookie name.
func CookieName(svc *model.ServiceDescriptor) string {
	return CookiePrefix + svc.ID
}

// FromRequest resolves the session referenced by the service's cookie.
func (s *SessionStore) FromRequest(r *http.Request, svc *model.ServiceDescriptor) (*model.PrivateAppsUser, bool) {
	c, err := r.Cookie(CookieName(svc))
	if err != nil || c.Value == "" {
		return nil, false
	}
	return s.Get(c.Value)
}
