package shared

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SessionManager orchestrates cookie based login sessions backed by Redis.
type SessionManager struct {
	client     *redis.Client
	cookieName string
	ttl        time.Duration
	secure     bool
}

// Session holds per-request session data. A session is authenticated once
// a username has been set; LoginTime records issuance for lifetime checks.
type Session struct {
	ID        string
	username  string
	userID    int64
	isAdmin   bool
	loginTime time.Time
	flash     string
	isNew     bool
	dirty     bool
	destroyed bool
}

type sessionPayload struct {
	Username  string    `json:"username,omitempty"`
	UserID    int64     `json:"user_id,omitempty"`
	IsAdmin   bool      `json:"is_admin,omitempty"`
	LoginTime time.Time `json:"login_time,omitzero"`
	Flash     string    `json:"flash,omitempty"`
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(client *redis.Client, cookieName string, ttl time.Duration, secure bool) *SessionManager {
	return &SessionManager{
		client:     client,
		cookieName: cookieName,
		ttl:        ttl,
		secure:     secure,
	}
}

// Load loads the session identified by the request cookie, or creates a
// fresh one. A missing or unknown cookie never fails; it yields an empty
// session.
func (sm *SessionManager) Load(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return sm.newSession(), nil
		}
		return nil, err
	}

	payload, err := sm.client.Get(ctx, sm.redisKey(cookie.Value)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			sess := sm.newSession()
			sess.ID = cookie.Value
			return sess, nil
		}
		return nil, err
	}

	var stored sessionPayload
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil, err
	}

	sess := sm.newSession()
	sess.ID = cookie.Value
	sess.username = stored.Username
	sess.userID = stored.UserID
	sess.isAdmin = stored.IsAdmin
	sess.loginTime = stored.LoginTime
	sess.flash = stored.Flash
	sess.isNew = false
	sess.dirty = false
	return sess, nil
}

// Commit persists the session and writes cookie headers as needed.
func (sm *SessionManager) Commit(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	if sess == nil {
		return nil
	}

	if sess.destroyed {
		if err := sm.client.Del(ctx, sm.redisKey(sess.ID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		http.SetCookie(w, &http.Cookie{
			Name:     sm.cookieName,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   sm.secure,
			SameSite: http.SameSiteLaxMode,
		})
		return nil
	}

	if sess.isNew && sess.ID == "" {
		sess.ID = generateSessionID()
	}

	if sess.dirty || sess.isNew {
		payload := sessionPayload{
			Username:  sess.username,
			UserID:    sess.userID,
			IsAdmin:   sess.isAdmin,
			LoginTime: sess.loginTime,
			Flash:     sess.flash,
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if err := sm.client.Set(ctx, sm.redisKey(sess.ID), data, sm.ttl).Err(); err != nil {
			return err
		}
		sess.dirty = false
	}

	if sess.ID != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     sm.cookieName,
			Value:    sess.ID,
			Path:     "/",
			HttpOnly: true,
			Secure:   sm.secure,
			SameSite: http.SameSiteLaxMode,
			Expires:  time.Now().Add(sm.ttl),
		})
	}

	return nil
}

// Destroy marks the session for deletion on the next Commit.
func (sm *SessionManager) Destroy(sess *Session) {
	if sess == nil {
		return
	}
	sess.destroyed = true
}

// TTL exposes the configured session lifetime.
func (sm *SessionManager) TTL() time.Duration {
	return sm.ttl
}

// CookieName returns the cookie identifier used for sessions.
func (sm *SessionManager) CookieName() string {
	return sm.cookieName
}

// SetIdentity binds the session to an authenticated user and stamps the
// issuance time.
func (s *Session) SetIdentity(username string, userID int64, isAdmin bool, at time.Time) {
	s.username = username
	s.userID = userID
	s.isAdmin = isAdmin
	s.loginTime = at
	s.dirty = true
}

// ClearIdentity removes login state without destroying the session record.
func (s *Session) ClearIdentity() {
	s.username = ""
	s.userID = 0
	s.isAdmin = false
	s.loginTime = time.Time{}
	s.dirty = true
}

// Username returns the logged-in username, or "" for anonymous sessions.
func (s *Session) Username() string { return s.username }

// UserID returns the logged-in user id.
func (s *Session) UserID() int64 { return s.userID }

// IsAdmin reports whether the session belongs to an admin user.
func (s *Session) IsAdmin() bool { return s.isAdmin }

// LoginTime returns the issuance time of the login, zero when anonymous.
func (s *Session) LoginTime() time.Time { return s.loginTime }

// SetFlash queues a one-time message for the next rendered page.
func (s *Session) SetFlash(msg string) {
	s.flash = msg
	s.dirty = true
}

// PopFlash retrieves and clears the queued message.
func (s *Session) PopFlash() string {
	msg := s.flash
	if msg != "" {
		s.flash = ""
		s.dirty = true
	}
	return msg
}

func (sm *SessionManager) newSession() *Session {
	return &Session{
		ID:    generateSessionID(),
		isNew: true,
		dirty: true,
	}
}

func (sm *SessionManager) redisKey(id string) string {
	return "session:" + id
}

func generateSessionID() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return base64.RawURLEncoding.EncodeToString([]byte(time.Now().Format(time.RFC3339Nano)))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
