package authn

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dylinzl/mlflow-auth/internal/shared"
)

const loginPath = "/login"

// SessionAuth authenticates requests via the server-side session loaded
// by the session middleware.
type SessionAuth struct {
	lifetime time.Duration
}

// NewSession constructs the session-based strategy. lifetime bounds the
// elapsed time since login; the Redis TTL enforces the same bound at the
// storage level.
func NewSession(lifetime time.Duration) *SessionAuth {
	return &SessionAuth{lifetime: lifetime}
}

// Authenticate reads the session attached to the request context. An
// expired session is cleared and treated as absent, not merely flagged.
func (s *SessionAuth) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	sess := shared.SessionFromContext(ctx)
	if sess == nil || sess.Username() == "" {
		return nil, s.unauthenticated(r)
	}

	if s.lifetime > 0 {
		issued := sess.LoginTime()
		if issued.IsZero() || time.Since(issued) > s.lifetime {
			sess.ClearIdentity()
			return nil, s.unauthenticated(r)
		}
	}

	return &Identity{
		Username: sess.Username(),
		UserID:   sess.UserID(),
		IsAdmin:  sess.IsAdmin(),
	}, nil
}

// unauthenticated builds the strategy response: browsers get redirected
// to the login page with the original URL preserved for post-login
// redirect; API clients get a plain 401.
func (s *SessionAuth) unauthenticated(r *http.Request) *UnauthenticatedError {
	if !acceptsHTML(r) {
		return &UnauthenticatedError{}
	}
	target := loginPath
	if r.Method == http.MethodGet {
		if next := r.URL.RequestURI(); next != "" && next != "/" {
			target += "?next=" + url.QueryEscape(next)
		}
	}
	return &UnauthenticatedError{RedirectTo: target}
}

func acceptsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
