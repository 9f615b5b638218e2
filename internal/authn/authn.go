// Package authn resolves "who is calling" for every request. Strategies
// are compiled in and selected by configuration name; there is no dynamic
// lookup of authentication functions.
package authn

import (
	"context"
	"fmt"
	"net/http"
)

// Identity is the uniform authenticated-caller abstraction. The
// interceptor is strategy-agnostic beyond these fields.
type Identity struct {
	Username string
	UserID   int64
	IsAdmin  bool
}

// UnauthenticatedError is returned when a request carries no valid
// identity. It knows how to write the strategy-appropriate response:
// a redirect for browsers under session auth, otherwise a plain 401
// without a WWW-Authenticate challenge.
type UnauthenticatedError struct {
	// RedirectTo, when set, turns the response into a 302 to this URL.
	RedirectTo string
}

func (e *UnauthenticatedError) Error() string {
	return "unauthenticated"
}

// WriteResponse emits the denial for the original request.
func (e *UnauthenticatedError) WriteResponse(w http.ResponseWriter, r *http.Request) {
	if e.RedirectTo != "" {
		http.Redirect(w, r, e.RedirectTo, http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte("You are not authenticated. Please login at /login to access this resource."))
}

// Authenticator validates caller identity for one strategy.
type Authenticator interface {
	// Authenticate returns the caller identity, or an
	// *UnauthenticatedError describing the denial to send. Other error
	// values indicate store failures and surface as 500.
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}

type identityContextKey struct{}

// ContextWithIdentity stores the authenticated identity in context.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the authenticated identity, nil if absent.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey{}).(*Identity)
	return id
}

// New selects a strategy by name. Config holds everything either strategy
// might need; unused fields stay nil.
func New(name string, cfg Config) (Authenticator, error) {
	switch name {
	case "basic":
		return NewBasic(cfg.Users), nil
	case "session":
		return NewSession(cfg.SessionLifetime), nil
	default:
		return nil, fmt.Errorf("authn: unknown authenticator %q", name)
	}
}
