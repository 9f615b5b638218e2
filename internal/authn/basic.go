package authn

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dylinzl/mlflow-auth/internal/shared"
	"github.com/dylinzl/mlflow-auth/internal/store"
)

// UserLookup is the slice of the permission store the basic strategy
// needs.
type UserLookup interface {
	GetUser(ctx context.Context, username string) (*store.User, error)
}

// Config collects strategy dependencies for New.
type Config struct {
	Users           UserLookup
	SessionLifetime time.Duration
}

// Basic authenticates requests via the inline Authorization header,
// verified against the stored bcrypt hash.
type Basic struct {
	users UserLookup
}

// NewBasic constructs the credential-based strategy.
func NewBasic(users UserLookup) *Basic {
	return &Basic{users: users}
}

// Authenticate verifies the request's basic credentials. Missing or
// invalid credentials yield an UnauthenticatedError with no redirect: the
// 401 deliberately omits a challenge header so browsers don't raise their
// native credential prompt.
func (b *Basic) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, &UnauthenticatedError{}
	}

	user, err := b.users.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, &UnauthenticatedError{}
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		// Let the caller attempt login again.
		return nil, &UnauthenticatedError{}
	}
	return &Identity{Username: user.Username, UserID: user.ID, IsAdmin: user.IsAdmin}, nil
}
