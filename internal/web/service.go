// Package web serves the browser login, signup, and landing pages.
package web

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/dylinzl/mlflow-auth/internal/shared"
	"github.com/dylinzl/mlflow-auth/internal/store"
)

// Service backs the browser flows with credential checks and signups.
type Service struct {
	store store.Store
}

// NewService constructs a Service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Authenticate verifies a username and password pair. Unknown users and
// wrong passwords both come back as ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*store.User, error) {
	user, err := s.store.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("web: load user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// Register creates a regular account. Admin accounts are only created
// through the management API or the bootstrap path.
func (s *Service) Register(ctx context.Context, username, password string) (*store.User, error) {
	return s.store.CreateUser(ctx, username, password, false)
}
