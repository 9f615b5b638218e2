// Package store persists users and permission grants in PostgreSQL.
package store

import (
	"context"
	"time"
)

// User is an identity record. Password hashes are bcrypt; the clear text
// never leaves the login path.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ExperimentPermission grants a user a permission level on an experiment.
// Logged models inherit from their owning experiment, so this family also
// covers them. The experiment id is immutable.
type ExperimentPermission struct {
	ExperimentID string
	Username     string
	Permission   string
}

// RegisteredModelPermission grants a user a permission level on a
// registered model. Registered models are keyed by their mutable name, so
// renames must re-key every grant.
type RegisteredModelPermission struct {
	Name       string
	Username   string
	Permission string
}

// Store defines the persistence operations used by the authorization
// layer. All operations are independently atomic.
type Store interface {
	// Users.
	CreateUser(ctx context.Context, username, password string, isAdmin bool) (*User, error)
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id int64) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	UpdateUserPassword(ctx context.Context, username, password string) error
	UpdateUserAdmin(ctx context.Context, username string, isAdmin bool) error
	DeleteUser(ctx context.Context, username string) error
	EnsureAdmin(ctx context.Context, username, password string) error

	// Experiment permissions.
	GetExperimentPermission(ctx context.Context, experimentID, username string) (*ExperimentPermission, error)
	CreateExperimentPermission(ctx context.Context, experimentID, username, perm string) (*ExperimentPermission, error)
	UpdateExperimentPermission(ctx context.Context, experimentID, username, perm string) error
	DeleteExperimentPermission(ctx context.Context, experimentID, username string) error
	ListExperimentPermissions(ctx context.Context, username string) ([]ExperimentPermission, error)

	// Registered model permissions.
	GetRegisteredModelPermission(ctx context.Context, name, username string) (*RegisteredModelPermission, error)
	CreateRegisteredModelPermission(ctx context.Context, name, username, perm string) (*RegisteredModelPermission, error)
	UpdateRegisteredModelPermission(ctx context.Context, name, username, perm string) error
	DeleteRegisteredModelPermission(ctx context.Context, name, username string) error
	DeleteRegisteredModelPermissionsForModel(ctx context.Context, name string) error
	ListRegisteredModelPermissions(ctx context.Context, username string) ([]RegisteredModelPermission, error)
	RenameRegisteredModelPermissions(ctx context.Context, oldName, newName string) error

	// Maintenance.
	SweepOrphanGrants(ctx context.Context) (int64, error)
}
