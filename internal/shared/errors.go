package shared

import "errors"

var (
	// ErrNotFound indicates a user or permission grant does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates a duplicate create.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
)
