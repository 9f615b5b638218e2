// Package storetest provides an in-memory store.Store for handler and
// worker tests.
package storetest

import (
	"context"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/dylinzl/mlflow-auth/internal/permission"
	"github.com/dylinzl/mlflow-auth/internal/shared"
	"github.com/dylinzl/mlflow-auth/internal/store"
)

type grantKey struct {
	resource string
	username string
}

// Store keeps everything in maps. When ForcedErr is set every call
// returns it, which stands in for a broken database.
type Store struct {
	mu        sync.Mutex
	nextID    int64
	users     map[string]*store.User
	expGrants map[grantKey]string
	modGrants map[grantKey]string

	ForcedErr error
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		users:     make(map[string]*store.User),
		expGrants: make(map[grantKey]string),
		modGrants: make(map[grantKey]string),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) CreateUser(ctx context.Context, username, password string, isAdmin bool) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ForcedErr != nil {
		return nil, s.ForcedErr
	}
	if _, ok := s.users[username]; ok {
		return nil, shared.ErrAlreadyExists
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}
	s.nextID++
	u := &store.User{ID: s.nextID, Username: username, PasswordHash: string(hash), IsAdmin: isAdmin}
	s.users[username] = u
	out := *u
	return &out, nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ForcedErr != nil {
		return nil, s.ForcedErr
	}
	u, ok := s.users[username]
	if !ok {
		return nil, shared.ErrNotFound
	}
	out := *u
	return &out, nil
}

func (s *Store) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ForcedErr != nil {
		return nil, s.ForcedErr
	}
	for _, u := range s.users {
		if u.ID == id {
			out := *u
			return &out, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (s *Store) ListUsers(ctx context.Context) ([]store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ForcedErr != nil {
		return nil, s.ForcedErr
	}
	out := make([]store.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	return out, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ForcedErr != nil {
		return s.ForcedErr
	}
	u, ok := s.users[username]
	if !ok {
		return shared.ErrNotFound
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hash)
	return nil
}

func (s *Store) UpdateUserAdmin(ctx context.Context, username string, isAdmin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ForcedErr != nil {
		return s.ForcedErr
	}
	u, ok := s.users[username]
	if !ok {
		return shared.ErrNotFound
	}
	u.IsAdmin = isAdmin
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ForcedErr != nil {
		return s.ForcedErr
	}
	if _, ok := s.users[username]; !ok {
		return shared.ErrNotFound
	}
	delete(s.users, username)
	for k := range s.expGrants {
		if k.username == username {
			delete(s.expGrants, k)
		}
	}
	for k := range s.modGrants {
		if k.username == username {
			delete(s.modGrants, k)
		}
	}
	return nil
}

func (s *Store) EnsureAdmin(ctx context.Context, username, password string) error {
	_, err := s.CreateUser(ctx, username, password, true)
	if err == shared.ErrAlreadyExists {
		return nil
	}
	return err
}

func (s *Store) GetExperimentPermission(ctx context.Context, experimentID, username string) (*store.ExperimentPermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ForcedErr != nil {
		return nil, s.ForcedErr
	}
	perm, ok := s.expGrants[grantKey{experimentID, username}]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &store.ExperimentPermission{ExperimentID: experimentID, Username: username, Permission: perm}, nil
}

func (s *Store) CreateExperimentPermission(ctx context.Context, experimentID, username, perm string) (*store.ExperimentPermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ForcedErr != nil {
		return nil, s.ForcedErr
	}
	k := grantKey{experimentID, username}
	if _, ok := s.expGrants[k]; ok {
		return nil, shared.ErrAlreadyExists
	}
	s.expGrants[k] = perm
	return &store.ExperimentPermission{ExperimentID: experimentID, Username: username, Permission: perm}, nil
}

func (s *Store) UpdateExperimentPermission(ctx context.Context, experimentID, username, perm string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ForcedErr != nil {
		return s.ForcedErr
	}
	k := grantKey{experimentID, username}
	if _, ok := s.expGrants[k]; !ok {
		return shared.ErrNotFound
	}
	s.expGrants[k] = perm
	return nil
}

func (s *Store) DeleteExperimentPermission(ctx context.Context, experimentID, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ForcedErr != nil {
		return s.ForcedErr
	}
	k := grantKey{experimentID, username}
	if _, ok := s.expGrants[k]; !ok {
		return shared.ErrNotFound
	}
	delete(s.expGrants, k)
	return nil
}

func (s *Store) ListExperimentPermissions(ctx context.Context, username string) ([]store.ExperimentPermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ForcedErr != nil {
		return nil, s.ForcedErr
	}
	var out []store.ExperimentPermission
	for k, perm := range s.expGrants {
		if k.username == username {
			out = append(out, store.ExperimentPermission{ExperimentID: k.resource, Username: username, Permission: perm})
		}
	}
	return out, nil
}

func (s *Store) GetRegisteredModelPermission(ctx context.Context, name, username string) (*store.RegisteredModelPermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ForcedErr != nil {
		return nil, s.ForcedErr
	}
	perm, ok := s.modGrants[grantKey{name, username}]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &store.RegisteredModelPermission{Name: name, Username: username, Permission: perm}, nil
}

func (s *Store) CreateRegisteredModelPermission(ctx context.Context, name, username, perm string) (*store.RegisteredModelPermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ForcedErr != nil {
		return nil, s.ForcedErr
	}
	k := grantKey{name, username}
	if _, ok := s.modGrants[k]; ok {
		return nil, shared.ErrAlreadyExists
	}
	s.modGrants[k] = perm
	return &store.RegisteredModelPermission{Name: name, Username: username, Permission: perm}, nil
}

func (s *Store) UpdateRegisteredModelPermission(ctx context.Context, name, username, perm string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ForcedErr != nil {
		return s.ForcedErr
	}
	k := grantKey{name, username}
	if _, ok := s.modGrants[k]; !ok {
		return shared.ErrNotFound
	}
	s.modGrants[k] = perm
	return nil
}

func (s *Store) DeleteRegisteredModelPermission(ctx context.Context, name, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ForcedErr != nil {
		return s.ForcedErr
	}
	k := grantKey{name, username}
	if _, ok := s.modGrants[k]; !ok {
		return shared.ErrNotFound
	}
	delete(s.modGrants, k)
	return nil
}

func (s *Store) DeleteRegisteredModelPermissionsForModel(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ForcedErr != nil {
		return s.ForcedErr
	}
	for k := range s.modGrants {
		if k.resource == name {
			delete(s.modGrants, k)
		}
	}
	return nil
}

func (s *Store) ListRegisteredModelPermissions(ctx context.Context, username string) ([]store.RegisteredModelPermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ForcedErr != nil {
		return nil, s.ForcedErr
	}
	var out []store.RegisteredModelPermission
	for k, perm := range s.modGrants {
		if k.username == username {
			out = append(out, store.RegisteredModelPermission{Name: k.resource, Username: username, Permission: perm})
		}
	}
	return out, nil
}

func (s *Store) RenameRegisteredModelPermissions(ctx context.Context, oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ForcedErr != nil {
		return s.ForcedErr
	}
	for k, perm := range s.modGrants {
		if k.resource != oldName {
			continue
		}
		delete(s.modGrants, k)
		dst := grantKey{newName, k.username}
		if existing, ok := s.modGrants[dst]; ok && !permission.Stronger(perm, existing) {
			continue
		}
		s.modGrants[dst] = perm
	}
	return nil
}

func (s *Store) SweepOrphanGrants(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ForcedErr != nil {
		return 0, s.ForcedErr
	}
	var removed int64
	for k := range s.expGrants {
		if _, ok := s.users[k.username]; !ok {
			delete(s.expGrants, k)
			removed++
		}
	}
	for k := range s.modGrants {
		if _, ok := s.users[k.username]; !ok {
			delete(s.modGrants, k)
			removed++
		}
	}
	return removed, nil
}
