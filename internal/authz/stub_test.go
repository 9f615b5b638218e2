package authz

import (
	"context"
	"fmt"

	"github.com/dylinzl/mlflow-auth/internal/permission"
	"github.com/dylinzl/mlflow-auth/internal/shared"
	"github.com/dylinzl/mlflow-auth/internal/store"
	"github.com/dylinzl/mlflow-auth/internal/tracking"
)

type grantKey struct {
	resource string
	username string
}

// fakeStore is an in-memory store.Store for resolver and hook tests.
type fakeStore struct {
	users      map[string]*store.User
	expGrants  map[grantKey]string
	modGrants  map[grantKey]string
	failduring string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     make(map[string]*store.User),
		expGrants: make(map[grantKey]string),
		modGrants: make(map[grantKey]string),
	}
}

func (f *fakeStore) grantExperiment(experimentID, username, perm string) {
	f.expGrants[grantKey{experimentID, username}] = perm
}

func (f *fakeStore) grantModel(name, username, perm string) {
	f.modGrants[grantKey{name, username}] = perm
}

func (f *fakeStore) CreateUser(ctx context.Context, username, password string, isAdmin bool) (*store.User, error) {
	if _, ok := f.users[username]; ok {
		return nil, shared.ErrAlreadyExists
	}
	u := &store.User{ID: int64(len(f.users) + 1), Username: username, IsAdmin: isAdmin}
	f.users[username] = u
	return u, nil
}

func (f *fakeStore) GetUser(ctx context.Context, username string) (*store.User, error) {
	u, ok := f.users[username]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (f *fakeStore) ListUsers(ctx context.Context) ([]store.User, error) {
	out := make([]store.User, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, *u)
	}
	return out, nil
}

func (f *fakeStore) UpdateUserPassword(ctx context.Context, username, password string) error {
	if _, ok := f.users[username]; !ok {
		return shared.ErrNotFound
	}
	return nil
}

func (f *fakeStore) UpdateUserAdmin(ctx context.Context, username string, isAdmin bool) error {
	u, ok := f.users[username]
	if !ok {
		return shared.ErrNotFound
	}
	u.IsAdmin = isAdmin
	return nil
}

func (f *fakeStore) DeleteUser(ctx context.Context, username string) error {
	if _, ok := f.users[username]; !ok {
		return shared.ErrNotFound
	}
	delete(f.users, username)
	return nil
}

func (f *fakeStore) EnsureAdmin(ctx context.Context, username, password string) error {
	_, err := f.CreateUser(ctx, username, password, true)
	if err == shared.ErrAlreadyExists {
		return nil
	}
	return err
}

func (f *fakeStore) GetExperimentPermission(ctx context.Context, experimentID, username string) (*store.ExperimentPermission, error) {
	if f.failduring == "get_experiment_permission" {
		return nil, fmt.Errorf("store exploded")
	}
	perm, ok := f.expGrants[grantKey{experimentID, username}]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &store.ExperimentPermission{ExperimentID: experimentID, Username: username, Permission: perm}, nil
}

func (f *fakeStore) CreateExperimentPermission(ctx context.Context, experimentID, username, perm string) (*store.ExperimentPermission, error) {
	k := grantKey{experimentID, username}
	if _, ok := f.expGrants[k]; ok {
		return nil, shared.ErrAlreadyExists
	}
	f.expGrants[k] = perm
	return &store.ExperimentPermission{ExperimentID: experimentID, Username: username, Permission: perm}, nil
}

func (f *fakeStore) UpdateExperimentPermission(ctx context.Context, experimentID, username, perm string) error {
	k := grantKey{experimentID, username}
	if _, ok := f.expGrants[k]; !ok {
		return shared.ErrNotFound
	}
	f.expGrants[k] = perm
	return nil
}

func (f *fakeStore) DeleteExperimentPermission(ctx context.Context, experimentID, username string) error {
	k := grantKey{experimentID, username}
	if _, ok := f.expGrants[k]; !ok {
		return shared.ErrNotFound
	}
	delete(f.expGrants, k)
	return nil
}

func (f *fakeStore) ListExperimentPermissions(ctx context.Context, username string) ([]store.ExperimentPermission, error) {
	var out []store.ExperimentPermission
	for k, perm := range f.expGrants {
		if k.username == username {
			out = append(out, store.ExperimentPermission{ExperimentID: k.resource, Username: username, Permission: perm})
		}
	}
	return out, nil
}

func (f *fakeStore) GetRegisteredModelPermission(ctx context.Context, name, username string) (*store.RegisteredModelPermission, error) {
	perm, ok := f.modGrants[grantKey{name, username}]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &store.RegisteredModelPermission{Name: name, Username: username, Permission: perm}, nil
}

func (f *fakeStore) CreateRegisteredModelPermission(ctx context.Context, name, username, perm string) (*store.RegisteredModelPermission, error) {
	k := grantKey{name, username}
	if _, ok := f.modGrants[k]; ok {
		return nil, shared.ErrAlreadyExists
	}
	f.modGrants[k] = perm
	return &store.RegisteredModelPermission{Name: name, Username: username, Permission: perm}, nil
}

func (f *fakeStore) UpdateRegisteredModelPermission(ctx context.Context, name, username, perm string) error {
	k := grantKey{name, username}
	if _, ok := f.modGrants[k]; !ok {
		return shared.ErrNotFound
	}
	f.modGrants[k] = perm
	return nil
}

func (f *fakeStore) DeleteRegisteredModelPermission(ctx context.Context, name, username string) error {
	k := grantKey{name, username}
	if _, ok := f.modGrants[k]; !ok {
		return shared.ErrNotFound
	}
	delete(f.modGrants, k)
	return nil
}

func (f *fakeStore) DeleteRegisteredModelPermissionsForModel(ctx context.Context, name string) error {
	for k := range f.modGrants {
		if k.resource == name {
			delete(f.modGrants, k)
		}
	}
	return nil
}

func (f *fakeStore) ListRegisteredModelPermissions(ctx context.Context, username string) ([]store.RegisteredModelPermission, error) {
	var out []store.RegisteredModelPermission
	for k, perm := range f.modGrants {
		if k.username == username {
			out = append(out, store.RegisteredModelPermission{Name: k.resource, Username: username, Permission: perm})
		}
	}
	return out, nil
}

func (f *fakeStore) RenameRegisteredModelPermissions(ctx context.Context, oldName, newName string) error {
	for k, perm := range f.modGrants {
		if k.resource != oldName {
			continue
		}
		delete(f.modGrants, k)
		dst := grantKey{newName, k.username}
		if existing, ok := f.modGrants[dst]; ok && !permission.Stronger(perm, existing) {
			continue
		}
		f.modGrants[dst] = perm
	}
	return nil
}

func (f *fakeStore) SweepOrphanGrants(ctx context.Context) (int64, error) {
	return 0, nil
}

// fakeTracking scripts upstream lookups and search pages.
type fakeTracking struct {
	experimentsByName map[string]string
	runs              map[string]string
	loggedModels      map[string]string

	searchExperiments      func(req tracking.SearchExperimentsRequest) (*tracking.Page, error)
	searchLoggedModels     func(req tracking.SearchLoggedModelsRequest) (*tracking.Page, error)
	searchRegisteredModels func(req tracking.SearchRegisteredModelsRequest) (*tracking.Page, error)
}

func newFakeTracking() *fakeTracking {
	return &fakeTracking{
		experimentsByName: make(map[string]string),
		runs:              make(map[string]string),
		loggedModels:      make(map[string]string),
	}
}

func (f *fakeTracking) GetExperimentByName(ctx context.Context, name string) (*tracking.Experiment, error) {
	id, ok := f.experimentsByName[name]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &tracking.Experiment{ExperimentID: id, Name: name}, nil
}

func (f *fakeTracking) GetRun(ctx context.Context, runID string) (*tracking.Run, error) {
	expID, ok := f.runs[runID]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &tracking.Run{RunID: runID, ExperimentID: expID}, nil
}

func (f *fakeTracking) GetLoggedModel(ctx context.Context, modelID string) (*tracking.LoggedModel, error) {
	expID, ok := f.loggedModels[modelID]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &tracking.LoggedModel{ModelID: modelID, ExperimentID: expID}, nil
}

func (f *fakeTracking) SearchExperiments(ctx context.Context, req tracking.SearchExperimentsRequest) (*tracking.Page, error) {
	if f.searchExperiments == nil {
		return &tracking.Page{}, nil
	}
	return f.searchExperiments(req)
}

func (f *fakeTracking) SearchLoggedModels(ctx context.Context, req tracking.SearchLoggedModelsRequest) (*tracking.Page, error) {
	if f.searchLoggedModels == nil {
		return &tracking.Page{}, nil
	}
	return f.searchLoggedModels(req)
}

func (f *fakeTracking) SearchRegisteredModels(ctx context.Context, req tracking.SearchRegisteredModelsRequest) (*tracking.Page, error) {
	if f.searchRegisteredModels == nil {
		return &tracking.Page{}, nil
	}
	return f.searchRegisteredModels(req)
}
