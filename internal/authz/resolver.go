package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"golang.org/x/sync/singleflight"

	"github.com/dylinzl/mlflow-auth/internal/authn"
	"github.com/dylinzl/mlflow-auth/internal/permission"
	"github.com/dylinzl/mlflow-auth/internal/shared"
	"github.com/dylinzl/mlflow-auth/internal/store"
	"github.com/dylinzl/mlflow-auth/internal/tracking"
)

// TrackingStore is the read-only slice of the upstream tracking server and
// model registry the resolver and filter need.
type TrackingStore interface {
	GetExperimentByName(ctx context.Context, name string) (*tracking.Experiment, error)
	GetRun(ctx context.Context, runID string) (*tracking.Run, error)
	GetLoggedModel(ctx context.Context, modelID string) (*tracking.LoggedModel, error)
	SearchExperiments(ctx context.Context, req tracking.SearchExperimentsRequest) (*tracking.Page, error)
	SearchLoggedModels(ctx context.Context, req tracking.SearchLoggedModelsRequest) (*tracking.Page, error)
	SearchRegisteredModels(ctx context.Context, req tracking.SearchRegisteredModelsRequest) (*tracking.Page, error)
}

// Service resolves requests to governing resources and evaluates
// capability checks against the permission store. All collaborators are
// injected; there is no package-level state.
type Service struct {
	store       store.Store
	tracking    TrackingStore
	defaultPerm permission.Permission
	logger      *slog.Logger

	// lookups collapses concurrent upstream queries for the same
	// resource into one round trip.
	lookups singleflight.Group
}

// NewService constructs a Service. defaultPerm is the level applied when
// no explicit grant exists.
func NewService(st store.Store, tr TrackingStore, defaultPerm permission.Permission, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, tracking: tr, defaultPerm: defaultPerm, logger: logger}
}

// DefaultPermission returns the configured fallback level.
func (s *Service) DefaultPermission() permission.Permission {
	return s.defaultPerm
}

// ExperimentPermission computes the caller's effective permission on an
// experiment: the stored grant, or the configured default when none
// exists. Resource non-existence in the store never fails the pipeline.
func (s *Service) ExperimentPermission(ctx context.Context, experimentID, username string) (permission.Permission, error) {
	grant, err := s.store.GetExperimentPermission(ctx, experimentID, username)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return s.defaultPerm, nil
		}
		return permission.Permission{}, err
	}
	return permission.Get(grant.Permission)
}

// RegisteredModelPermission computes the caller's effective permission on
// a registered model.
func (s *Service) RegisteredModelPermission(ctx context.Context, name, username string) (permission.Permission, error) {
	grant, err := s.store.GetRegisteredModelPermission(ctx, name, username)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return s.defaultPerm, nil
		}
		return permission.Permission{}, err
	}
	return permission.Get(grant.Permission)
}

// dedupe runs fn through the singleflight group, abandoning the shared
// call when the caller's context expires first.
func (s *Service) dedupe(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := s.lookups.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

// Resolution strategies. Each translates request parameters into the
// governing experiment or registered-model key, then loads the caller's
// effective permission.

func (s *Service) permissionFromExperimentID(ctx context.Context, id *authn.Identity, req *RequestContext) (permission.Permission, error) {
	experimentID, err := req.Param("experiment_id")
	if err != nil {
		return permission.Permission{}, err
	}
	return s.ExperimentPermission(ctx, experimentID, id.Username)
}

func (s *Service) permissionFromExperimentName(ctx context.Context, id *authn.Identity, req *RequestContext) (permission.Permission, error) {
	name, err := req.Param("experiment_name")
	if err != nil {
		return permission.Permission{}, err
	}
	v, err := s.dedupe(ctx, "experiment_name:"+name, func(ctx context.Context) (any, error) {
		return s.tracking.GetExperimentByName(ctx, name)
	})
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return permission.Permission{}, fmt.Errorf("%w: experiment with name %q", ErrResourceNotFound, name)
		}
		return permission.Permission{}, err
	}
	exp := v.(*tracking.Experiment)
	return s.ExperimentPermission(ctx, exp.ExperimentID, id.Username)
}

// Run permissions inherit from the owning experiment.
func (s *Service) permissionFromRunID(ctx context.Context, id *authn.Identity, req *RequestContext) (permission.Permission, error) {
	runID, err := req.Param("run_id")
	if err != nil {
		return permission.Permission{}, err
	}
	v, err := s.dedupe(ctx, "run:"+runID, func(ctx context.Context) (any, error) {
		return s.tracking.GetRun(ctx, runID)
	})
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return permission.Permission{}, fmt.Errorf("%w: run %q", ErrResourceNotFound, runID)
		}
		return permission.Permission{}, err
	}
	run := v.(*tracking.Run)
	return s.ExperimentPermission(ctx, run.ExperimentID, id.Username)
}

// Logged-model permissions inherit from the owning experiment.
func (s *Service) permissionFromModelID(ctx context.Context, id *authn.Identity, req *RequestContext) (permission.Permission, error) {
	modelID, err := req.Param("model_id")
	if err != nil {
		return permission.Permission{}, err
	}
	v, err := s.dedupe(ctx, "logged_model:"+modelID, func(ctx context.Context) (any, error) {
		return s.tracking.GetLoggedModel(ctx, modelID)
	})
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return permission.Permission{}, fmt.Errorf("%w: logged model %q", ErrResourceNotFound, modelID)
		}
		return permission.Permission{}, err
	}
	model := v.(*tracking.LoggedModel)
	return s.ExperimentPermission(ctx, model.ExperimentID, id.Username)
}

func (s *Service) permissionFromRegisteredModelName(ctx context.Context, id *authn.Identity, req *RequestContext) (permission.Permission, error) {
	name, err := req.Param("name")
	if err != nil {
		return permission.Permission{}, err
	}
	return s.RegisteredModelPermission(ctx, name, id.Username)
}

// experimentIDPattern matches the leading experiment-id segment of an
// artifact-storage path.
var experimentIDPattern = regexp.MustCompile(`^(\d+)/`)

// permissionFromArtifactPath authorizes artifact-proxy requests. The
// experiment id is the leading numeric segment of the artifact path; a
// path that doesn't match, or a bulk listing with no path at all, widens
// to the caller's default permission on experiments.
func (s *Service) permissionFromArtifactPath(ctx context.Context, id *authn.Identity, req *RequestContext) (permission.Permission, error) {
	artifactPath := req.PathParams["artifact_path"]
	if m := experimentIDPattern.FindStringSubmatch(artifactPath); m != nil {
		return s.ExperimentPermission(ctx, m[1], id.Username)
	}
	return s.defaultPerm, nil
}

// Validator is a predicate deciding whether the caller's effective
// permission satisfies an operation's requirement.
type Validator func(ctx context.Context, id *authn.Identity, req *RequestContext) (bool, error)

type strategy func(ctx context.Context, id *authn.Identity, req *RequestContext) (permission.Permission, error)

func capability(resolve strategy, check func(permission.Permission) bool) Validator {
	return func(ctx context.Context, id *authn.Identity, req *RequestContext) (bool, error) {
		perm, err := resolve(ctx, id, req)
		if err != nil {
			return false, err
		}
		return check(perm), nil
	}
}

func canRead(p permission.Permission) bool   { return p.CanRead }
func canUpdate(p permission.Permission) bool { return p.CanUpdate }
func canDelete(p permission.Permission) bool { return p.CanDelete }
func canManage(p permission.Permission) bool { return p.CanManage }

// usernameIsSender allows self-service user operations only.
func usernameIsSender(ctx context.Context, id *authn.Identity, req *RequestContext) (bool, error) {
	username, err := req.Param("username")
	if err != nil {
		return false, err
	}
	return username == id.Username, nil
}

// adminOnly always denies: admins never reach validators, so whoever got
// here is not an admin.
func adminOnly(ctx context.Context, id *authn.Identity, req *RequestContext) (bool, error) {
	return false, nil
}
