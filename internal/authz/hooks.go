package authz

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/dylinzl/mlflow-auth/internal/authn"
	"github.com/dylinzl/mlflow-auth/internal/permission"
	"github.com/dylinzl/mlflow-auth/internal/store"
)

// Response is the mutable view of an outgoing response handed to
// after-request handlers. Handlers that rewrite the body call SetBody so
// the proxy can fix up Content-Length.
type Response struct {
	StatusCode int
	Body       []byte

	rewritten bool
}

// SetBody replaces the response body.
func (r *Response) SetBody(body []byte) {
	r.Body = body
	r.rewritten = true
}

// Rewritten reports whether a handler replaced the body.
func (r *Response) Rewritten() bool {
	return r.rewritten
}

// AfterHook runs against a successful response. Bookkeeping hooks
// (grants, cleanup, rename propagation) are best effort and never return
// an error: a secondary failure must not revert the primary operation.
// Filtering hooks do return errors, because serving an unfiltered
// response would leak unauthorized entries.
type AfterHook func(ctx context.Context, id *authn.Identity, req *RequestContext, resp *Response) error

// Hooks bundles the after-request handlers with their dependencies.
type Hooks struct {
	store  store.Store
	svc    *Service
	logger *slog.Logger
}

// NewHooks constructs the handler set.
func NewHooks(st store.Store, svc *Service, logger *slog.Logger) *Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hooks{store: st, svc: svc, logger: logger}
}

// GrantExperimentOnCreate gives the creator MANAGE on a newly created
// experiment, parsed from the create response.
func (h *Hooks) GrantExperimentOnCreate(ctx context.Context, id *authn.Identity, req *RequestContext, resp *Response) error {
	var payload struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil || payload.ExperimentID == "" {
		h.logger.Warn("grant on create: parse experiment id", slog.Any("error", err))
		return nil
	}
	if _, err := h.store.CreateExperimentPermission(ctx, payload.ExperimentID, id.Username, permission.Manage.Name); err != nil {
		h.logger.Warn("grant on create: experiment permission",
			slog.String("experiment_id", payload.ExperimentID),
			slog.String("username", id.Username),
			slog.Any("error", err))
	}
	return nil
}

// GrantRegisteredModelOnCreate gives the creator MANAGE on a newly
// registered model.
func (h *Hooks) GrantRegisteredModelOnCreate(ctx context.Context, id *authn.Identity, req *RequestContext, resp *Response) error {
	var payload struct {
		RegisteredModel struct {
			Name string `json:"name"`
		} `json:"registered_model"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil || payload.RegisteredModel.Name == "" {
		h.logger.Warn("grant on create: parse registered model name", slog.Any("error", err))
		return nil
	}
	if _, err := h.store.CreateRegisteredModelPermission(ctx, payload.RegisteredModel.Name, id.Username, permission.Manage.Name); err != nil {
		h.logger.Warn("grant on create: registered model permission",
			slog.String("name", payload.RegisteredModel.Name),
			slog.String("username", id.Username),
			slog.Any("error", err))
	}
	return nil
}

// CleanupRegisteredModelOnDelete removes grants for a deleted registered
// model. Registered models are keyed by name, so stale grants would
// otherwise attach to the next model registered under the same name. The
// key comes from the buffered request body; delete responses carry none.
func (h *Hooks) CleanupRegisteredModelOnDelete(ctx context.Context, id *authn.Identity, req *RequestContext, resp *Response) error {
	name, err := req.Param("name")
	if err != nil {
		h.logger.Warn("cleanup on delete: missing model name", slog.Any("error", err))
		return nil
	}
	if err := h.store.DeleteRegisteredModelPermissionsForModel(ctx, name); err != nil {
		h.logger.Warn("cleanup on delete: registered model permissions",
			slog.String("name", name), slog.Any("error", err))
	}
	return nil
}

// PropagateRegisteredModelRename re-keys every grant when a registered
// model is renamed; a model can be shared with many users and all their
// grants must follow the new name.
func (h *Hooks) PropagateRegisteredModelRename(ctx context.Context, id *authn.Identity, req *RequestContext, resp *Response) error {
	name, err := req.Param("name")
	if err != nil {
		h.logger.Warn("rename propagation: missing name", slog.Any("error", err))
		return nil
	}
	newName, err := req.Param("new_name")
	if err != nil {
		h.logger.Warn("rename propagation: missing new_name", slog.Any("error", err))
		return nil
	}
	if err := h.store.RenameRegisteredModelPermissions(ctx, name, newName); err != nil {
		h.logger.Warn("rename propagation",
			slog.String("name", name),
			slog.String("new_name", newName),
			slog.Any("error", err))
	}
	return nil
}
