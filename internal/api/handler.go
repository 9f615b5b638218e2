// Package api serves the user and permission management endpoints. The
// authorization gate in front of the router has already decided access;
// handlers here only validate payloads and talk to the store.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/dylinzl/mlflow-auth/internal/authz"
	"github.com/dylinzl/mlflow-auth/internal/permission"
	"github.com/dylinzl/mlflow-auth/internal/platform/httpx"
	"github.com/dylinzl/mlflow-auth/internal/store"
)

// SweepFunc schedules an asynchronous orphan-grant sweep after a user
// deletion. Nil disables the follow-up; the synchronous cascade in the
// store remains the primary cleanup.
type SweepFunc func(ctx context.Context) error

// Handler wires the management endpoints.
type Handler struct {
	logger    *slog.Logger
	store     store.Store
	validator *validator.Validate
	sweep     SweepFunc
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, st store.Store, sweep SweepFunc) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, store: st, validator: validator.New(), sweep: sweep}
}

// MountRoutes registers the management routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post(authz.RouteCreateUser, h.createUser)
	r.Get(authz.RouteGetUser, h.getUser)
	r.Patch(authz.RouteUpdateUserPassword, h.updateUserPassword)
	r.Patch(authz.RouteUpdateUserAdmin, h.updateUserAdmin)
	r.Delete(authz.RouteDeleteUser, h.deleteUser)

	r.Post(authz.RouteCreateExperimentPermission, h.createExperimentPermission)
	r.Get(authz.RouteGetExperimentPermission, h.getExperimentPermission)
	r.Patch(authz.RouteUpdateExperimentPermission, h.updateExperimentPermission)
	r.Delete(authz.RouteDeleteExperimentPermission, h.deleteExperimentPermission)

	r.Post(authz.RouteCreateRegisteredModelPermission, h.createRegisteredModelPermission)
	r.Get(authz.RouteGetRegisteredModelPermission, h.getRegisteredModelPermission)
	r.Patch(authz.RouteUpdateRegisteredModelPermission, h.updateRegisteredModelPermission)
	r.Delete(authz.RouteDeleteRegisteredModelPermission, h.deleteRegisteredModelPermission)
}

// decode parses and validates a JSON payload; a false return means the
// error response has been written.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Error(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON payload")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
			httpx.Error(w, http.StatusBadRequest, "INVALID_PARAMETER_VALUE", fieldErrs[0].Error())
			return false
		}
		httpx.Error(w, http.StatusBadRequest, "INVALID_PARAMETER_VALUE", err.Error())
		return false
	}
	return true
}

func validPermission(w http.ResponseWriter, level string) bool {
	if !permission.Valid(level) {
		httpx.Error(w, http.StatusBadRequest, "INVALID_PARAMETER_VALUE",
			"invalid permission '"+level+"'")
		return false
	}
	return true
}

type userJSON struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

type experimentPermissionJSON struct {
	ExperimentID string `json:"experiment_id"`
	Username     string `json:"username"`
	Permission   string `json:"permission"`
}

type registeredModelPermissionJSON struct {
	Name       string `json:"name"`
	Username   string `json:"username"`
	Permission string `json:"permission"`
}

func toUserJSON(u *store.User) userJSON {
	return userJSON{ID: u.ID, Username: u.Username, IsAdmin: u.IsAdmin}
}

type createUserRequest struct {
	Username string `json:"username" validate:"required,max=255"`
	Password string `json:"password" validate:"required"`
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !h.decode(w, r, &req) {
		return
	}
	user, err := h.store.CreateUser(r.Context(), req.Username, req.Password, false)
	if err != nil {
		h.logger.Error("create user", slog.String("username", req.Username), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user": toUserJSON(user)})
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		httpx.Error(w, http.StatusBadRequest, "INVALID_PARAMETER_VALUE",
			"missing value for required parameter 'username'")
		return
	}
	user, err := h.store.GetUser(r.Context(), username)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	expGrants, err := h.store.ListExperimentPermissions(r.Context(), username)
	if err != nil {
		h.logger.Error("list experiment permissions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	modGrants, err := h.store.ListRegisteredModelPermissions(r.Context(), username)
	if err != nil {
		h.logger.Error("list registered model permissions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	exps := make([]experimentPermissionJSON, 0, len(expGrants))
	for _, g := range expGrants {
		exps = append(exps, experimentPermissionJSON{ExperimentID: g.ExperimentID, Username: g.Username, Permission: g.Permission})
	}
	mods := make([]registeredModelPermissionJSON, 0, len(modGrants))
	for _, g := range modGrants {
		mods = append(mods, registeredModelPermissionJSON{Name: g.Name, Username: g.Username, Permission: g.Permission})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user": struct {
		userJSON
		ExperimentPermissions      []experimentPermissionJSON      `json:"experiment_permissions"`
		RegisteredModelPermissions []registeredModelPermissionJSON `json:"registered_model_permissions"`
	}{toUserJSON(user), exps, mods}})
}

type updatePasswordRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (h *Handler) updateUserPassword(w http.ResponseWriter, r *http.Request) {
	var req updatePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.store.UpdateUserPassword(r.Context(), req.Username, req.Password); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, struct{}{})
}

type updateAdminRequest struct {
	Username string `json:"username" validate:"required"`
	IsAdmin  bool   `json:"is_admin"`
}

func (h *Handler) updateUserAdmin(w http.ResponseWriter, r *http.Request) {
	var req updateAdminRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.store.UpdateUserAdmin(r.Context(), req.Username, req.IsAdmin); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, struct{}{})
}

type deleteUserRequest struct {
	Username string `json:"username" validate:"required"`
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	var req deleteUserRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.store.DeleteUser(r.Context(), req.Username); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if h.sweep != nil {
		if err := h.sweep(r.Context()); err != nil {
			h.logger.Warn("enqueue orphan sweep", slog.Any("error", err))
		}
	}
	httpx.JSON(w, http.StatusOK, struct{}{})
}

type experimentPermissionRequest struct {
	ExperimentID string `json:"experiment_id" validate:"required"`
	Username     string `json:"username" validate:"required"`
	Permission   string `json:"permission" validate:"required"`
}

func (h *Handler) createExperimentPermission(w http.ResponseWriter, r *http.Request) {
	var req experimentPermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !validPermission(w, req.Permission) {
		return
	}
	grant, err := h.store.CreateExperimentPermission(r.Context(), req.ExperimentID, req.Username, req.Permission)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"experiment_permission": experimentPermissionJSON{
		ExperimentID: grant.ExperimentID, Username: grant.Username, Permission: grant.Permission,
	}})
}

func (h *Handler) getExperimentPermission(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	experimentID, username := q.Get("experiment_id"), q.Get("username")
	if experimentID == "" || username == "" {
		httpx.Error(w, http.StatusBadRequest, "INVALID_PARAMETER_VALUE",
			"both 'experiment_id' and 'username' are required")
		return
	}
	grant, err := h.store.GetExperimentPermission(r.Context(), experimentID, username)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"experiment_permission": experimentPermissionJSON{
		ExperimentID: grant.ExperimentID, Username: grant.Username, Permission: grant.Permission,
	}})
}

func (h *Handler) updateExperimentPermission(w http.ResponseWriter, r *http.Request) {
	var req experimentPermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !validPermission(w, req.Permission) {
		return
	}
	if err := h.store.UpdateExperimentPermission(r.Context(), req.ExperimentID, req.Username, req.Permission); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, struct{}{})
}

type deleteExperimentPermissionRequest struct {
	ExperimentID string `json:"experiment_id" validate:"required"`
	Username     string `json:"username" validate:"required"`
}

func (h *Handler) deleteExperimentPermission(w http.ResponseWriter, r *http.Request) {
	var req deleteExperimentPermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.store.DeleteExperimentPermission(r.Context(), req.ExperimentID, req.Username); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, struct{}{})
}

type registeredModelPermissionRequest struct {
	Name       string `json:"name" validate:"required"`
	Username   string `json:"username" validate:"required"`
	Permission string `json:"permission" validate:"required"`
}

func (h *Handler) createRegisteredModelPermission(w http.ResponseWriter, r *http.Request) {
	var req registeredModelPermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !validPermission(w, req.Permission) {
		return
	}
	grant, err := h.store.CreateRegisteredModelPermission(r.Context(), req.Name, req.Username, req.Permission)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"registered_model_permission": registeredModelPermissionJSON{
		Name: grant.Name, Username: grant.Username, Permission: grant.Permission,
	}})
}

func (h *Handler) getRegisteredModelPermission(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name, username := q.Get("name"), q.Get("username")
	if name == "" || username == "" {
		httpx.Error(w, http.StatusBadRequest, "INVALID_PARAMETER_VALUE",
			"both 'name' and 'username' are required")
		return
	}
	grant, err := h.store.GetRegisteredModelPermission(r.Context(), name, username)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"registered_model_permission": registeredModelPermissionJSON{
		Name: grant.Name, Username: grant.Username, Permission: grant.Permission,
	}})
}

func (h *Handler) updateRegisteredModelPermission(w http.ResponseWriter, r *http.Request) {
	var req registeredModelPermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !validPermission(w, req.Permission) {
		return
	}
	if err := h.store.UpdateRegisteredModelPermission(r.Context(), req.Name, req.Username, req.Permission); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, struct{}{})
}

type deleteRegisteredModelPermissionRequest struct {
	Name     string `json:"name" validate:"required"`
	Username string `json:"username" validate:"required"`
}

func (h *Handler) deleteRegisteredModelPermission(w http.ResponseWriter, r *http.Request) {
	var req deleteRegisteredModelPermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.store.DeleteRegisteredModelPermission(r.Context(), req.Name, req.Username); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, struct{}{})
}
