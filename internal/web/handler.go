package web

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/dylinzl/mlflow-auth/internal/authn"
	"github.com/dylinzl/mlflow-auth/internal/shared"
	"github.com/dylinzl/mlflow-auth/internal/view"
)

// Handler wires the browser-facing endpoints.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	templates      *view.Engine
	sessionManager *shared.SessionManager
	validator      *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, templates *view.Engine, sessions *shared.SessionManager) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:         logger,
		service:        service,
		templates:      templates,
		sessionManager: sessions,
		validator:      validator.New(),
	}
}

// MountRoutes registers the browser routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.showHome)
	r.Get("/login", h.showLogin)
	r.Post("/login", h.handleLogin)
	// Browsers reach logout through a plain link as well as the form.
	r.Get("/logout", h.handleLogout)
	r.Post("/logout", h.handleLogout)
	r.Get("/signup", h.showSignup)
	r.Post("/signup", h.handleSignup)
}

type credentialsForm struct {
	Username string `validate:"required,max=255"`
	Password string `validate:"required"`
}

type authPageData struct {
	Form   credentialsForm
	Errors map[string]string
	Next   string
}

// safeNext keeps post-login redirects on this host.
func safeNext(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return "/"
	}
	return raw
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, page, title string, status int, data any) {
	sess := shared.SessionFromContext(r.Context())
	viewData := view.TemplateData{
		Title:       title,
		CurrentPath: r.URL.Path,
		Data:        data,
	}
	if sess != nil {
		viewData.Username = sess.Username()
		viewData.IsAdmin = sess.IsAdmin()
		viewData.Flash = sess.PopFlash()
	}
	if id := authn.IdentityFromContext(r.Context()); id != nil {
		viewData.Username = id.Username
		viewData.IsAdmin = id.IsAdmin
	}
	w.WriteHeader(status)
	if err := h.templates.Render(w, page, viewData); err != nil {
		h.logger.Error("render page", slog.String("page", page), slog.Any("error", err))
	}
}

func (h *Handler) showHome(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "pages/home.html", "MLflow Tracking", http.StatusOK, nil)
}

func (h *Handler) showLogin(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil && sess.Username() != "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	data := authPageData{Errors: map[string]string{}, Next: safeNext(r.URL.Query().Get("next"))}
	h.render(w, r, "pages/login.html", "Sign in", http.StatusOK, data)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := credentialsForm{
		Username: r.PostFormValue("username"),
		Password: r.PostFormValue("password"),
	}
	next := safeNext(r.PostFormValue("next"))
	formErrors := make(map[string]string)
	if err := h.validator.Struct(form); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fieldErr := range fieldErrs {
				formErrors[fieldErr.Field()] = "This field is required"
			}
		}
	}

	if len(formErrors) == 0 {
		user, err := h.service.Authenticate(r.Context(), form.Username, form.Password)
		switch {
		case errors.Is(err, shared.ErrInvalidCredentials):
			formErrors["general"] = "Invalid username or password"
		case err != nil:
			h.logger.Error("login", slog.Any("error", err))
			formErrors["general"] = "Something went wrong, try again"
		default:
			sess := shared.SessionFromContext(r.Context())
			if sess == nil {
				h.logger.Error("session missing during login")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			sess.SetIdentity(user.Username, user.ID, user.IsAdmin, time.Now())
			http.Redirect(w, r, next, http.StatusSeeOther)
			return
		}
	}

	form.Password = ""
	data := authPageData{Form: form, Errors: formErrors, Next: next}
	h.render(w, r, "pages/login.html", "Sign in", http.StatusUnauthorized, data)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.ClearIdentity()
		h.sessionManager.Destroy(sess)
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (h *Handler) showSignup(w http.ResponseWriter, r *http.Request) {
	data := authPageData{Errors: map[string]string{}}
	h.render(w, r, "pages/signup.html", "Create account", http.StatusOK, data)
}

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := credentialsForm{
		Username: r.PostFormValue("username"),
		Password: r.PostFormValue("password"),
	}
	formErrors := make(map[string]string)
	if err := h.validator.Struct(form); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fieldErr := range fieldErrs {
				formErrors[fieldErr.Field()] = "This field is required"
			}
		}
	}

	if len(formErrors) == 0 {
		_, err := h.service.Register(r.Context(), form.Username, form.Password)
		switch {
		case errors.Is(err, shared.ErrAlreadyExists):
			formErrors["Username"] = "Username is already taken"
		case err != nil:
			h.logger.Error("signup", slog.Any("error", err))
			formErrors["general"] = "Something went wrong, try again"
		default:
			if sess := shared.SessionFromContext(r.Context()); sess != nil {
				sess.SetFlash("Account created, you can sign in now")
			}
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
	}

	form.Password = ""
	data := authPageData{Form: form, Errors: formErrors}
	h.render(w, r, "pages/signup.html", "Create account", http.StatusBadRequest, data)
}
