package app

import (
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/dylinzl/mlflow-auth/internal/api"
	"github.com/dylinzl/mlflow-auth/internal/authz"
	"github.com/dylinzl/mlflow-auth/internal/observability"
	"github.com/dylinzl/mlflow-auth/internal/shared"
	internalweb "github.com/dylinzl/mlflow-auth/internal/web"
	"github.com/dylinzl/mlflow-auth/jobs"
	"github.com/dylinzl/mlflow-auth/web"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	Metrics        *observability.Metrics

	WebHandler  *internalweb.Handler
	APIHandler  *api.Handler
	JobsHandler *jobs.Handler
	Interceptor *authz.Interceptor
	Proxy       http.Handler
}

// NewRouter builds the full HTTP surface. Health, metrics and static
// assets sit outside the authorization interceptor; everything else,
// including the catch-all proxy to the tracking server, sits behind it.
func NewRouter(params RouterParams) http.Handler {
	outer := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		Metrics:        params.Metrics,
	}) {
		outer.Use(mw)
	}

	outer.Use(chimw.Logger)

	outer.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		outer.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	staticFS, err := fs.Sub(web.Static, "static")
	if err != nil {
		params.Logger.Error("create static sub filesystem", slog.Any("error", err))
	} else {
		fileServer := http.StripPrefix("/static/", http.FileServer(http.FS(staticFS)))
		outer.Handle("/static/*", staticCacheHandler(fileServer))
	}

	inner := chi.NewRouter()

	if params.WebHandler != nil {
		// Browser routes get an IP rate limit; the proxied tracking
		// API must not, its clients batch thousands of calls.
		inner.Group(func(r chi.Router) {
			r.Use(httprate.Limit(60, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
			params.WebHandler.MountRoutes(r)
		})
	}
	if params.APIHandler != nil {
		params.APIHandler.MountRoutes(inner)
	}
	if params.JobsHandler != nil {
		inner.Route("/jobs", params.JobsHandler.MountRoutes)
	}
	if params.Proxy != nil {
		inner.Handle("/*", params.Proxy)
	}

	var protected http.Handler = inner
	if params.Interceptor != nil {
		protected = params.Interceptor.Wrap(inner)
	}
	outer.Handle("/*", protected)

	return outer
}

// staticCacheHandler wraps a file server with Cache-Control headers.
// Static assets are cached for 1 hour in browser.
func staticCacheHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		next.ServeHTTP(w, r)
	})
}
