package authz

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dylinzl/mlflow-auth/internal/authn"
	"github.com/dylinzl/mlflow-auth/internal/platform/httpx"
)

// Request bodies are buffered for parameter extraction and after-request
// handlers; the cap keeps a hostile client from holding the buffer open.
const maxBodyBytes = 16 << 20

// DecisionRecorder receives one outcome label per authorization
// decision. A nil recorder is allowed.
type DecisionRecorder interface {
	Decision(outcome string)
}

// Interceptor is the pre/post gate in front of the proxied tracking
// server: it authenticates the caller, evaluates the route's validator
// before the request is forwarded, and stages the after-request handler
// for the proxy to run against the upstream response.
type Interceptor struct {
	table      *Table
	svc        *Service
	auth       authn.Authenticator
	logger     *slog.Logger
	recorder   DecisionRecorder
	permissive bool
}

// InterceptorParams collects the dependencies of NewInterceptor.
type InterceptorParams struct {
	Table    *Table
	Service  *Service
	Auth     authn.Authenticator
	Logger   *slog.Logger
	Recorder DecisionRecorder
	// PermissiveRouting forwards unmatched REST-prefix requests instead
	// of denying them.
	PermissiveRouting bool
}

// NewInterceptor constructs the gate.
func NewInterceptor(p InterceptorParams) *Interceptor {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{
		table:      p.Table,
		svc:        p.Service,
		auth:       p.Auth,
		logger:     logger,
		recorder:   p.Recorder,
		permissive: p.PermissiveRouting,
	}
}

func (ic *Interceptor) record(outcome string) {
	if ic.recorder != nil {
		ic.recorder.Decision(outcome)
	}
}

type afterContextKey struct{}

type afterState struct {
	hook AfterHook
	id   *authn.Identity
	req  *RequestContext
}

// HasAfterHook reports whether a handler is staged on this context. The
// proxy uses it to leave responses unbuffered when nothing will inspect
// them, artifact downloads in particular.
func (ic *Interceptor) HasAfterHook(ctx context.Context) bool {
	st, _ := ctx.Value(afterContextKey{}).(*afterState)
	return st != nil && st.hook != nil
}

// AfterRequest runs the staged after-request handler against a
// successful upstream response. It returns the possibly rewritten
// response, or an error when a filtering handler failed and the response
// must not be served.
func (ic *Interceptor) AfterRequest(ctx context.Context, resp *Response) error {
	st, _ := ctx.Value(afterContextKey{}).(*afterState)
	if st == nil || st.hook == nil {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return nil
	}
	return st.hook(ctx, st.id, st.req, resp)
}

// Wrap authenticates and authorizes every request before handing it to
// next. Unprotected paths (login, signup, static assets, health) skip
// the gate entirely.
func (ic *Interceptor) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsUnprotected(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := ic.auth.Authenticate(r.Context(), r)
		if err != nil {
			var unauth *authn.UnauthenticatedError
			if errors.As(err, &unauth) {
				ic.record("unauthenticated")
				unauth.WriteResponse(w, r)
				return
			}
			ic.logger.Error("authenticate", slog.Any("error", err))
			httpx.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "authentication failed")
			return
		}
		ctx := authn.ContextWithIdentity(r.Context(), identity)

		path, method := r.URL.Path, r.Method
		route, pathParams, matched := ic.table.Find(path, method)
		var validator Validator
		var after AfterHook
		switch {
		case matched:
			validator, after = route.Validator, route.After
		case IsArtifactPath(path):
			pathParams = map[string]string{"artifact_path": ArtifactPathParam(path)}
			validator = ic.table.ArtifactValidator(ic.svc, method)
		case strings.HasPrefix(path, RESTPrefix) && !identity.IsAdmin && !ic.permissive:
			ic.record("denied")
			httpx.Error(w, http.StatusForbidden, "PERMISSION_DENIED", "Permission denied")
			return
		}

		// Only governed operations read the buffered body (validators
		// extract parameters from it, after-request handlers re-read
		// it). Everything else streams through untouched; artifact
		// uploads in particular routinely exceed any sane buffer cap.
		var body []byte
		if matched && (route.Validator != nil || route.After != nil) {
			body, err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
			if err != nil {
				httpx.Error(w, http.StatusBadRequest, "BAD_REQUEST", "unable to read request body")
				return
			}
			r.Body.Close()
			if len(body) > maxBodyBytes {
				httpx.Error(w, http.StatusRequestEntityTooLarge, "BAD_REQUEST", "request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
		}

		reqCtx := NewRequestContext(r, body, pathParams)

		if identity.IsAdmin {
			ic.record("admin_bypass")
		} else if validator != nil {
			allowed, err := validator(ctx, identity, reqCtx)
			if err != nil {
				ic.writeValidatorError(w, identity, path, err)
				return
			}
			if !allowed {
				ic.record("denied")
				httpx.Error(w, http.StatusForbidden, "PERMISSION_DENIED", "Permission denied")
				return
			}
			ic.record("allowed")
		} else {
			ic.record("open")
		}

		if after != nil {
			ctx = context.WithValue(ctx, afterContextKey{}, &afterState{hook: after, id: identity, req: reqCtx})
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// writeValidatorError maps resolution failures onto client responses.
// Missing parameters are the caller's fault; a reference that does not
// resolve is reported as not found before any permission is revealed.
func (ic *Interceptor) writeValidatorError(w http.ResponseWriter, id *authn.Identity, path string, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		ic.record("invalid_request")
		httpx.Error(w, http.StatusBadRequest, "INVALID_PARAMETER_VALUE", err.Error())
	case errors.Is(err, ErrResourceNotFound):
		ic.record("not_found")
		httpx.Error(w, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", err.Error())
	default:
		ic.logger.Error("authorize",
			slog.String("path", path),
			slog.String("username", id.Username),
			slog.Any("error", err))
		ic.record("error")
		httpx.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "authorization failed")
	}
}
