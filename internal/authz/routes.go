package authz

import (
	"net/http"
	"regexp"
	"strings"
)

// Route path constants. The REST prefix matches the upstream server's
// API namespace; local management endpoints live under the same prefix
// so existing client tooling keeps working.
const (
	RESTPrefix      = "/api/2.0/mlflow"
	ArtifactsPrefix = "/api/2.0/mlflow-artifacts/artifacts"

	RouteHome   = "/"
	RouteLogin  = "/login"
	RouteLogout = "/logout"
	RouteSignup = "/signup"

	RouteCreateUser         = RESTPrefix + "/users/create"
	RouteGetUser            = RESTPrefix + "/users/get"
	RouteUpdateUserPassword = RESTPrefix + "/users/update-password"
	RouteUpdateUserAdmin    = RESTPrefix + "/users/update-admin"
	RouteDeleteUser         = RESTPrefix + "/users/delete"

	RouteCreateExperimentPermission = RESTPrefix + "/experiments/permissions/create"
	RouteGetExperimentPermission    = RESTPrefix + "/experiments/permissions/get"
	RouteUpdateExperimentPermission = RESTPrefix + "/experiments/permissions/update"
	RouteDeleteExperimentPermission = RESTPrefix + "/experiments/permissions/delete"

	RouteCreateRegisteredModelPermission = RESTPrefix + "/registered-models/permissions/create"
	RouteGetRegisteredModelPermission    = RESTPrefix + "/registered-models/permissions/get"
	RouteUpdateRegisteredModelPermission = RESTPrefix + "/registered-models/permissions/update"
	RouteDeleteRegisteredModelPermission = RESTPrefix + "/registered-models/permissions/delete"
)

// Route binds one (path, method) to its validator and optional
// after-request handler. A nil Validator must carry an Open reason; the
// table test enforces this so no operation is left unprotected silently.
type Route struct {
	Path      string
	Method    string
	Validator Validator
	After     AfterHook
	// Open documents why this operation intentionally has no validator.
	Open string
}

type routeKey struct {
	path   string
	method string
}

type patternRoute struct {
	re     *regexp.Regexp
	params []string
	route  Route
}

// Table is the static projection of every server operation onto its
// validator and after-hook, built once at startup.
type Table struct {
	routes   []Route
	exact    map[routeKey]Route
	patterns []patternRoute
}

// paramSegment matches a {param} placeholder after QuoteMeta has escaped
// the braces to \{param\}.
var paramSegment = regexp.MustCompile(`\\\{([^}]+)\\\}`)

// compilePath converts a path with {param} segments into a regex and the
// ordered parameter names.
func compilePath(path string) (*regexp.Regexp, []string) {
	var params []string
	pattern := paramSegment.ReplaceAllStringFunc(regexp.QuoteMeta(path), func(seg string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(seg, `\{`), `\}`)
		params = append(params, name)
		return `([^/]+)`
	})
	return regexp.MustCompile("^" + pattern + "$"), params
}

// NewTable enumerates every governed operation. Keep this list exhaustive:
// the table test cross-checks it against the endpoint inventory.
func NewTable(svc *Service, hooks *Hooks) *Table {
	readExperiment := capability(svc.permissionFromExperimentID, canRead)
	updateExperiment := capability(svc.permissionFromExperimentID, canUpdate)
	deleteExperiment := capability(svc.permissionFromExperimentID, canDelete)
	manageExperiment := capability(svc.permissionFromExperimentID, canManage)
	readExperimentByName := capability(svc.permissionFromExperimentName, canRead)

	readRun := capability(svc.permissionFromRunID, canRead)
	updateRun := capability(svc.permissionFromRunID, canUpdate)
	deleteRun := capability(svc.permissionFromRunID, canDelete)

	readLoggedModel := capability(svc.permissionFromModelID, canRead)
	updateLoggedModel := capability(svc.permissionFromModelID, canUpdate)
	deleteLoggedModel := capability(svc.permissionFromModelID, canDelete)

	readModel := capability(svc.permissionFromRegisteredModelName, canRead)
	updateModel := capability(svc.permissionFromRegisteredModelName, canUpdate)
	deleteModel := capability(svc.permissionFromRegisteredModelName, canDelete)
	manageModel := capability(svc.permissionFromRegisteredModelName, canManage)

	const (
		get   = http.MethodGet
		post  = http.MethodPost
		patch = http.MethodPatch
		del   = http.MethodDelete
	)

	routes := []Route{
		// Experiments.
		{Path: RESTPrefix + "/experiments/create", Method: post, Open: "any authenticated user may create; ownership is granted by the after-hook", After: hooks.GrantExperimentOnCreate},
		{Path: RESTPrefix + "/experiments/get", Method: get, Validator: readExperiment},
		{Path: RESTPrefix + "/experiments/get-by-name", Method: get, Validator: readExperimentByName},
		{Path: RESTPrefix + "/experiments/search", Method: post, Open: "results are filtered per caller by the after-hook", After: hooks.FilterSearchExperiments},
		{Path: RESTPrefix + "/experiments/delete", Method: post, Validator: deleteExperiment},
		{Path: RESTPrefix + "/experiments/restore", Method: post, Validator: deleteExperiment},
		{Path: RESTPrefix + "/experiments/update", Method: post, Validator: updateExperiment},
		{Path: RESTPrefix + "/experiments/set-experiment-tag", Method: post, Validator: updateExperiment},
		{Path: RESTPrefix + "/experiments/delete-experiment-tag", Method: post, Validator: updateExperiment},

		// Runs.
		{Path: RESTPrefix + "/runs/create", Method: post, Validator: updateExperiment},
		{Path: RESTPrefix + "/runs/get", Method: get, Validator: readRun},
		{Path: RESTPrefix + "/runs/search", Method: post, Open: "run search is scoped by experiment_ids upstream; runs carry no grants of their own"},
		{Path: RESTPrefix + "/runs/delete", Method: post, Validator: deleteRun},
		{Path: RESTPrefix + "/runs/restore", Method: post, Validator: deleteRun},
		{Path: RESTPrefix + "/runs/update", Method: post, Validator: updateRun},
		{Path: RESTPrefix + "/runs/log-metric", Method: post, Validator: updateRun},
		{Path: RESTPrefix + "/runs/log-batch", Method: post, Validator: updateRun},
		{Path: RESTPrefix + "/runs/log-model", Method: post, Validator: updateRun},
		{Path: RESTPrefix + "/runs/log-inputs", Method: post, Validator: updateRun},
		{Path: RESTPrefix + "/runs/set-tag", Method: post, Validator: updateRun},
		{Path: RESTPrefix + "/runs/delete-tag", Method: post, Validator: updateRun},
		{Path: RESTPrefix + "/runs/log-parameter", Method: post, Validator: updateRun},
		{Path: RESTPrefix + "/metrics/get-history", Method: get, Validator: readRun},
		{Path: RESTPrefix + "/artifacts/list", Method: get, Validator: readRun},

		// Logged models. These paths carry parameters and are matched by
		// pattern, not by exact lookup.
		{Path: RESTPrefix + "/logged-models", Method: post, Validator: updateExperiment},
		{Path: RESTPrefix + "/logged-models/search", Method: post, Open: "results are filtered per caller by the after-hook", After: hooks.FilterSearchLoggedModels},
		{Path: RESTPrefix + "/logged-models/{model_id}", Method: get, Validator: readLoggedModel},
		{Path: RESTPrefix + "/logged-models/{model_id}", Method: del, Validator: deleteLoggedModel},
		{Path: RESTPrefix + "/logged-models/{model_id}/finalize", Method: post, Validator: updateLoggedModel},
		{Path: RESTPrefix + "/logged-models/{model_id}/tags", Method: post, Validator: updateLoggedModel},
		{Path: RESTPrefix + "/logged-models/{model_id}/tags/{tag_key}", Method: del, Validator: deleteLoggedModel},
		{Path: RESTPrefix + "/logged-models/{model_id}/params", Method: post, Validator: updateLoggedModel},

		// Model registry.
		{Path: RESTPrefix + "/registered-models/create", Method: post, Open: "any authenticated user may register; ownership is granted by the after-hook", After: hooks.GrantRegisteredModelOnCreate},
		{Path: RESTPrefix + "/registered-models/get", Method: get, Validator: readModel},
		{Path: RESTPrefix + "/registered-models/search", Method: get, Open: "results are filtered per caller by the after-hook", After: hooks.FilterSearchRegisteredModels},
		{Path: RESTPrefix + "/registered-models/delete", Method: del, Validator: deleteModel, After: hooks.CleanupRegisteredModelOnDelete},
		{Path: RESTPrefix + "/registered-models/update", Method: patch, Validator: updateModel},
		{Path: RESTPrefix + "/registered-models/rename", Method: post, Validator: updateModel, After: hooks.PropagateRegisteredModelRename},
		{Path: RESTPrefix + "/registered-models/get-latest-versions", Method: post, Validator: readModel},
		{Path: RESTPrefix + "/registered-models/get-latest-versions", Method: get, Validator: readModel},
		{Path: RESTPrefix + "/registered-models/set-tag", Method: post, Validator: updateModel},
		{Path: RESTPrefix + "/registered-models/delete-tag", Method: del, Validator: updateModel},
		{Path: RESTPrefix + "/registered-models/alias", Method: post, Validator: updateModel},
		{Path: RESTPrefix + "/registered-models/alias", Method: del, Validator: deleteModel},
		{Path: RESTPrefix + "/registered-models/alias", Method: get, Validator: readModel},
		{Path: RESTPrefix + "/model-versions/create", Method: post, Validator: updateModel},
		{Path: RESTPrefix + "/model-versions/get", Method: get, Validator: readModel},
		{Path: RESTPrefix + "/model-versions/delete", Method: del, Validator: deleteModel},
		{Path: RESTPrefix + "/model-versions/update", Method: patch, Validator: updateModel},
		{Path: RESTPrefix + "/model-versions/transition-stage", Method: post, Validator: updateModel},
		{Path: RESTPrefix + "/model-versions/get-download-uri", Method: get, Validator: readModel},
		{Path: RESTPrefix + "/model-versions/set-tag", Method: post, Validator: updateModel},
		{Path: RESTPrefix + "/model-versions/delete-tag", Method: del, Validator: deleteModel},
		{Path: RESTPrefix + "/model-versions/search", Method: get, Open: "version visibility follows the parent model; reads of versions resolve through the model validator on get"},

		// User management. Admins bypass validators, so adminOnly denies
		// every non-admin caller.
		{Path: RouteCreateUser, Method: post, Validator: adminOnly},
		{Path: RouteGetUser, Method: get, Validator: usernameIsSender},
		{Path: RouteUpdateUserPassword, Method: patch, Validator: usernameIsSender},
		{Path: RouteUpdateUserAdmin, Method: patch, Validator: adminOnly},
		{Path: RouteDeleteUser, Method: del, Validator: adminOnly},

		// Permission management.
		{Path: RouteCreateExperimentPermission, Method: post, Validator: manageExperiment},
		{Path: RouteGetExperimentPermission, Method: get, Validator: manageExperiment},
		{Path: RouteUpdateExperimentPermission, Method: patch, Validator: manageExperiment},
		{Path: RouteDeleteExperimentPermission, Method: del, Validator: manageExperiment},
		{Path: RouteCreateRegisteredModelPermission, Method: post, Validator: manageModel},
		{Path: RouteGetRegisteredModelPermission, Method: get, Validator: manageModel},
		{Path: RouteUpdateRegisteredModelPermission, Method: patch, Validator: manageModel},
		{Path: RouteDeleteRegisteredModelPermission, Method: del, Validator: manageModel},
	}

	t := &Table{
		routes: routes,
		exact:  make(map[routeKey]Route, len(routes)),
	}
	for _, rt := range routes {
		if strings.Contains(rt.Path, "{") {
			re, params := compilePath(rt.Path)
			t.patterns = append(t.patterns, patternRoute{re: re, params: params, route: rt})
			continue
		}
		t.exact[routeKey{path: rt.Path, method: rt.Method}] = rt
	}
	return t
}

// Find locates the route for (path, method) and extracts any path
// parameters. Exact matches win; path-parameterized routes (the
// logged-model family) fall back to pattern matching.
func (t *Table) Find(path, method string) (Route, map[string]string, bool) {
	if rt, ok := t.exact[routeKey{path: path, method: method}]; ok {
		return rt, nil, true
	}
	for _, pr := range t.patterns {
		if pr.route.Method != method {
			continue
		}
		m := pr.re.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		params := make(map[string]string, len(pr.params))
		for i, name := range pr.params {
			params[name] = m[i+1]
		}
		return pr.route, params, true
	}
	return Route{}, nil, false
}

// Routes exposes the full enumeration for the completeness test.
func (t *Table) Routes() []Route {
	return t.routes
}

// ArtifactValidator returns the method-specific validator for the
// artifact proxy: download needs read, upload needs update, delete needs
// manage. Unknown methods get no validator.
func (t *Table) ArtifactValidator(svc *Service, method string) Validator {
	switch method {
	case http.MethodGet:
		return capability(svc.permissionFromArtifactPath, canRead)
	case http.MethodPut:
		return capability(svc.permissionFromArtifactPath, canUpdate)
	case http.MethodDelete:
		return capability(svc.permissionFromArtifactPath, canManage)
	default:
		return nil
	}
}

// IsArtifactPath reports whether the path targets the artifact proxy.
func IsArtifactPath(path string) bool {
	return strings.HasPrefix(path, ArtifactsPrefix)
}

// ArtifactPathParam extracts the artifact path suffix, "" for the bulk
// listing form.
func ArtifactPathParam(path string) string {
	rest := strings.TrimPrefix(path, ArtifactsPrefix)
	return strings.TrimPrefix(rest, "/")
}

// IsUnprotected reports whether the path skips authentication entirely:
// static assets, health checks, and the login/signup pages.
func IsUnprotected(path string) bool {
	if strings.HasPrefix(path, "/static") || strings.HasPrefix(path, "/favicon.ico") || strings.HasPrefix(path, "/health") {
		return true
	}
	return path == RouteLogin || path == RouteSignup
}
