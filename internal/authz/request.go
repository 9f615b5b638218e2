// Package authz decides whether the caller's permission level satisfies
// the operation's requirement. It owns the route-to-validator table, the
// request-to-resource resolver, the before/after interception protocol,
// and the response filtering for paginated searches.
package authz

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrInvalidRequest reports a missing required request parameter. It maps
// to 400 and names the parameter.
var ErrInvalidRequest = errors.New("invalid request")

// ErrResourceNotFound reports that the resolver could not translate an
// indirect reference (e.g. an experiment name that does not exist).
var ErrResourceNotFound = errors.New("resource not found")

// RequestContext is the uniform parameter view over a request: query
// parameters for GET, the JSON body for POST/PATCH (and DELETE when one
// is present), overlaid with parameters captured from the matched path
// pattern. The body is buffered once by the interceptor so after-request
// handlers can re-read it.
type RequestContext struct {
	Request    *http.Request
	Body       []byte
	PathParams map[string]string

	bodyArgs map[string]any
	parsed   bool
}

// NewRequestContext wraps a request with its buffered body and captured
// path parameters.
func NewRequestContext(r *http.Request, body []byte, pathParams map[string]string) *RequestContext {
	return &RequestContext{Request: r, Body: body, PathParams: pathParams}
}

func (c *RequestContext) jsonArgs() map[string]any {
	if c.parsed {
		return c.bodyArgs
	}
	c.parsed = true
	if len(c.Body) > 0 {
		var args map[string]any
		if err := json.Unmarshal(c.Body, &args); err == nil {
			c.bodyArgs = args
		}
	}
	return c.bodyArgs
}

// lookup finds a parameter without the legacy-alias fallback.
func (c *RequestContext) lookup(name string) (string, bool) {
	if v, ok := c.PathParams[name]; ok {
		return v, true
	}
	switch c.Request.Method {
	case http.MethodGet:
		if vs, ok := c.Request.URL.Query()[name]; ok && len(vs) > 0 {
			return vs[0], true
		}
	case http.MethodPost, http.MethodPatch:
		if v, ok := c.jsonArgs()[name]; ok {
			return stringify(v), true
		}
	case http.MethodDelete:
		if args := c.jsonArgs(); args != nil {
			if v, ok := args[name]; ok {
				return stringify(v), true
			}
		} else if vs, ok := c.Request.URL.Query()[name]; ok && len(vs) > 0 {
			return vs[0], true
		}
	}
	return "", false
}

// Param extracts a required parameter. run_id falls back to the legacy
// run_uuid alias. Missing parameters yield ErrInvalidRequest naming the
// parameter for the 400 response.
func (c *RequestContext) Param(name string) (string, error) {
	if v, ok := c.lookup(name); ok {
		return v, nil
	}
	if name == "run_id" {
		if v, ok := c.lookup("run_uuid"); ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: missing value for required parameter '%s'", ErrInvalidRequest, name)
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers arrive as float64; ids are integral.
		return fmt.Sprintf("%.0f", t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", v)
	}
}
