// Package proxy forwards authorized requests to the upstream tracking
// server and runs staged after-request handlers against its responses.
package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"github.com/dylinzl/mlflow-auth/internal/authz"
	"github.com/dylinzl/mlflow-auth/internal/platform/httpx"
)

// errAfterHook marks a response handler failure so the error handler can
// tell it apart from a dead upstream.
var errAfterHook = errors.New("after-request handler failed")

// ErrorCounter receives upstream transport failures. A nil counter is
// allowed.
type ErrorCounter interface {
	UpstreamError()
}

// Params collects the dependencies of New.
type Params struct {
	Upstream    *url.URL
	Interceptor *authz.Interceptor
	Logger      *slog.Logger
	Errors      ErrorCounter
}

// New builds the reverse proxy. Responses stay streamed unless the
// request staged an after-request handler; those are buffered, handed to
// the handler, and re-framed if the handler rewrote the body.
func New(p Params) http.Handler {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(p.Upstream)
			pr.Out.Host = p.Upstream.Host
			pr.SetXForwarded()
			// Response handlers parse the body; let the upstream send
			// it uncompressed.
			pr.Out.Header.Del("Accept-Encoding")
		},
		ModifyResponse: func(res *http.Response) error {
			ctx := res.Request.Context()
			if !p.Interceptor.HasAfterHook(ctx) {
				return nil
			}
			body, err := io.ReadAll(res.Body)
			res.Body.Close()
			if err != nil {
				return fmt.Errorf("proxy: read upstream response: %w", err)
			}
			wrapped := &authz.Response{StatusCode: res.StatusCode, Body: body}
			if err := p.Interceptor.AfterRequest(ctx, wrapped); err != nil {
				return fmt.Errorf("%w: %v", errAfterHook, err)
			}
			res.Body = io.NopCloser(bytes.NewReader(wrapped.Body))
			res.ContentLength = int64(len(wrapped.Body))
			res.Header.Set("Content-Length", strconv.Itoa(len(wrapped.Body)))
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("proxy upstream",
				slog.String("path", r.URL.Path),
				slog.Any("error", err))
			if errors.Is(err, errAfterHook) {
				httpx.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to post-process upstream response")
				return
			}
			if p.Errors != nil {
				p.Errors.UpstreamError()
			}
			httpx.Error(w, http.StatusBadGateway, "INTERNAL_ERROR", "upstream tracking server unavailable")
		},
	}
	return rp
}
