package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dylinzl/mlflow-auth/internal/authn"
	"github.com/dylinzl/mlflow-auth/internal/permission"
	"github.com/dylinzl/mlflow-auth/internal/tracking"
)

// Upstream defaults for max_results when the caller omits it.
const (
	defaultExperimentPageSize      = 1000
	defaultRegisteredModelPageSize = 100
	defaultLoggedModelPageSize     = 100
)

// Search responses must look the same whether entries were hidden by
// filtering or never existed. After dropping unreadable entries the
// filter backfills from subsequent upstream pages until the page is full
// or the store is exhausted, then recomputes the page token so the next
// request resumes at the first unconsumed row. Filtering errors fail the
// response rather than serve unauthorized entries.

// readSet is the caller's explicit per-resource read decisions; anything
// absent falls back to the default permission.
type readSet struct {
	explicit map[string]bool
	fallback bool
}

func (s readSet) canRead(key string) bool {
	if v, ok := s.explicit[key]; ok {
		return v
	}
	return s.fallback
}

func (h *Hooks) experimentReadSet(ctx context.Context, username string) (readSet, error) {
	grants, err := h.store.ListExperimentPermissions(ctx, username)
	if err != nil {
		return readSet{}, err
	}
	set := readSet{explicit: make(map[string]bool, len(grants)), fallback: h.svc.defaultPerm.CanRead}
	for _, g := range grants {
		p, err := permission.Get(g.Permission)
		if err != nil {
			return readSet{}, fmt.Errorf("authz: stored grant for experiment %s: %w", g.ExperimentID, err)
		}
		set.explicit[g.ExperimentID] = p.CanRead
	}
	return set, nil
}

func (h *Hooks) registeredModelReadSet(ctx context.Context, username string) (readSet, error) {
	grants, err := h.store.ListRegisteredModelPermissions(ctx, username)
	if err != nil {
		return readSet{}, err
	}
	set := readSet{explicit: make(map[string]bool, len(grants)), fallback: h.svc.defaultPerm.CanRead}
	for _, g := range grants {
		p, err := permission.Get(g.Permission)
		if err != nil {
			return readSet{}, fmt.Errorf("authz: stored grant for registered model %s: %w", g.Name, err)
		}
		set.explicit[g.Name] = p.CanRead
	}
	return set, nil
}

func peekExperimentID(raw json.RawMessage) string {
	var peek struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return ""
	}
	return peek.ExperimentID
}

func peekRegisteredModelName(raw json.RawMessage) string {
	var peek struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return ""
	}
	return peek.Name
}

func peekLoggedModelExperimentID(raw json.RawMessage) string {
	var peek struct {
		Info struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"info"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return ""
	}
	return peek.Info.ExperimentID
}

// FilterSearchExperiments drops unreadable experiments from a search
// response and backfills the page. Admins see everything.
func (h *Hooks) FilterSearchExperiments(ctx context.Context, id *authn.Identity, req *RequestContext, resp *Response) error {
	if id.IsAdmin {
		return nil
	}
	var envelope struct {
		Experiments   []json.RawMessage `json:"experiments"`
		NextPageToken string            `json:"next_page_token"`
	}
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &envelope); err != nil {
			return fmt.Errorf("authz: parse search experiments response: %w", err)
		}
	}
	set, err := h.experimentReadSet(ctx, id.Username)
	if err != nil {
		return err
	}

	var params tracking.SearchExperimentsRequest
	if len(req.Body) > 0 {
		if err := json.Unmarshal(req.Body, &params); err != nil {
			return fmt.Errorf("authz: parse search experiments request: %w", err)
		}
	}
	maxResults := params.MaxResults
	if maxResults <= 0 {
		maxResults = defaultExperimentPageSize
	}

	items := envelope.Experiments[:0:0]
	for _, raw := range envelope.Experiments {
		if set.canRead(peekExperimentID(raw)) {
			items = append(items, raw)
		}
	}
	token := envelope.NextPageToken

	for int64(len(items)) < maxResults && token != "" {
		page, err := h.svc.tracking.SearchExperiments(ctx, tracking.SearchExperimentsRequest{
			ViewType:   params.ViewType,
			MaxResults: maxResults,
			OrderBy:    params.OrderBy,
			Filter:     params.Filter,
			PageToken:  token,
		})
		if err != nil {
			return fmt.Errorf("authz: backfill search experiments: %w", err)
		}
		batch := page.Items
		if need := maxResults - int64(len(items)); int64(len(batch)) > need {
			batch = batch[:need]
		}
		if len(batch) == 0 {
			token = ""
			break
		}
		for _, raw := range batch {
			if set.canRead(peekExperimentID(raw)) {
				items = append(items, raw)
			}
		}
		offset, err := tracking.DecodeOffsetToken(token)
		if err != nil {
			return err
		}
		token = tracking.EncodeOffsetToken(offset + int64(len(batch)))
	}

	return rewriteSearchResponse(resp, "experiments", items, token)
}

// FilterSearchRegisteredModels drops unreadable registered models from a
// search response and backfills the page. The search is a GET, so the
// original parameters come from the query string.
func (h *Hooks) FilterSearchRegisteredModels(ctx context.Context, id *authn.Identity, req *RequestContext, resp *Response) error {
	if id.IsAdmin {
		return nil
	}
	var envelope struct {
		RegisteredModels []json.RawMessage `json:"registered_models"`
		NextPageToken    string            `json:"next_page_token"`
	}
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &envelope); err != nil {
			return fmt.Errorf("authz: parse search registered models response: %w", err)
		}
	}
	set, err := h.registeredModelReadSet(ctx, id.Username)
	if err != nil {
		return err
	}

	q := req.Request.URL.Query()
	maxResults := int64(defaultRegisteredModelPageSize)
	if v := q.Get("max_results"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("authz: parse max_results: %w", err)
		}
		if n > 0 {
			maxResults = n
		}
	}
	params := tracking.SearchRegisteredModelsRequest{
		Filter:     q.Get("filter"),
		MaxResults: maxResults,
		OrderBy:    q["order_by"],
	}

	items := envelope.RegisteredModels[:0:0]
	for _, raw := range envelope.RegisteredModels {
		if set.canRead(peekRegisteredModelName(raw)) {
			items = append(items, raw)
		}
	}
	token := envelope.NextPageToken

	for int64(len(items)) < maxResults && token != "" {
		params.PageToken = token
		page, err := h.svc.tracking.SearchRegisteredModels(ctx, params)
		if err != nil {
			return fmt.Errorf("authz: backfill search registered models: %w", err)
		}
		batch := page.Items
		if need := maxResults - int64(len(items)); int64(len(batch)) > need {
			batch = batch[:need]
		}
		if len(batch) == 0 {
			token = ""
			break
		}
		for _, raw := range batch {
			if set.canRead(peekRegisteredModelName(raw)) {
				items = append(items, raw)
			}
		}
		offset, err := tracking.DecodeOffsetToken(token)
		if err != nil {
			return err
		}
		token = tracking.EncodeOffsetToken(offset + int64(len(batch)))
	}

	return rewriteSearchResponse(resp, "registered_models", items, token)
}

// FilterSearchLoggedModels drops logged models whose owning experiment
// the caller cannot read. Logged-model pagination is not purely
// offset-based upstream, so the recomputed token carries the original
// query parameters alongside the offset of the first unconsumed row.
func (h *Hooks) FilterSearchLoggedModels(ctx context.Context, id *authn.Identity, req *RequestContext, resp *Response) error {
	if id.IsAdmin {
		return nil
	}
	var envelope struct {
		Models        []json.RawMessage `json:"models"`
		NextPageToken string            `json:"next_page_token"`
	}
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &envelope); err != nil {
			return fmt.Errorf("authz: parse search logged models response: %w", err)
		}
	}
	set, err := h.experimentReadSet(ctx, id.Username)
	if err != nil {
		return err
	}

	var params tracking.SearchLoggedModelsRequest
	if len(req.Body) > 0 {
		if err := json.Unmarshal(req.Body, &params); err != nil {
			return fmt.Errorf("authz: parse search logged models request: %w", err)
		}
	}
	maxResults := params.MaxResults
	if maxResults <= 0 {
		maxResults = defaultLoggedModelPageSize
	}
	nextToken := func(offset int64) string {
		return tracking.LoggedModelToken{
			Offset:        offset,
			ExperimentIDs: params.ExperimentIDs,
			Filter:        params.Filter,
			OrderBy:       params.OrderBy,
		}.Encode()
	}

	items := envelope.Models[:0:0]
	for _, raw := range envelope.Models {
		if set.canRead(peekLoggedModelExperimentID(raw)) {
			items = append(items, raw)
		}
	}
	token := envelope.NextPageToken

	for int64(len(items)) < maxResults && token != "" {
		decoded, err := tracking.DecodeLoggedModelToken(token)
		if err != nil {
			return err
		}
		page, err := h.svc.tracking.SearchLoggedModels(ctx, tracking.SearchLoggedModelsRequest{
			ExperimentIDs: params.ExperimentIDs,
			Filter:        params.Filter,
			OrderBy:       params.OrderBy,
			MaxResults:    maxResults,
			PageToken:     token,
		})
		if err != nil {
			return fmt.Errorf("authz: backfill search logged models: %w", err)
		}
		isLastBatch := page.NextPageToken == ""
		filled := false
		for i, raw := range page.Items {
			if !set.canRead(peekLoggedModelExperimentID(raw)) {
				continue
			}
			items = append(items, raw)
			if int64(len(items)) >= maxResults {
				if isLastBatch && i == len(page.Items)-1 {
					token = ""
				} else {
					token = nextToken(decoded.Offset + int64(i) + 1)
				}
				filled = true
				break
			}
		}
		if !filled {
			if isLastBatch {
				token = ""
			} else {
				token = nextToken(decoded.Offset + maxResults)
			}
		}
	}

	return rewriteSearchResponse(resp, "models", items, token)
}

// rewriteSearchResponse reassembles the filtered envelope. Empty item
// lists and cleared tokens are omitted, matching upstream encoding.
func rewriteSearchResponse(resp *Response, itemsKey string, items []json.RawMessage, token string) error {
	out := make(map[string]any, 2)
	if len(items) > 0 {
		out[itemsKey] = items
	}
	if token != "" {
		out["next_page_token"] = token
	}
	body, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("authz: encode filtered response: %w", err)
	}
	resp.SetBody(body)
	return nil
}
