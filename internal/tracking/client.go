package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dylinzl/mlflow-auth/internal/shared"
)

const restPrefix = "/api/2.0/mlflow"

// Client talks to the upstream tracking server's REST API using a service
// account, so its lookups bypass the caller's own (possibly filtered)
// visibility.
type Client struct {
	baseURL  string
	http     *http.Client
	username string
	password string
}

// NewClient constructs a Client for the given upstream base URL. The
// credentials are the bootstrap admin service account.
func NewClient(baseURL, username, password string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 30 * time.Second},
		username: username,
		password: password,
	}
}

type upstreamError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("tracking: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("tracking: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tracking: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("tracking: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ue upstreamError
		if json.Unmarshal(data, &ue) == nil && ue.ErrorCode == "RESOURCE_DOES_NOT_EXIST" {
			return fmt.Errorf("tracking: %s: %w", ue.Message, shared.ErrNotFound)
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("tracking: %s %s: %w", method, path, shared.ErrNotFound)
		}
		return fmt.Errorf("tracking: %s %s: upstream status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("tracking: parse response: %w", err)
		}
	}
	return nil
}

// GetExperimentByName resolves an experiment name to its record.
func (c *Client) GetExperimentByName(ctx context.Context, name string) (*Experiment, error) {
	var payload struct {
		Experiment Experiment `json:"experiment"`
	}
	query := url.Values{"experiment_name": {name}}
	if err := c.do(ctx, http.MethodGet, restPrefix+"/experiments/get-by-name", query, nil, &payload); err != nil {
		return nil, err
	}
	return &payload.Experiment, nil
}

// GetRun resolves a run id to its run record, including the owning
// experiment id.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	var payload struct {
		Run struct {
			Info struct {
				RunID        string `json:"run_id"`
				ExperimentID string `json:"experiment_id"`
			} `json:"info"`
		} `json:"run"`
	}
	query := url.Values{"run_id": {runID}}
	if err := c.do(ctx, http.MethodGet, restPrefix+"/runs/get", query, nil, &payload); err != nil {
		return nil, err
	}
	return &Run{RunID: payload.Run.Info.RunID, ExperimentID: payload.Run.Info.ExperimentID}, nil
}

// GetLoggedModel resolves a logged-model id to its record, including the
// owning experiment id.
func (c *Client) GetLoggedModel(ctx context.Context, modelID string) (*LoggedModel, error) {
	var payload struct {
		Model struct {
			Info struct {
				ModelID      string `json:"model_id"`
				ExperimentID string `json:"experiment_id"`
			} `json:"info"`
		} `json:"model"`
	}
	if err := c.do(ctx, http.MethodGet, restPrefix+"/logged-models/"+url.PathEscape(modelID), nil, nil, &payload); err != nil {
		return nil, err
	}
	return &LoggedModel{ModelID: payload.Model.Info.ModelID, ExperimentID: payload.Model.Info.ExperimentID}, nil
}

// SearchExperiments fetches one page of experiments.
func (c *Client) SearchExperiments(ctx context.Context, req SearchExperimentsRequest) (*Page, error) {
	var payload struct {
		Experiments   []json.RawMessage `json:"experiments"`
		NextPageToken string            `json:"next_page_token"`
	}
	if err := c.do(ctx, http.MethodPost, restPrefix+"/experiments/search", nil, req, &payload); err != nil {
		return nil, err
	}
	return &Page{Items: payload.Experiments, NextPageToken: payload.NextPageToken}, nil
}

// SearchLoggedModels fetches one page of logged models.
func (c *Client) SearchLoggedModels(ctx context.Context, req SearchLoggedModelsRequest) (*Page, error) {
	var payload struct {
		Models        []json.RawMessage `json:"models"`
		NextPageToken string            `json:"next_page_token"`
	}
	if err := c.do(ctx, http.MethodPost, restPrefix+"/logged-models/search", nil, req, &payload); err != nil {
		return nil, err
	}
	return &Page{Items: payload.Models, NextPageToken: payload.NextPageToken}, nil
}

// SearchRegisteredModels fetches one page of registered models.
func (c *Client) SearchRegisteredModels(ctx context.Context, req SearchRegisteredModelsRequest) (*Page, error) {
	query := url.Values{}
	if req.Filter != "" {
		query.Set("filter", req.Filter)
	}
	if req.MaxResults > 0 {
		query.Set("max_results", strconv.FormatInt(req.MaxResults, 10))
	}
	for _, ob := range req.OrderBy {
		query.Add("order_by", ob)
	}
	if req.PageToken != "" {
		query.Set("page_token", req.PageToken)
	}
	var payload struct {
		RegisteredModels []json.RawMessage `json:"registered_models"`
		NextPageToken    string            `json:"next_page_token"`
	}
	if err := c.do(ctx, http.MethodGet, restPrefix+"/registered-models/search", query, nil, &payload); err != nil {
		return nil, err
	}
	return &Page{Items: payload.RegisteredModels, NextPageToken: payload.NextPageToken}, nil
}
