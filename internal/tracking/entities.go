// Package tracking is a read-mostly REST client for the upstream tracking
// server and model registry. The authorization layer uses it to translate
// indirect resource references and to re-query search pages during
// response filtering.
package tracking

import "encoding/json"

// Experiment carries the subset of experiment fields the resolver needs.
type Experiment struct {
	ExperimentID string `json:"experiment_id"`
	Name         string `json:"name"`
}

// Run carries the owning experiment of a run.
type Run struct {
	RunID        string
	ExperimentID string
}

// LoggedModel carries the owning experiment of a logged model.
type LoggedModel struct {
	ModelID      string
	ExperimentID string
}

// Page is one batch of search results. Items stay raw so rewritten
// responses preserve upstream fields this layer knows nothing about.
type Page struct {
	Items         []json.RawMessage
	NextPageToken string
}

// SearchExperimentsRequest mirrors the upstream search parameters. The
// filter loop re-issues these verbatim; only the page token changes.
type SearchExperimentsRequest struct {
	ViewType   string   `json:"view_type,omitempty"`
	MaxResults int64    `json:"max_results,omitempty"`
	OrderBy    []string `json:"order_by,omitempty"`
	Filter     string   `json:"filter,omitempty"`
	PageToken  string   `json:"page_token,omitempty"`
}

// LoggedModelOrderBy is one ordering clause of a logged-model search.
type LoggedModelOrderBy struct {
	FieldName     string `json:"field_name"`
	Ascending     bool   `json:"ascending"`
	DatasetName   string `json:"dataset_name,omitempty"`
	DatasetDigest string `json:"dataset_digest,omitempty"`
}

// SearchLoggedModelsRequest mirrors the upstream search parameters.
type SearchLoggedModelsRequest struct {
	ExperimentIDs []string             `json:"experiment_ids,omitempty"`
	Filter        string               `json:"filter,omitempty"`
	OrderBy       []LoggedModelOrderBy `json:"order_by,omitempty"`
	MaxResults    int64                `json:"max_results,omitempty"`
	PageToken     string               `json:"page_token,omitempty"`
}

// SearchRegisteredModelsRequest mirrors the registry search parameters.
type SearchRegisteredModelsRequest struct {
	Filter     string
	MaxResults int64
	OrderBy    []string
	PageToken  string
}
