package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dylinzl/mlflow-auth/internal/authn"
	"github.com/dylinzl/mlflow-auth/internal/permission"
	"github.com/dylinzl/mlflow-auth/internal/tracking"
)

func newFilterHooks(t *testing.T, defaultPerm permission.Permission) (*Hooks, *fakeStore, *fakeTracking) {
	t.Helper()
	st := newFakeStore()
	tr := newFakeTracking()
	svc := NewService(st, tr, defaultPerm, nil)
	return NewHooks(st, svc, nil), st, tr
}

func experimentJSON(id string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"experiment_id":%q,"name":"exp-%s","lifecycle_stage":"active"}`, id, id))
}

func registeredModelJSON(name string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"name":%q,"user_id":"someone"}`, name))
}

func loggedModelJSON(modelID, experimentID string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"info":{"model_id":%q,"experiment_id":%q}}`, modelID, experimentID))
}

func searchEnvelope(t *testing.T, itemsKey string, items []json.RawMessage, token string) []byte {
	t.Helper()
	env := map[string]any{itemsKey: items}
	if token != "" {
		env["next_page_token"] = token
	}
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return body
}

func decodeEnvelope(t *testing.T, body []byte, itemsKey string) ([]map[string]any, string) {
	t.Helper()
	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &env))
	var items []map[string]any
	if raw, ok := env[itemsKey]; ok {
		require.NoError(t, json.Unmarshal(raw, &items))
	}
	var token string
	if raw, ok := env["next_page_token"]; ok {
		require.NoError(t, json.Unmarshal(raw, &token))
	}
	return items, token
}

func TestFilterSearchExperimentsBackfillsAndRecomputesToken(t *testing.T) {
	hooks, st, tr := newFilterHooks(t, permission.NoPermissions)
	st.grantExperiment("1", "alice", permission.Read.Name)
	st.grantExperiment("3", "alice", permission.Read.Name)

	upstreamToken := tracking.EncodeOffsetToken(2)
	tr.searchExperiments = func(req tracking.SearchExperimentsRequest) (*tracking.Page, error) {
		assert.Equal(t, upstreamToken, req.PageToken)
		assert.Equal(t, int64(2), req.MaxResults)
		return &tracking.Page{
			Items:         []json.RawMessage{experimentJSON("3"), experimentJSON("4")},
			NextPageToken: tracking.EncodeOffsetToken(4),
		}, nil
	}

	reqBody := []byte(`{"max_results": 2}`)
	r := httptest.NewRequest("POST", RESTPrefix+"/experiments/search", strings.NewReader(string(reqBody)))
	rc := NewRequestContext(r, reqBody, nil)
	resp := &Response{
		StatusCode: 200,
		Body: searchEnvelope(t, "experiments",
			[]json.RawMessage{experimentJSON("1"), experimentJSON("2")}, upstreamToken),
	}

	err := hooks.FilterSearchExperiments(context.Background(),
		&authn.Identity{Username: "alice"}, rc, resp)
	require.NoError(t, err)
	require.True(t, resp.Rewritten())

	items, token := decodeEnvelope(t, resp.Body, "experiments")
	require.Len(t, items, 2)
	assert.Equal(t, "1", items[0]["experiment_id"])
	assert.Equal(t, "3", items[1]["experiment_id"])
	// The upstream fetched two rows but only one was consumed; the token
	// resumes at the first unconsumed row.
	offset, err := tracking.DecodeOffsetToken(token)
	require.NoError(t, err)
	assert.Equal(t, int64(3), offset)
}

func TestFilterSearchExperimentsExhaustedStoreClearsToken(t *testing.T) {
	hooks, _, tr := newFilterHooks(t, permission.NoPermissions)
	tr.searchExperiments = func(req tracking.SearchExperimentsRequest) (*tracking.Page, error) {
		return &tracking.Page{}, nil
	}

	reqBody := []byte(`{"max_results": 2}`)
	r := httptest.NewRequest("POST", RESTPrefix+"/experiments/search", strings.NewReader(string(reqBody)))
	rc := NewRequestContext(r, reqBody, nil)
	resp := &Response{
		StatusCode: 200,
		Body: searchEnvelope(t, "experiments",
			[]json.RawMessage{experimentJSON("1"), experimentJSON("2")},
			tracking.EncodeOffsetToken(2)),
	}

	err := hooks.FilterSearchExperiments(context.Background(),
		&authn.Identity{Username: "nobody"}, rc, resp)
	require.NoError(t, err)

	items, token := decodeEnvelope(t, resp.Body, "experiments")
	assert.Empty(t, items)
	assert.Empty(t, token, "exhausted store must clear the page token")
}

// Concatenating filtered pages must equal filtering the full listing,
// for any page size: no hidden entry leaks, no readable entry is lost,
// nothing is served twice.
func TestFilterSearchExperimentsPaginationLaw(t *testing.T) {
	const total = 9
	var dataset []json.RawMessage
	var readable []string
	for i := 1; i <= total; i++ {
		id := fmt.Sprintf("%d", i)
		dataset = append(dataset, experimentJSON(id))
		if i%2 == 1 {
			readable = append(readable, id)
		}
	}

	serve := func(token string, max int64) ([]json.RawMessage, string) {
		var offset int64
		if token != "" {
			var err error
			offset, err = tracking.DecodeOffsetToken(token)
			require.NoError(t, err)
		}
		if offset >= int64(len(dataset)) {
			return nil, ""
		}
		end := offset + max
		if end > int64(len(dataset)) {
			end = int64(len(dataset))
		}
		next := ""
		if end < int64(len(dataset)) {
			next = tracking.EncodeOffsetToken(end)
		}
		return dataset[offset:end], next
	}

	for max := int64(1); max <= 4; max++ {
		t.Run(fmt.Sprintf("max_results=%d", max), func(t *testing.T) {
			hooks, st, tr := newFilterHooks(t, permission.NoPermissions)
			for _, id := range readable {
				st.grantExperiment(id, "alice", permission.Read.Name)
			}
			tr.searchExperiments = func(req tracking.SearchExperimentsRequest) (*tracking.Page, error) {
				items, next := serve(req.PageToken, req.MaxResults)
				return &tracking.Page{Items: items, NextPageToken: next}, nil
			}

			reqBody := []byte(fmt.Sprintf(`{"max_results": %d}`, max))
			r := httptest.NewRequest("POST", RESTPrefix+"/experiments/search", strings.NewReader(string(reqBody)))
			rc := NewRequestContext(r, reqBody, nil)

			var got []string
			clientToken := ""
			for page := 0; ; page++ {
				require.Less(t, page, 20, "paging did not terminate")
				upstreamItems, upstreamNext := serve(clientToken, max)
				resp := &Response{
					StatusCode: 200,
					Body:       searchEnvelope(t, "experiments", upstreamItems, upstreamNext),
				}
				err := hooks.FilterSearchExperiments(context.Background(),
					&authn.Identity{Username: "alice"}, rc, resp)
				require.NoError(t, err)

				items, token := decodeEnvelope(t, resp.Body, "experiments")
				require.LessOrEqual(t, int64(len(items)), max)
				for _, item := range items {
					got = append(got, item["experiment_id"].(string))
				}
				if token == "" {
					break
				}
				clientToken = token
			}

			assert.Equal(t, readable, got)
		})
	}
}

func TestFilterSearchExperimentsAdminPassthrough(t *testing.T) {
	hooks, _, _ := newFilterHooks(t, permission.NoPermissions)

	body := searchEnvelope(t, "experiments",
		[]json.RawMessage{experimentJSON("1")}, "")
	r := httptest.NewRequest("POST", RESTPrefix+"/experiments/search", strings.NewReader("{}"))
	rc := NewRequestContext(r, []byte("{}"), nil)
	resp := &Response{StatusCode: 200, Body: body}

	err := hooks.FilterSearchExperiments(context.Background(),
		&authn.Identity{Username: "root", IsAdmin: true}, rc, resp)
	require.NoError(t, err)
	assert.False(t, resp.Rewritten())
	assert.Equal(t, body, resp.Body)
}

func TestFilterSearchRegisteredModels(t *testing.T) {
	hooks, st, tr := newFilterHooks(t, permission.NoPermissions)
	st.grantModel("m1", "bob", permission.Read.Name)

	calls := 0
	tr.searchRegisteredModels = func(req tracking.SearchRegisteredModelsRequest) (*tracking.Page, error) {
		calls++
		switch calls {
		case 1:
			assert.Equal(t, tracking.EncodeOffsetToken(2), req.PageToken)
			assert.Equal(t, "name LIKE 'm%'", req.Filter)
			return &tracking.Page{
				Items:         []json.RawMessage{registeredModelJSON("m3")},
				NextPageToken: tracking.EncodeOffsetToken(3),
			}, nil
		default:
			assert.Equal(t, tracking.EncodeOffsetToken(3), req.PageToken)
			return &tracking.Page{}, nil
		}
	}

	r := httptest.NewRequest("GET",
		RESTPrefix+"/registered-models/search?max_results=2&filter="+
			"name+LIKE+%27m%25%27", nil)
	rc := NewRequestContext(r, nil, nil)
	resp := &Response{
		StatusCode: 200,
		Body: searchEnvelope(t, "registered_models",
			[]json.RawMessage{registeredModelJSON("m1"), registeredModelJSON("m2")},
			tracking.EncodeOffsetToken(2)),
	}

	err := hooks.FilterSearchRegisteredModels(context.Background(),
		&authn.Identity{Username: "bob"}, rc, resp)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	items, token := decodeEnvelope(t, resp.Body, "registered_models")
	require.Len(t, items, 1)
	assert.Equal(t, "m1", items[0]["name"])
	assert.Empty(t, token)
}

func TestFilterSearchLoggedModelsMidBatchToken(t *testing.T) {
	hooks, st, tr := newFilterHooks(t, permission.NoPermissions)
	st.grantExperiment("1", "alice", permission.Read.Name)

	upstreamToken := tracking.LoggedModelToken{Offset: 5}.Encode()
	tr.searchLoggedModels = func(req tracking.SearchLoggedModelsRequest) (*tracking.Page, error) {
		assert.Equal(t, upstreamToken, req.PageToken)
		assert.Equal(t, "name='x'", req.Filter)
		assert.Equal(t, int64(2), req.MaxResults)
		return &tracking.Page{
			Items: []json.RawMessage{
				loggedModelJSON("m-2", "2"),
				loggedModelJSON("m-3", "1"),
				loggedModelJSON("m-4", "1"),
			},
			NextPageToken: tracking.LoggedModelToken{Offset: 8}.Encode(),
		}, nil
	}

	reqBody := []byte(`{"max_results": 2, "filter": "name='x'", "experiment_ids": ["1", "2"]}`)
	r := httptest.NewRequest("POST", RESTPrefix+"/logged-models/search", strings.NewReader(string(reqBody)))
	rc := NewRequestContext(r, reqBody, nil)
	resp := &Response{
		StatusCode: 200,
		Body: searchEnvelope(t, "models",
			[]json.RawMessage{loggedModelJSON("m-1", "1")}, upstreamToken),
	}

	err := hooks.FilterSearchLoggedModels(context.Background(),
		&authn.Identity{Username: "alice"}, rc, resp)
	require.NoError(t, err)

	items, token := decodeEnvelope(t, resp.Body, "models")
	require.Len(t, items, 2)

	// Page filled at index 1 of the batch: the token resumes at
	// offset 5 + 1 + 1 and re-carries the original query parameters.
	decoded, err := tracking.DecodeLoggedModelToken(token)
	require.NoError(t, err)
	assert.Equal(t, int64(7), decoded.Offset)
	assert.Equal(t, "name='x'", decoded.Filter)
	assert.Equal(t, []string{"1", "2"}, decoded.ExperimentIDs)
}

func TestFilterSearchLoggedModelsSkippedBatchAdvancesByMax(t *testing.T) {
	hooks, _, tr := newFilterHooks(t, permission.NoPermissions)

	calls := 0
	tr.searchLoggedModels = func(req tracking.SearchLoggedModelsRequest) (*tracking.Page, error) {
		calls++
		switch calls {
		case 1:
			decoded, err := tracking.DecodeLoggedModelToken(req.PageToken)
			require.NoError(t, err)
			assert.Equal(t, int64(0), decoded.Offset)
			return &tracking.Page{
				Items: []json.RawMessage{
					loggedModelJSON("m-1", "2"),
					loggedModelJSON("m-2", "2"),
				},
				NextPageToken: tracking.LoggedModelToken{Offset: 2}.Encode(),
			}, nil
		default:
			decoded, err := tracking.DecodeLoggedModelToken(req.PageToken)
			require.NoError(t, err)
			assert.Equal(t, int64(2), decoded.Offset, "fully skipped batch advances by max_results")
			return &tracking.Page{}, nil
		}
	}

	reqBody := []byte(`{"max_results": 2}`)
	r := httptest.NewRequest("POST", RESTPrefix+"/logged-models/search", strings.NewReader(string(reqBody)))
	rc := NewRequestContext(r, reqBody, nil)
	resp := &Response{
		StatusCode: 200,
		Body:       searchEnvelope(t, "models", nil, tracking.LoggedModelToken{}.Encode()),
	}

	err := hooks.FilterSearchLoggedModels(context.Background(),
		&authn.Identity{Username: "nobody"}, rc, resp)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	items, token := decodeEnvelope(t, resp.Body, "models")
	assert.Empty(t, items)
	assert.Empty(t, token)
}
