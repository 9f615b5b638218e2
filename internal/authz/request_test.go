package authz

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestContextParamFromQuery(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/2.0/mlflow/experiments/get?experiment_id=42", nil)
	rc := NewRequestContext(r, nil, nil)

	got, err := rc.Param("experiment_id")
	require.NoError(t, err)
	assert.Equal(t, "42", got)
}

func TestRequestContextParamFromJSONBody(t *testing.T) {
	body := []byte(`{"experiment_id": "7", "name": "demo"}`)
	r := httptest.NewRequest("POST", "/api/2.0/mlflow/experiments/update", strings.NewReader(string(body)))
	rc := NewRequestContext(r, body, nil)

	got, err := rc.Param("experiment_id")
	require.NoError(t, err)
	assert.Equal(t, "7", got)
}

func TestRequestContextParamStringifiesNumbers(t *testing.T) {
	body := []byte(`{"experiment_id": 7}`)
	r := httptest.NewRequest("POST", "/api/2.0/mlflow/experiments/update", strings.NewReader(string(body)))
	rc := NewRequestContext(r, body, nil)

	got, err := rc.Param("experiment_id")
	require.NoError(t, err)
	assert.Equal(t, "7", got)
}

func TestRequestContextPathParamsWin(t *testing.T) {
	body := []byte(`{"model_id": "from-body"}`)
	r := httptest.NewRequest("POST", "/api/2.0/mlflow/logged-models/m-1/finalize", strings.NewReader(string(body)))
	rc := NewRequestContext(r, body, map[string]string{"model_id": "m-1"})

	got, err := rc.Param("model_id")
	require.NoError(t, err)
	assert.Equal(t, "m-1", got)
}

func TestRequestContextDeleteBodyThenQuery(t *testing.T) {
	body := []byte(`{"name": "fraud-detector"}`)
	r := httptest.NewRequest("DELETE", "/api/2.0/mlflow/registered-models/delete", strings.NewReader(string(body)))
	rc := NewRequestContext(r, body, nil)

	got, err := rc.Param("name")
	require.NoError(t, err)
	assert.Equal(t, "fraud-detector", got)

	// No body: DELETE falls back to the query string.
	r = httptest.NewRequest("DELETE", "/api/2.0/mlflow/registered-models/delete?name=churn", nil)
	rc = NewRequestContext(r, nil, nil)
	got, err = rc.Param("name")
	require.NoError(t, err)
	assert.Equal(t, "churn", got)
}

func TestRequestContextRunIDLegacyAlias(t *testing.T) {
	body := []byte(`{"run_uuid": "abc123"}`)
	r := httptest.NewRequest("POST", "/api/2.0/mlflow/runs/update", strings.NewReader(string(body)))
	rc := NewRequestContext(r, body, nil)

	got, err := rc.Param("run_id")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got)
}

func TestRequestContextMissingParam(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/2.0/mlflow/experiments/get", nil)
	rc := NewRequestContext(r, nil, nil)

	_, err := rc.Param("experiment_id")
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), "experiment_id")
}

func TestRequestContextIgnoresMalformedBody(t *testing.T) {
	body := []byte(`not json`)
	r := httptest.NewRequest("POST", "/api/2.0/mlflow/runs/update?run_id=r1", strings.NewReader(string(body)))
	rc := NewRequestContext(r, body, nil)

	_, err := rc.Param("run_id")
	require.ErrorIs(t, err, ErrInvalidRequest)
}
