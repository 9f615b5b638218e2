package authz

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dylinzl/mlflow-auth/internal/authn"
	"github.com/dylinzl/mlflow-auth/internal/permission"
	"github.com/dylinzl/mlflow-auth/internal/shared"
)

func newHooksFixture(t *testing.T) (*Hooks, *fakeStore) {
	t.Helper()
	st := newFakeStore()
	svc := NewService(st, newFakeTracking(), permission.Read, nil)
	return NewHooks(st, svc, nil), st
}

func TestGrantRegisteredModelOnCreate(t *testing.T) {
	hooks, st := newHooksFixture(t)
	id := &authn.Identity{Username: "alice"}

	r := httptest.NewRequest("POST", RESTPrefix+"/registered-models/create",
		strings.NewReader(`{"name": "fraud"}`))
	rc := NewRequestContext(r, []byte(`{"name": "fraud"}`), nil)
	resp := &Response{StatusCode: 200, Body: []byte(`{"registered_model": {"name": "fraud"}}`)}

	require.NoError(t, hooks.GrantRegisteredModelOnCreate(context.Background(), id, rc, resp))

	grant, err := st.GetRegisteredModelPermission(context.Background(), "fraud", "alice")
	require.NoError(t, err)
	assert.Equal(t, permission.Manage.Name, grant.Permission)
}

func TestGrantHookToleratesUnparsableResponse(t *testing.T) {
	hooks, st := newHooksFixture(t)
	id := &authn.Identity{Username: "alice"}
	rc := NewRequestContext(httptest.NewRequest("POST", "/x", nil), nil, nil)
	resp := &Response{StatusCode: 200, Body: []byte(`<html>proxy error</html>`)}

	require.NoError(t, hooks.GrantExperimentOnCreate(context.Background(), id, rc, resp))
	assert.Empty(t, st.expGrants)
}

func TestCleanupRegisteredModelOnDelete(t *testing.T) {
	hooks, st := newHooksFixture(t)
	st.grantModel("fraud", "alice", permission.Manage.Name)
	st.grantModel("fraud", "bob", permission.Read.Name)
	st.grantModel("churn", "alice", permission.Read.Name)

	body := `{"name": "fraud"}`
	r := httptest.NewRequest("DELETE", RESTPrefix+"/registered-models/delete", strings.NewReader(body))
	rc := NewRequestContext(r, []byte(body), nil)
	resp := &Response{StatusCode: 200, Body: []byte(`{}`)}

	require.NoError(t, hooks.CleanupRegisteredModelOnDelete(context.Background(),
		&authn.Identity{Username: "alice"}, rc, resp))

	_, err := st.GetRegisteredModelPermission(context.Background(), "fraud", "alice")
	assert.ErrorIs(t, err, shared.ErrNotFound)
	_, err = st.GetRegisteredModelPermission(context.Background(), "fraud", "bob")
	assert.ErrorIs(t, err, shared.ErrNotFound)
	_, err = st.GetRegisteredModelPermission(context.Background(), "churn", "alice")
	assert.NoError(t, err, "grants on other models survive")
}

func TestPropagateRegisteredModelRename(t *testing.T) {
	hooks, st := newHooksFixture(t)
	st.grantModel("fraud", "alice", permission.Manage.Name)
	st.grantModel("fraud", "bob", permission.Read.Name)

	body := `{"name": "fraud", "new_name": "fraud-v2"}`
	r := httptest.NewRequest("POST", RESTPrefix+"/registered-models/rename", strings.NewReader(body))
	rc := NewRequestContext(r, []byte(body), nil)
	resp := &Response{StatusCode: 200, Body: []byte(`{"registered_model": {"name": "fraud-v2"}}`)}

	require.NoError(t, hooks.PropagateRegisteredModelRename(context.Background(),
		&authn.Identity{Username: "alice"}, rc, resp))

	grant, err := st.GetRegisteredModelPermission(context.Background(), "fraud-v2", "bob")
	require.NoError(t, err)
	assert.Equal(t, permission.Read.Name, grant.Permission)
	_, err = st.GetRegisteredModelPermission(context.Background(), "fraud", "alice")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestPropagateRegisteredModelRenameKeepsStrongerGrantOnCollision(t *testing.T) {
	hooks, st := newHooksFixture(t)
	st.grantModel("fraud", "alice", permission.Manage.Name)
	st.grantModel("fraud", "bob", permission.Read.Name)
	st.grantModel("fraud-v2", "bob", permission.Edit.Name)

	body := `{"name": "fraud", "new_name": "fraud-v2"}`
	r := httptest.NewRequest("POST", RESTPrefix+"/registered-models/rename", strings.NewReader(body))
	rc := NewRequestContext(r, []byte(body), nil)
	resp := &Response{StatusCode: 200, Body: []byte(`{"registered_model": {"name": "fraud-v2"}}`)}

	require.NoError(t, hooks.PropagateRegisteredModelRename(context.Background(),
		&authn.Identity{Username: "alice"}, rc, resp))

	// Bob already held edit on the target name; the weaker read grant
	// arriving from the rename must not downgrade it.
	grant, err := st.GetRegisteredModelPermission(context.Background(), "fraud-v2", "bob")
	require.NoError(t, err)
	assert.Equal(t, permission.Edit.Name, grant.Permission)

	grant, err = st.GetRegisteredModelPermission(context.Background(), "fraud-v2", "alice")
	require.NoError(t, err)
	assert.Equal(t, permission.Manage.Name, grant.Permission)
}
