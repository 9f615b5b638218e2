package permission_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dylinzl/mlflow-auth/internal/permission"
)

func TestGetKnownLevels(t *testing.T) {
	for _, name := range []string{"READ", "EDIT", "MANAGE", "NO_PERMISSIONS"} {
		perm, err := permission.Get(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, perm.Name)
	}
}

func TestGetUnknownLevel(t *testing.T) {
	_, err := permission.Get("SUPERUSER")
	require.ErrorIs(t, err, permission.ErrInvalidLevel)

	_, err = permission.Get("")
	require.ErrorIs(t, err, permission.ErrInvalidLevel)
}

func TestManageDominates(t *testing.T) {
	for _, perm := range permission.All() {
		if perm.CanManage {
			assert.True(t, perm.CanRead, "%s: manage implies read", perm.Name)
			assert.True(t, perm.CanUpdate, "%s: manage implies update", perm.Name)
			assert.True(t, perm.CanDelete, "%s: manage implies delete", perm.Name)
		}
	}
}

func TestCapabilityMatrix(t *testing.T) {
	cases := []struct {
		name                                     string
		canRead, canUpdate, canDelete, canManage bool
	}{
		{"READ", true, false, false, false},
		{"EDIT", true, true, false, false},
		{"MANAGE", true, true, true, true},
		{"NO_PERMISSIONS", false, false, false, false},
	}
	for _, tc := range cases {
		perm, err := permission.Get(tc.name)
		require.NoError(t, err)
		assert.Equal(t, tc.canRead, perm.CanRead, "%s read", tc.name)
		assert.Equal(t, tc.canUpdate, perm.CanUpdate, "%s update", tc.name)
		assert.Equal(t, tc.canDelete, perm.CanDelete, "%s delete", tc.name)
		assert.Equal(t, tc.canManage, perm.CanManage, "%s manage", tc.name)
	}
}

func TestStronger(t *testing.T) {
	assert.True(t, permission.Stronger("MANAGE", "READ"))
	assert.True(t, permission.Stronger("READ", "NO_PERMISSIONS"))
	assert.True(t, permission.Stronger("EDIT", "EDIT"))
	assert.False(t, permission.Stronger("READ", "MANAGE"))
	// Unknown levels always lose to known ones.
	assert.True(t, permission.Stronger("READ", "BOGUS"))
	assert.False(t, permission.Stronger("BOGUS", "READ"))
}
