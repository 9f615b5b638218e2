package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, AuthMethodSession, cfg.AuthMethod)
	assert.Equal(t, "READ", cfg.DefaultPermission)
	assert.False(t, cfg.PermissiveRouting)

	u, err := cfg.Upstream()
	require.NoError(t, err)
	assert.Equal(t, "http", u.Scheme)
}

func TestLoadConfigRejectsBadPermission(t *testing.T) {
	t.Setenv("DEFAULT_PERMISSION", "SUPERUSER")
	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfigRejectsBadAuthMethod(t *testing.T) {
	t.Setenv("AUTH_METHOD", "oauth")
	_, err := LoadConfig()
	assert.Error(t, err)
}
