package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgellow/mcp-gateway/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratedConfigValidates(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "test-config.json")
	require.NoError(t, generateDefaultConfig(configPath), "Failed to generate default config")

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)

	lookup := func(name string) (string, bool) {
		if name == "MCP_GATEWAY_ADMIN_TOKEN" {
			return "admin-secret", true
		}
		return "", false
	}
	cfg, err := config.Parse(data, lookup)
	require.NoError(t, err, "Generated config should load")

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, []string{"admin-secret"}, cfg.AdminTokens)
	assert.Equal(t, config.TokenStorageFile, cfg.Tokens.Kind)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout.Duration())
	require.NotNil(t, cfg.Audit)
	assert.Equal(t, "audit.db", cfg.Audit.Path)
	assert.Empty(t, config.ValidateGateway(cfg).Warnings)
}

func TestGeneratedConfigRequiresAdminToken(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "test-config.json")
	require.NoError(t, generateDefaultConfig(configPath))

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)

	_, err = config.Parse(data, func(string) (string, bool) { return "", false })
	assert.ErrorContains(t, err, "MCP_GATEWAY_ADMIN_TOKEN")
}
