package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSettingsCreatesDefaults(t *testing.T) {
	dir := t.TempDir()

	s, err := NewSettingsWithDir(dir)
	require.NoError(t, err)

	assert.Equal(t, DefaultServerPort, s.GetServerPort())
	assert.Equal(t, DefaultRegion, s.GetRegion())
	assert.NotEmpty(t, s.GetJWTSecret())
	assert.Equal(t, DefaultFirstTokenTimeoutSec, s.FirstTokenTimeoutSec)
	assert.Equal(t, DefaultManagerCacheMaxSize, s.ManagerCacheMaxSize)

	// Config file written to disk
	_, err = os.Stat(filepath.Join(dir, "config.json"))
	assert.NoError(t, err)

	// Log and db dirs exist
	_, err = os.Stat(GetLogDir(dir))
	assert.NoError(t, err)
	_, err = os.Stat(GetDBDir(dir))
	assert.NoError(t, err)
}

func TestSettingsLoadExisting(t *testing.T) {
	dir := t.TempDir()

	raw := map[string]any{
		"server_port":         9100,
		"jwt_secret":          "test-secret",
		"region":              "eu-west-1",
		"self_use":            true,
		"first_token_timeout": 90,
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), data, 0600))

	s, err := NewSettingsWithDir(dir)
	require.NoError(t, err)

	assert.Equal(t, 9100, s.GetServerPort())
	assert.Equal(t, "test-secret", s.GetJWTSecret())
	assert.Equal(t, "eu-west-1", s.GetRegion())
	assert.True(t, s.GetSelfUse())
	assert.Equal(t, 90, s.FirstTokenTimeoutSec)
	// Unset fields still get defaults
	assert.Equal(t, DefaultToolDescMaxLength, s.ToolDescMaxLength)
}

func TestSettingsEnvOverride(t *testing.T) {
	dir := t.TempDir()

	t.Setenv("KIROBOX_REGION", "ap-southeast-1")
	t.Setenv("KIROBOX_FIRST_TOKEN_MAX_RETRIES", "5")
	t.Setenv("KIROBOX_TOKEN_MIN_SUCCESS_RATE", "0.8")
	t.Setenv("KIROBOX_SELF_USE", "true")
	t.Setenv("KIROBOX_API_KEYS", "key-a, key-b,")

	s, err := NewSettingsWithDir(dir)
	require.NoError(t, err)

	assert.Equal(t, "ap-southeast-1", s.GetRegion())
	assert.Equal(t, 5, s.FirstTokenMaxRetries)
	assert.Equal(t, 0.8, s.TokenMinSuccessRate)
	assert.True(t, s.GetSelfUse())
	assert.Equal(t, []string{"key-a", "key-b"}, s.GetAPIKeys())
}

func TestUpstreamEndpoints(t *testing.T) {
	assert.Equal(t, "https://codewhisperer.us-east-1.amazonaws.com", APIHost("us-east-1"))
	assert.Equal(t, "https://oidc.eu-west-1.amazonaws.com/token", IDCRefreshURL("eu-west-1"))
	assert.Contains(t, SocialRefreshURL("us-east-1"), "us-east-1")
}

func TestModelCatalogLookup(t *testing.T) {
	mc := NewModelCatalog(t.TempDir())

	assert.Equal(t, "CLAUDE_SONNET_4_20250514_V1_0", mc.InternalModelID("claude-sonnet-4-20250514"))
	// Unknown models pass through
	assert.Equal(t, "some-new-model", mc.InternalModelID("some-new-model"))

	assert.Equal(t, 200000, mc.MaxInputTokens("claude-sonnet-4-20250514"))
	assert.Equal(t, DefaultMaxInputTokens, mc.MaxInputTokens("unknown"))
}

func TestModelCatalogPremium(t *testing.T) {
	mc := NewModelCatalog(t.TempDir())

	assert.True(t, mc.RequiresPremium("claude-opus-4-20250514", nil))
	assert.True(t, mc.RequiresPremium("anything-opus-like", nil))
	assert.False(t, mc.RequiresPremium("claude-3-5-haiku-20241022", nil))
	assert.False(t, mc.RequiresPremium("", nil))
	// Extra list extends the built-in rules
	assert.True(t, mc.RequiresPremium("special-model", []string{"special-model"}))
}

func TestModelCatalogAdaptiveTimeout(t *testing.T) {
	mc := NewModelCatalog(t.TempDir())

	base := 30 * time.Second
	assert.Equal(t, 60*time.Second, mc.AdaptiveTimeout("claude-opus-4-20250514", base))
	assert.Equal(t, 45*time.Second, mc.AdaptiveTimeout("claude-sonnet-4-20250514", base))
	assert.Equal(t, 30*time.Second, mc.AdaptiveTimeout("unknown-model", base))
}

func TestModelCatalogOverrides(t *testing.T) {
	dir := t.TempDir()
	overrides := []ModelInfo{
		{ID: "custom-model", InternalID: "CUSTOM_V1", MaxInputTokens: 100000, TimeoutMultiplier: 3.0},
	}
	data, err := json.Marshal(overrides)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "models.json"), data, 0600))

	mc := NewModelCatalog(dir)

	assert.Equal(t, "CUSTOM_V1", mc.InternalModelID("custom-model"))
	assert.Equal(t, 100000, mc.MaxInputTokens("custom-model"))
	assert.Equal(t, 3.0, mc.TimeoutMultiplier("custom-model"))
	// Builtins still present
	assert.Equal(t, "CLAUDE_SONNET_4_20250514_V1_0", mc.InternalModelID("claude-sonnet-4-20250514"))
}
