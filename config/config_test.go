// config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	for _, key := range []string{"LUMI_ADDR", "LUMI_STORE", "LUMI_AUTOSAVE_DELAY", "LUMI_SINGLE_FLIGHT", "OPENAI_MODEL"} {
		t.Setenv(key, "")
	}
	cfg := FromEnv()
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, StoreFilesystem, cfg.Store)
	assert.Equal(t, 800*time.Millisecond, cfg.AutosaveDelay)
	assert.False(t, cfg.SingleFlight)
	assert.Equal(t, "gpt-4o-mini", cfg.OpenAIModel)
}

func TestOverrides(t *testing.T) {
	t.Setenv("LUMI_STORE", "Redis")
	t.Setenv("LUMI_AUTOSAVE_DELAY", "1500")
	t.Setenv("LUMI_TOKEN_TTL", "2h")
	t.Setenv("LUMI_SINGLE_FLIGHT", "true")
	t.Setenv("LUMI_LOG_PRETTY", "not-a-bool")

	cfg := FromEnv()
	assert.Equal(t, StoreRedis, cfg.Store)
	assert.Equal(t, 1500*time.Millisecond, cfg.AutosaveDelay)
	assert.Equal(t, 2*time.Hour, cfg.TokenTTL)
	assert.True(t, cfg.SingleFlight)
	assert.False(t, cfg.LogPretty)
}

func TestInvalidDurationFallsBack(t *testing.T) {
	t.Setenv("LUMI_AUTOSAVE_DELAY", "-5s")
	assert.Equal(t, 800*time.Millisecond, FromEnv().AutosaveDelay)
	t.Setenv("LUMI_AUTOSAVE_DELAY", "soon")
	assert.Equal(t, 800*time.Millisecond, FromEnv().AutosaveDelay)
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LUMI_PLACEHOLDER_TITLE=Sin titulo\nLUMI_WS_ADDR=:9999\n"), 0o600))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	t.Setenv("LUMI_PLACEHOLDER_TITLE", "")
	t.Setenv("LUMI_WS_ADDR", ":7777")
	os.Unsetenv("LUMI_PLACEHOLDER_TITLE")

	cfg := Load()
	assert.Equal(t, "Sin titulo", cfg.PlaceholderTitle)
	assert.Equal(t, ":7777", cfg.WSAddr, "environment wins over .env")
}
