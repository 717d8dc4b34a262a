package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routewatch/schedule-engine/config"
	"github.com/routewatch/schedule-engine/engine"
)

func writePolicyFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadPolicy_EmptyPath_Defaults(t *testing.T) {
	policy, err := config.LoadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultThrottlePolicy(), policy)
}

func TestLoadPolicy_MissingFile_Defaults(t *testing.T) {
	policy, err := config.LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultThrottlePolicy(), policy)
}

func TestLoadPolicy_OverridesApplied(t *testing.T) {
	path := writePolicyFile(t, `
general_window: 90s
manual_quiet_window: 15m
channel_windows:
  webhook: 5m
`)

	policy, err := config.LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, policy.GeneralWindow)
	assert.Equal(t, 15*time.Minute, policy.ManualQuietWindow)
	assert.Equal(t, 5*time.Minute, policy.ChannelWindows["webhook"])
	// Unspecified values keep their defaults.
	assert.Equal(t, engine.DefaultThrottlePolicy().DefaultChannelWindow, policy.DefaultChannelWindow)
}

func TestLoadPolicy_MalformedDuration_Errors(t *testing.T) {
	path := writePolicyFile(t, "general_window: ninety seconds\n")

	_, err := config.LoadPolicy(path)
	assert.Error(t, err, "a present but malformed policy file must not silently fall back")
}
