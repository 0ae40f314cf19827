package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "simulated", cfg.Browser.Mode)
	assert.Equal(t, "round_robin", cfg.Orchestrator.Strategy)
	assert.NotEmpty(t, cfg.Proxies)
	assert.NotEmpty(t, cfg.Behavior.Queries)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
behavior:
  min_actions: 3
  max_actions: 4
simulator:
  session_budget: 90s
proxies:
  - "socks5://10.0.0.1:1080"
  - "mock://egress-a"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Behavior.MinActions)
	assert.Equal(t, 4, cfg.Behavior.MaxActions)
	assert.Equal(t, 90*time.Second, cfg.Simulator.SessionBudget)
	assert.Equal(t, []string{"socks5://10.0.0.1:1080", "mock://egress-a"}, cfg.Proxies)

	// Untouched sections keep their defaults.
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 5, cfg.Behavior.TopResults)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")
	t.Setenv("TRAFFICSIM_SERVER_PORT", "7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad browser mode", "browser:\n  mode: quantum\n"},
		{"bad behavior bounds", "behavior:\n  min_actions: 5\n  max_actions: 2\n"},
		{"empty proxy pool", "proxies: []\n"},
		{"port out of range", "server:\n  port: 99999\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
