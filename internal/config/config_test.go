package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/tracker/internal/tracker"
)

func missingEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "absent.env")
}

func TestLoadAgentDefaults(t *testing.T) {
	t.Setenv("TRACKER_SITE_ID", "ws_42")

	cfg, err := LoadAgent(missingEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, "ws_42", cfg.SiteID)
	assert.Equal(t, tracker.DefaultEventsPath, cfg.EventsPath)
	assert.Equal(t, tracker.DefaultIdentifyPath, cfg.IdentifyPath)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.FlushInterval)
	assert.Equal(t, tracker.DefaultScrollDebounce, cfg.ScrollDebounce)
	assert.Empty(t, cfg.StorePath)

	tc := cfg.Tracker()
	assert.Equal(t, "ws_42", tc.SiteID)
	assert.Equal(t, tracker.DefaultDevAPIBase, tc.APIBaseFor("http://localhost:3000/"))
}

func TestLoadAgentRequiresSiteID(t *testing.T) {
	t.Setenv("TRACKER_SITE_ID", "")
	_, err := LoadAgent(missingEnvFile(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SiteID")
}

func TestLoadAgentRejectsBadValues(t *testing.T) {
	t.Setenv("TRACKER_SITE_ID", "ws_1")
	t.Setenv("TRACKER_EVENTS_PATH", "no-leading-slash")
	_, err := LoadAgent(missingEnvFile(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EventsPath")
}

func TestLoadAgentFromEnvFile(t *testing.T) {
	t.Setenv("TRACKER_BATCH_SIZE", "25")
	// Unset values are picked up from the file; set ones take precedence.
	require.NoError(t, os.Unsetenv("TRACKER_SITE_ID"))
	t.Cleanup(func() { _ = os.Unsetenv("TRACKER_SITE_ID") })

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		"TRACKER_SITE_ID=ws_file\nTRACKER_BATCH_SIZE=3\nTRACKER_REDIS_URL=redis://localhost:6379/0\n",
	), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("TRACKER_REDIS_URL") })

	cfg, err := LoadAgent(path)
	require.NoError(t, err)
	assert.Equal(t, "ws_file", cfg.SiteID)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
}

func TestLoadCollectorDefaults(t *testing.T) {
	cfg, err := LoadCollector(missingEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, ":8082", cfg.Addr)
	assert.Equal(t, tracker.DefaultEventsPath, cfg.EventsPath)
	assert.Equal(t, 120, cfg.RateLimit)
	assert.Equal(t, time.Minute, cfg.RateWindow)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Empty(t, cfg.RabbitURL)
	assert.Empty(t, cfg.TemporalAddress)
}

func TestLoadCollectorOverrides(t *testing.T) {
	t.Setenv("COLLECTOR_ALLOWED_ORIGINS", "https://acme.test, https://www.acme.test,")
	t.Setenv("COLLECTOR_RATE_LIMIT", "0")
	t.Setenv("COLLECTOR_RATE_WINDOW", "bogus")
	t.Setenv("TEMPORAL_ADDRESS", "localhost:7233")
	t.Setenv("LOG_FORMAT", "console")

	cfg, err := LoadCollector(missingEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://acme.test", "https://www.acme.test"}, cfg.AllowedOrigins)
	assert.Equal(t, 0, cfg.RateLimit)
	assert.Equal(t, time.Minute, cfg.RateWindow)
	assert.Equal(t, "localhost:7233", cfg.TemporalAddress)
	assert.Equal(t, "default", cfg.TemporalNamespace)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestLoadCollectorRejectsUnknownLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose")
	_, err := LoadCollector(missingEnvFile(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LogLevel")
}
