package lurcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	var cfg = DefaultConfig()

	assert.Equal(t, uint64(5), cfg.BusSilenceMS)
	assert.Equal(t, uint64(50), cfg.FrameTimeoutMS)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 16, cfg.InboundQueueLen)
}

func TestLoadConfigOverlay(t *testing.T) {
	var dir = t.TempDir()
	var path = filepath.Join(dir, "lurcher.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"bus_silence_ms: 10\nmax_retries: 5\nevent_log_path: /tmp/ev.csv\n"), 0644))

	var cfg, err = LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, uint64(10), cfg.BusSilenceMS)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, "/tmp/ev.csv", cfg.EventLogPath)

	// Untouched knobs keep their defaults.
	assert.Equal(t, uint64(50), cfg.FrameTimeoutMS)
}

func TestLoadConfigExplicitMissingFileFails(t *testing.T) {
	var _, err = LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigMalformedFails(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bus_silence_ms: [oops"), 0644))

	var _, err = LoadConfig(path)
	assert.Error(t, err)
}
