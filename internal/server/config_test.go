package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Equal(t, "sim", cfg.Link.Type)
	assert.Equal(t, 115200, cfg.Link.BaudRate)
	assert.Equal(t, 0xF1, cfg.Link.ToolID)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
link:
  type: avt
  port_path: /dev/ttyUSB3
  baud_rate: 115200
trace:
  enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg := LoadConfig(path)
	assert.Equal(t, "avt", cfg.Link.Type)
	assert.Equal(t, "/dev/ttyUSB3", cfg.Link.PortPath)
	assert.True(t, cfg.Trace.Enabled)
	// Unset sections keep defaults
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LINK_TYPE", "avt")
	t.Setenv("LINK_PORT", "/dev/ttyS9")
	t.Setenv("LINK_TOOL_ID", "0xF5")
	t.Setenv("TRACE_ENABLED", "true")

	cfg := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Equal(t, "avt", cfg.Link.Type)
	assert.Equal(t, "/dev/ttyS9", cfg.Link.PortPath)
	assert.Equal(t, 0xF5, cfg.Link.ToolID)
	assert.True(t, cfg.Trace.Enabled)
}

func TestUpdateFromJSONDeepMerge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Link.PortPath = "/dev/ttyAVT0"

	require.NoError(t, cfg.UpdateFromJSON([]byte(`{"trace":{"enabled":true}}`)))

	// Patched field applied, untouched fields preserved
	assert.True(t, cfg.Trace.Enabled)
	assert.Equal(t, "/dev/ttyAVT0", cfg.Link.PortPath)
	assert.Equal(t, 115200, cfg.Link.BaudRate)
}
