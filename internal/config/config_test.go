package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "Settings.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ArchWin64, s.TemplateArch)
	assert.Equal(t, 2*time.Second, s.DiscoveryDelay)
	assert.Equal(t, 10, s.ScanDepth)
	assert.Equal(t, "info", s.Log.Level)
	assert.True(t, s.History.Enabled)
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Settings.yaml")
	content := `template_arch: win32
runner: ~/.local/share/winecharm/runners/wine-9/bin/wine
discovery_delay: 500ms
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ArchWin32, s.TemplateArch)
	assert.Equal(t, 500*time.Millisecond, s.DiscoveryDelay)
	assert.Equal(t, "debug", s.Log.Level)
	assert.Equal(t, "~/.local/share/winecharm/runners/wine-9/bin/wine", s.Runner)
	assert.Equal(t, 3*time.Second, s.StopTimeout, "unset keys keep defaults")
}

func TestLoadRejectsInvalidArch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("template_arch: arm64\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("template_arch: [win64\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("WINECHARM_TEMPLATE_ARCH", "win32")
	s, err := Load(filepath.Join(t.TempDir(), "Settings.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ArchWin32, s.TemplateArch)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "Settings.yaml")
	in := Defaults()
	in.TemplateArch = ArchWin32
	in.StopTimeout = 7 * time.Second
	in.Metrics.Enabled = true
	require.NoError(t, Save(path, in))
	out, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
