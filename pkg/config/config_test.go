package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"LENS_CONFIG_PATH", "LENS_PROJECTS_ROOT", "LENS_SERVER_HOST", "LENS_SERVER_PORT",
		"LENS_LOG_LEVEL", "LENS_LOG_FORMAT", "LENS_WORKERS", "LENS_DETECTOR_COMMAND", "LENS_CLASSIFIER_COMMAND",
	} {
		t.Setenv(k, "")
	}
	// keep godotenv from picking up a stray .env in the package dir
	t.Chdir(t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5001, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.NotEmpty(t, cfg.ProjectsRoot)
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "lens.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
projects_root: /data/projects
server:
  port: 8080
pipeline:
  workers: 2
models:
  detector:
    command: python
    args: ["detect.py"]
`), 0644))

	t.Setenv("LENS_CONFIG_PATH", path)
	t.Setenv("LENS_SERVER_PORT", "9090")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/data/projects", cfg.ProjectsRoot)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Pipeline.Workers)
	assert.Equal(t, "python", cfg.Models.Detector.Command)
	assert.Equal(t, []string{"detect.py"}, cfg.Models.Detector.Args)
	// unset keys keep their defaults
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
}

func TestLoadRejectsBadValues(t *testing.T) {
	clearEnv(t)

	t.Setenv("LENS_SERVER_PORT", "abc")
	_, err := Load("")
	assert.Error(t, err)

	t.Setenv("LENS_SERVER_PORT", "")
	t.Setenv("LENS_WORKERS", "0")
	_, err = Load("")
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
