package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDataDirMacOS(t *testing.T) {
	home, _ := os.UserHomeDir()
	dir := dataDirForOS("darwin")
	assert.Equal(t, filepath.Join(home, "Library", "Application Support", AppName), dir)
}

func TestDataDirLinux(t *testing.T) {
	home, _ := os.UserHomeDir()

	t.Setenv("XDG_DATA_HOME", "")
	assert.Equal(t, filepath.Join(home, ".local", "share", AppName), dataDirForOS("linux"))

	t.Setenv("XDG_DATA_HOME", "/custom/data")
	assert.Equal(t, filepath.Join("/custom/data", AppName), dataDirForOS("linux"))
}

func TestDataDirWindows(t *testing.T) {
	t.Setenv("LOCALAPPDATA", `C:\Users\test\AppData\Local`)
	assert.Equal(t, filepath.Join(`C:\Users\test\AppData\Local`, AppName), dataDirForOS("windows"))

	t.Setenv("LOCALAPPDATA", "")
	t.Setenv("APPDATA", `C:\Users\test\AppData\Roaming`)
	assert.Equal(t, filepath.Join(`C:\Users\test\AppData\Roaming`, AppName), dataDirForOS("windows"))
}

func TestDefaultProjectsRoot(t *testing.T) {
	assert.Equal(t, "projects", filepath.Base(DefaultProjectsRoot()))
}
