package store

import (
	"os"
	"path/filepath"
	"runtime"
)

// AppName is the directory name used under the OS data directory.
const AppName = "pypottery-lens"

// DefaultProjectsRoot returns the OS-appropriate directory holding all projects.
//
//   - macOS:   ~/Library/Application Support/pypottery-lens/projects
//   - Linux:   $XDG_DATA_HOME/pypottery-lens/projects (fallback ~/.local/share/...)
//   - Windows: %LOCALAPPDATA%\pypottery-lens\projects (fallback %APPDATA%)
func DefaultProjectsRoot() string {
	return filepath.Join(dataDirForOS(runtime.GOOS), "projects")
}

func dataDirForOS(goos string) string {
	home, _ := os.UserHomeDir()

	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppName)
	case "windows":
		for _, env := range []string{"LOCALAPPDATA", "APPDATA"} {
			if dir := os.Getenv(env); dir != "" {
				return filepath.Join(dir, AppName)
			}
		}
		return filepath.Join(home, AppName)
	default:
		if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
			return filepath.Join(dir, AppName)
		}
		return filepath.Join(home, ".local", "share", AppName)
	}
}
