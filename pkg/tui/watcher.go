package tui

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"

	"github.com/pypottery/lens/pkg/store"
)

const debounce = 200 * time.Millisecond

// StartWatcher watches the projects root and every project directory for
// sidecar changes and sends FileChangedMsg.
func StartWatcher(root string, program *tea.Program) (func(), error) {
	return watch(root, func() { program.Send(FileChangedMsg{}) })
}

func watch(root string, notify func()) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return nil, err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			_ = watcher.Add(filepath.Join(root, e.Name()))
		}
	}

	done := make(chan struct{})

	go func() {
		var debounceTimer *time.Timer

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				// new project directories are watched for their sidecar
				if event.Op&fsnotify.Create != 0 && filepath.Dir(event.Name) == filepath.Clean(root) {
					info, err := os.Stat(event.Name)
					if err == nil && info.IsDir() && !strings.HasPrefix(info.Name(), ".") {
						_ = watcher.Add(event.Name)
					}
				}

				if !relevant(root, event) {
					continue
				}
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounce, notify)

			case <-watcher.Errors:
				// Ignore watcher errors silently

			case <-done:
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return
			}
		}
	}()

	cleanup := func() {
		close(done)
		watcher.Close()
	}

	return cleanup, nil
}

// relevant reports whether event can change the project list: a sidecar
// write, or a project directory appearing or going away.
func relevant(root string, event fsnotify.Event) bool {
	if filepath.Base(event.Name) == store.SidecarName {
		return true
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return false
	}
	return filepath.Dir(event.Name) == filepath.Clean(root)
}
