package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pypottery/lens/pkg/fsutil"
)

// readSidecar loads dir/project.json. A missing directory or sidecar reports
// ok=false with a nil error.
func readSidecar(dir string) (*Project, bool, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("stat project directory: %w", err)
	}
	if !info.IsDir() {
		return nil, false, nil
	}

	path := filepath.Join(dir, SidecarName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading %s: %w", path, err)
	}

	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	p.normalize()
	return &p, true, nil
}

// writeSidecar replaces dir/project.json atomically.
func writeSidecar(dir string, p *Project) error {
	p.normalize()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("serializing project %s: %w", p.ID, err)
	}

	return fsutil.WriteFileAtomic(filepath.Join(dir, SidecarName), 0644, func(w io.Writer) error {
		_, err := w.Write(buf.Bytes())
		return err
	})
}
