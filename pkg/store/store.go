package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// imageExtensions is the allow-list used by ListImages, compared lower-case.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

// IsImageFile reports whether name carries one of the accepted image extensions.
func IsImageFile(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// mkdirAll is swapped in tests to fail part way through Create.
var mkdirAll = os.MkdirAll

// Store manages project workspaces under a root directory. Each project is a
// directory holding the asset folders and a project.json sidecar; the Store is
// the only writer of that sidecar.
type Store struct {
	Root string

	log   zerolog.Logger
	now   func() time.Time
	locks *keyedLocks
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for skipped projects and mutations.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store rooted at root, creating the directory if needed.
func NewStore(root string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating projects root: %w", err)
	}
	s := &Store{
		Root:  root,
		log:   zerolog.Nop(),
		now:   time.Now,
		locks: newKeyedLocks(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) projectDir(id string) string {
	return filepath.Join(s.Root, id)
}

// Create makes a new project workspace and returns its metadata.
// It fails with ErrAlreadyExists if the derived id is taken.
func (s *Store) Create(name, description, icon string) (*Project, error) {
	now := s.now().Round(0)
	id := ProjectID(name, now)
	if icon == "" {
		icon = DefaultIcon
	}

	unlock := s.locks.lock(id)
	defer unlock()

	dir := s.projectDir(id)
	// Plain Mkdir so an existing directory is a conflict, never a merge.
	if err := os.Mkdir(dir, 0755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
		}
		return nil, fmt.Errorf("creating project directory: %w", err)
	}

	for _, f := range Folders {
		if err := mkdirAll(filepath.Join(dir, string(f)), 0755); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("creating %s folder: %w", f, err)
		}
	}

	p := &Project{
		ID:           id,
		Name:         name,
		Description:  description,
		Icon:         icon,
		CreatedAt:    Timestamp{now},
		LastModified: Timestamp{now},
		Settings: Settings{
			ConfidenceThreshold: DefaultConfidence,
		},
	}
	if err := writeSidecar(dir, p); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	s.log.Debug().Str("project_id", id).Msg("project created")
	return p, nil
}

// List returns every project with a valid sidecar, most recently modified first.
// Directories without a readable sidecar are skipped and logged.
func (s *Store) List() ([]*Project, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Project{}, nil
		}
		return nil, fmt.Errorf("reading projects root: %w", err)
	}

	projects := []*Project{}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		p, ok, err := readSidecar(s.projectDir(entry.Name()))
		if err != nil {
			s.log.Warn().Err(err).Str("dir", entry.Name()).Msg("skipping unreadable project")
			continue
		}
		if !ok {
			s.log.Warn().Str("dir", entry.Name()).Msg("skipping directory without sidecar")
			continue
		}
		projects = append(projects, p)
	}

	sort.SliceStable(projects, func(i, j int) bool {
		a, b := projects[i].LastModified.Time, projects[j].LastModified.Time
		if !a.Equal(b) {
			return a.After(b)
		}
		return projects[i].ID < projects[j].ID
	})
	return projects, nil
}

// Get loads a project. ok is false when the project does not exist.
func (s *Store) Get(id string) (p *Project, ok bool, err error) {
	if !validID(id) {
		return nil, false, nil
	}
	return readSidecar(s.projectDir(id))
}

// Exists reports whether id names a project with a sidecar.
func (s *Store) Exists(id string) bool {
	if !validID(id) {
		return false
	}
	info, err := os.Stat(filepath.Join(s.projectDir(id), SidecarName))
	return err == nil && info.Mode().IsRegular()
}

// Delete removes the project and everything under it. It returns false if the
// project does not exist.
func (s *Store) Delete(id string) (bool, error) {
	if !validID(id) {
		return false, nil
	}
	unlock := s.locks.lock(id)
	defer unlock()

	if !s.Exists(id) {
		return false, nil
	}
	if err := os.RemoveAll(s.projectDir(id)); err != nil {
		return false, fmt.Errorf("deleting project %s: %w", id, err)
	}
	s.log.Debug().Str("project_id", id).Msg("project deleted")
	return true, nil
}

// mutate runs fn on the stored project under the project lock and persists the
// result when fn reports a change. It returns false if the project is absent;
// in that case nothing is written.
func (s *Store) mutate(id string, fn func(p *Project) (bool, error)) (bool, error) {
	if !validID(id) {
		return false, nil
	}
	unlock := s.locks.lock(id)
	defer unlock()

	dir := s.projectDir(id)
	p, ok, err := readSidecar(dir)
	if err != nil || !ok {
		return false, err
	}
	changed, err := fn(p)
	if err != nil {
		return false, err
	}
	if !changed {
		return true, nil
	}
	s.touch(p)
	if err := writeSidecar(dir, p); err != nil {
		return false, err
	}
	return true, nil
}

// touch advances last_modified, strictly, even if the clock has not ticked.
func (s *Store) touch(p *Project) {
	now := s.now().Round(0)
	if prev := p.LastModified.Time; !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	p.LastModified = Timestamp{now}
}

// UpdateWorkflowStatus merges u into the project's workflow status.
func (s *Store) UpdateWorkflowStatus(id string, u WorkflowUpdate) (bool, error) {
	if err := u.validate(); err != nil {
		return false, err
	}
	ok, err := s.mutate(id, func(p *Project) (bool, error) {
		u.apply(&p.WorkflowStatus)
		return true, nil
	})
	if ok {
		s.log.Debug().Str("project_id", id).Msg("workflow status updated")
	}
	return ok, err
}

// SyncWorkflowStatus applies u and then recomputes every counter from the
// files currently on disk. Pipeline stages use this so counts never drift.
func (s *Store) SyncWorkflowStatus(id string, u WorkflowUpdate) (bool, error) {
	if err := u.validate(); err != nil {
		return false, err
	}
	return s.mutate(id, func(p *Project) (bool, error) {
		u.apply(&p.WorkflowStatus)
		counts, err := s.countAll(id)
		if err != nil {
			return false, err
		}
		w := &p.WorkflowStatus
		w.PDFCount = counts.pdfs
		w.ImagesExtracted = counts.images
		w.TotalImages = counts.images
		w.MasksExtracted = counts.masks
		w.CardsExtracted = counts.cards
		w.CardsClassified = counts.classified
		w.ExportsCreated = counts.exports
		w.AnnotationsCompleted = len(w.ReviewedImages)
		return true, nil
	})
}

// UpdateSettings merges u into the project's settings.
func (s *Store) UpdateSettings(id string, u SettingsUpdate) (bool, error) {
	if err := u.validate(); err != nil {
		return false, err
	}
	return s.mutate(id, func(p *Project) (bool, error) {
		u.apply(&p.Settings)
		return true, nil
	})
}

// SetExcludedImages replaces the exclusion set.
func (s *Store) SetExcludedImages(id string, names []string) (bool, error) {
	if names == nil {
		names = []string{}
	}
	return s.UpdateSettings(id, SettingsUpdate{ExcludedImages: names})
}

// MarkReviewed adds image to the reviewed set. Marking an image twice is a
// no-op that still returns true.
func (s *Store) MarkReviewed(id, image string) (bool, error) {
	if image == "" {
		return false, fmt.Errorf("%w: image name is required", ErrValidation)
	}
	return s.mutate(id, func(p *Project) (bool, error) {
		w := &p.WorkflowStatus
		if w.IsReviewed(image) {
			return false, nil
		}
		w.ReviewedImages = append(w.ReviewedImages, image)
		w.AnnotationsCompleted = len(w.ReviewedImages)
		return true, nil
	})
}

// Path returns the directory of a project, or of one of its folders when
// folder is non-empty. ok is false if the project root does not exist.
func (s *Store) Path(id string, folder Folder) (string, bool) {
	if !validID(id) || !validFolder(folder) {
		return "", false
	}
	dir := s.projectDir(id)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", false
	}
	if folder == "" {
		return dir, true
	}
	return filepath.Join(dir, string(folder)), true
}

// ListImages returns the sorted image filenames in a project folder. A missing
// project or folder yields an empty list.
func (s *Store) ListImages(id string, folder Folder) ([]string, error) {
	dir, ok := s.Path(id, folder)
	if !ok {
		return []string{}, nil
	}
	return listByExt(dir, IsImageFile)
}

// CountFiles returns the number of images in a project folder.
func (s *Store) CountFiles(id string, folder Folder) (int, error) {
	images, err := s.ListImages(id, folder)
	if err != nil {
		return 0, err
	}
	return len(images), nil
}

type folderCounts struct {
	pdfs, images, masks, cards, classified, exports int
}

func (s *Store) countAll(id string) (folderCounts, error) {
	var c folderCounts
	var err error
	count := func(folder Folder, match func(string) bool) int {
		if err != nil {
			return 0
		}
		dir, ok := s.Path(id, folder)
		if !ok {
			return 0
		}
		var names []string
		names, err = listByExt(dir, match)
		return len(names)
	}
	c.pdfs = count(FolderPDFSource, hasExt(".pdf"))
	c.images = count(FolderImages, IsImageFile)
	c.masks = count(FolderMasks, IsImageFile)
	c.cards = count(FolderCards, IsImageFile)
	// Cards only count as classified once the classifier has written its table.
	if dir, ok := s.Path(id, FolderCardsModified); ok {
		if _, serr := os.Stat(filepath.Join(dir, ClassificationsFile)); serr == nil {
			c.classified = count(FolderCardsModified, IsImageFile)
		}
	}
	c.exports = count(FolderExports, hasExt(".zip"))
	return c, err
}

func hasExt(ext string) func(string) bool {
	return func(name string) bool {
		return strings.EqualFold(filepath.Ext(name), ext)
	}
}

// listByExt returns sorted names of regular files in dir accepted by match.
func listByExt(dir string, match func(string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	names := []string{}
	for _, e := range entries {
		if !e.Type().IsRegular() || !match(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
