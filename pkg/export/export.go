// Package export packages a project's cards and metadata into a zip archive
// with renumbered file names.
package export

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/rs/zerolog"

	"github.com/pypottery/lens/pkg/cards"
	"github.com/pypottery/lens/pkg/fsutil"
	"github.com/pypottery/lens/pkg/store"
)

var (
	// ErrInvalidAcronym is returned for acronyms outside [A-Za-z0-9_]+.
	ErrInvalidAcronym = errors.New("acronym can only contain letters, numbers, and underscores")
	// ErrNoCards is returned when there is nothing to export.
	ErrNoCards = errors.New("no card images found")
)

var acronymPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidAcronym reports whether s can name an export.
func ValidAcronym(s string) bool {
	return acronymPattern.MatchString(s)
}

// priorityColumns lead the metadata CSV; the rest follow alphabetically.
var priorityColumns = []string{"id", "type", "period", "figure_num", "page_num", "pottery_id", "folder", "image_path"}

// Columns identifying a card in the source metadata. They are not copied.
var (
	matchColumns   = []string{"mask_file", "filename", "Filename", "file"}
	droppedColumns = map[string]bool{
		"mask_file": true, "filename": true, "Filename": true, "filename_base": true,
		"file": true, "ID": true, "id": true,
	}
)

// Request describes one export.
type Request struct {
	Acronym     string
	CardsDir    string
	ModifiedDir string
	ExportsDir  string
	// Excluded holds source image names whose cards are left out.
	Excluded map[string]bool
	Progress cards.ProgressFunc
}

// Result summarizes a finished export.
type Result struct {
	Path    string   `json:"path"`
	Cards   int      `json:"cards"`
	Columns []string `json:"columns"`
}

// Packager writes export archives.
type Packager struct {
	log zerolog.Logger
}

// NewPackager returns a Packager logging to log.
func NewPackager(log zerolog.Logger) *Packager {
	return &Packager{log: log}
}

// entry is one card in the archive.
type entry struct {
	src     string
	archive string
	row     map[string]string
}

// Export builds <ExportsDir>/<acronym>.zip holding the renumbered cards and
// <acronym>_metadata.csv.
func (p *Packager) Export(ctx context.Context, req Request) (Result, error) {
	if !ValidAcronym(req.Acronym) {
		return Result{}, ErrInvalidAcronym
	}

	srcDir, err := sourceFolder(req.CardsDir, req.ModifiedDir)
	if err != nil {
		return Result{}, err
	}
	names, err := listCards(srcDir)
	if err != nil {
		return Result{}, err
	}

	meta, err := loadMetadata(req.CardsDir, req.ModifiedDir)
	if err != nil {
		return Result{}, err
	}
	classes, err := cards.ReadClassifications(filepath.Join(req.ModifiedDir, cards.ClassificationsFile))
	if errors.Is(err, cards.ErrNoTable) {
		classes = nil
	} else if err != nil {
		return Result{}, err
	}

	var entries []entry
	for _, name := range names {
		rec := meta.lookup(name)
		if isExcluded(name, rec, req.Excluded) {
			continue
		}
		idx := len(entries) + 1
		entries = append(entries, buildEntry(req.Acronym, idx, srcDir, name, rec, classes))
	}
	if len(entries) == 0 {
		return Result{}, ErrNoCards
	}

	table := metadataTable(entries)
	if err := os.MkdirAll(req.ExportsDir, 0755); err != nil {
		return Result{}, fmt.Errorf("creating exports folder: %w", err)
	}
	out := filepath.Join(req.ExportsDir, req.Acronym+".zip")
	err = fsutil.WriteFileAtomic(out, 0644, func(w io.Writer) error {
		return writeArchive(ctx, w, req, entries, table)
	})
	if err != nil {
		return Result{}, err
	}

	p.log.Info().Str("path", out).Int("cards", len(entries)).Msg("export written")
	return Result{Path: out, Cards: len(entries), Columns: table.Header}, nil
}

func writeArchive(ctx context.Context, w io.Writer, req Request, entries []entry, table *cards.Table) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})

	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addFile(zw, e.src, e.archive); err != nil {
			return err
		}
		if req.Progress != nil {
			req.Progress(i+1, len(entries), e.archive)
		}
	}

	mw, err := zw.CreateHeader(&zip.FileHeader{Name: req.Acronym + "_metadata.csv", Method: zip.Deflate})
	if err != nil {
		return err
	}
	if err := table.Encode(mw); err != nil {
		return err
	}
	return zw.Close()
}

func addFile(zw *zip.Writer, src, name string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

func buildEntry(acronym string, idx int, srcDir, name string, rec map[string]string, classes map[string]cards.Classification) entry {
	row := map[string]string{}
	for col, v := range rec {
		if !droppedColumns[col] {
			row[col] = v
		}
	}
	if _, ok := row["type"]; !ok {
		if c, ok := classifiedAs(classes, name); ok {
			row["type"] = c.Type
		}
	}

	subfolder := ""
	if fig := strings.TrimSpace(row["figure_num"]); fig != "" {
		subfolder = folderName(fig)
	} else if page := strings.TrimSpace(row["page_num"]); page != "" && page != "-1" {
		subfolder = folderName("page_" + page)
	}

	suffix := ""
	if pid := strings.TrimSpace(row["pottery_id"]); pid != "" {
		suffix = "_" + strings.NewReplacer(", ", "_", " ", "", "/", "-").Replace(pid)
	}

	newName := fmt.Sprintf("%s_%d%s%s", acronym, idx, suffix, filepath.Ext(name))
	archive := newName
	if subfolder != "" {
		archive = subfolder + "/" + newName
		row["folder"] = subfolder
	}
	row["id"] = newName
	row["image_path"] = archive

	return entry{src: filepath.Join(srcDir, name), archive: archive, row: row}
}

// folderName turns a metadata value into one archive path segment. Separators
// become dashes and a dot-only value like ".." has its dots replaced.
func folderName(v string) string {
	v = strings.NewReplacer(" ", "_", "/", "-", `\`, "-").Replace(v)
	if strings.Trim(v, ".") == "" {
		v = strings.ReplaceAll(v, ".", "_")
	}
	return v
}

func metadataTable(entries []entry) *cards.Table {
	present := map[string]bool{}
	for _, e := range entries {
		for col := range e.row {
			present[col] = true
		}
	}
	var header []string
	for _, col := range priorityColumns {
		if present[col] {
			header = append(header, col)
			delete(present, col)
		}
	}
	rest := make([]string, 0, len(present))
	for col := range present {
		rest = append(rest, col)
	}
	sort.Strings(rest)
	header = append(header, rest...)

	t := cards.NewTable(header...)
	for _, e := range entries {
		t.Append(e.row)
	}
	return t
}

// sourceFolder prefers cards_modified when it holds card images.
func sourceFolder(cardsDir, modifiedDir string) (string, error) {
	if modifiedDir != "" {
		names, err := listCards(modifiedDir)
		if err != nil {
			return "", err
		}
		if len(names) > 0 {
			return modifiedDir, nil
		}
	}
	return cardsDir, nil
}

func listCards(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && store.IsImageFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func isExcluded(card string, rec map[string]string, excluded map[string]bool) bool {
	if len(excluded) == 0 {
		return false
	}
	if src := rec["file"]; src != "" && excluded[src] {
		return true
	}
	for img := range excluded {
		if strings.HasPrefix(card, cards.Stem(img)+"_mask_layer_") {
			return true
		}
	}
	return false
}

func classifiedAs(classes map[string]cards.Classification, card string) (cards.Classification, bool) {
	if c, ok := classes[card]; ok {
		return c, true
	}
	stem := trimImageExt(card)
	for name, c := range classes {
		if trimImageExt(name) == stem {
			return c, true
		}
	}
	return cards.Classification{}, false
}

func trimImageExt(name string) string {
	for _, ext := range []string{".png", ".jpg", ".jpeg"} {
		name = strings.ReplaceAll(name, ext, "")
	}
	return name
}
