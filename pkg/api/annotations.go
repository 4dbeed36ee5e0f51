package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pypottery/lens/pkg/cards"
	"github.com/pypottery/lens/pkg/fsutil"
	"github.com/pypottery/lens/pkg/store"
	"github.com/pypottery/lens/pkg/workflow"
)

type imageEntry struct {
	Name     string `json:"image_name"`
	Reviewed bool   `json:"reviewed"`
}

type boxLabel struct {
	BBox  [4]int `json:"bbox"`
	Label string `json:"label"`
}

// loadTable pages through the annotated images of a project and returns the
// mask_info rows of one of them.
func (s *Server) loadTable(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	var req struct {
		ImgNum    int    `json:"img_num"`
		ImageName string `json:"image_name"`
	}
	if err := decodeBody(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}

	cardsDir, _ := s.projects.Path(p.ID, store.FolderCards)
	table, err := cards.ReadTable(filepath.Join(cardsDir, cards.MaskInfoFile))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	images := cards.AnnotatedImages(table)
	if len(images) == 0 {
		s.writeError(w, r, fmt.Errorf("%w: no annotated images", workflow.ErrNoInput))
		return
	}

	current := min(max(req.ImgNum, 0), len(images)-1)
	if req.ImageName != "" {
		current = -1
		for i, img := range images {
			if img == req.ImageName {
				current = i
			}
		}
		if current < 0 {
			s.writeError(w, r, fmt.Errorf("image %s: %w", req.ImageName, os.ErrNotExist))
			return
		}
	}
	name := images[current]

	columns, rows := cards.ImageRows(table, name)
	if len(rows) == 0 {
		columns = []string{cards.IDColumn, "Notes"}
	}
	boxes := []boxLabel{}
	for _, row := range rows {
		if box, ok := cards.ParseBBox(row["bbox"]); ok {
			boxes = append(boxes, boxLabel{BBox: box, Label: row[cards.IDColumn]})
		}
	}

	list := make([]imageEntry, len(images))
	for i, img := range images {
		list[i] = imageEntry{Name: img, Reviewed: p.WorkflowStatus.IsReviewed(img)}
	}
	imageURL := ""
	if dir, ok := s.projects.Path(p.ID, store.FolderImages); ok {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			imageURL = fmt.Sprintf("/api/projects/%s/files/%s/%s", p.ID, store.FolderImages, name)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"image_name":  name,
		"image_url":   imageURL,
		"current":     current,
		"total":       len(images),
		"image_list":  list,
		"is_reviewed": p.WorkflowStatus.IsReviewed(name),
		"columns":     columns,
		"table":       rows,
		"annotations": boxes,
		"success":     true,
	})
}

// cell accepts any JSON scalar as a CSV value.
type cell string

func (c *cell) UnmarshalJSON(b []byte) error {
	switch {
	case string(b) == "null":
		*c = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = cell(s)
	case len(b) > 0 && (b[0] == '{' || b[0] == '['):
		return errors.New("table cells must be scalars")
	default:
		*c = cell(b)
	}
	return nil
}

// saveTable replaces the mask_info rows of one image.
func (s *Server) saveTable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectID")
	var req struct {
		ImageName string            `json:"image_name"`
		Table     []map[string]cell `json:"table"`
	}
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Table) == 0 {
		s.writeError(w, r, fmt.Errorf("%w: table is required", store.ErrValidation))
		return
	}
	if req.ImageName == "" {
		s.writeError(w, r, fmt.Errorf("%w: image name is required", store.ErrValidation))
		return
	}
	cardsDir, ok := s.projects.Path(id, store.FolderCards)
	if !ok {
		s.writeError(w, r, errNotFound)
		return
	}

	rows := make([]map[string]string, len(req.Table))
	for i, row := range req.Table {
		rows[i] = make(map[string]string, len(row))
		for k, v := range row {
			rows[i][k] = string(v)
		}
	}

	path := filepath.Join(cardsDir, cards.MaskInfoFile)
	err := s.pipeline.Exclusive(id, "table_save", func() error {
		table, err := cards.ReadTable(path)
		if errors.Is(err, cards.ErrNoTable) {
			table = &cards.Table{}
		} else if err != nil {
			return err
		}
		if err := cards.ReplaceImageRows(table, req.ImageName, rows); err != nil {
			return err
		}
		if err := os.MkdirAll(cardsDir, 0755); err != nil {
			return err
		}
		return cards.WriteTable(path, table)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Debug().Str("project_id", id).Str("image", req.ImageName).Int("rows", len(rows)).Msg("table saved")
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Table saved successfully",
		"rows":    len(rows),
		"success": true,
	})
}

// exportTable copies mask_info.csv to <project_id>_mask_info.csv in the
// project root.
func (s *Server) exportTable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectID")
	root, ok := s.projects.Path(id, "")
	if !ok || !s.projects.Exists(id) {
		s.writeError(w, r, errNotFound)
		return
	}
	cardsDir, _ := s.projects.Path(id, store.FolderCards)
	dst := filepath.Join(root, id+"_mask_info.csv")
	if err := cards.ExportMaskInfo(cardsDir, dst); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "CSV exported to " + filepath.Base(dst),
		"path":    dst,
		"success": true,
	})
}

// saveMask stores an edited mask from the multipart "mask" field in masks/.
func (s *Server) saveMask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectID")
	dir, ok := s.projects.Path(id, store.FolderMasks)
	if !ok || !s.projects.Exists(id) {
		s.writeError(w, r, errNotFound)
		return
	}
	file, header, err := s.formFile(w, r, "mask")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if !store.IsImageFile(name) || strings.HasPrefix(name, ".") {
		s.writeError(w, r, fmt.Errorf("%w: %q is not an image", store.ErrValidation, header.Filename))
		return
	}

	err = s.pipeline.Exclusive(id, "mask_save", func() error {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		return fsutil.WriteFileAtomic(filepath.Join(dir, name), 0644, func(out io.Writer) error {
			_, err := io.Copy(out, file)
			return err
		})
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.projects.SyncWorkflowStatus(id, store.WorkflowUpdate{}); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "Mask saved: " + name,
		"filename": name,
		"mask_url": fmt.Sprintf("/api/projects/%s/files/%s/%s", id, store.FolderMasks, name),
		"success":  true,
	})
}
