package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pypottery/lens/pkg/cards"
	"github.com/pypottery/lens/pkg/fsutil"
	"github.com/pypottery/lens/pkg/store"
	"github.com/pypottery/lens/pkg/workflow"
)

func (s *Server) start(w http.ResponseWriter, r *http.Request, op workflow.Op, req workflow.Request) {
	run, err := s.pipeline.Start(s.baseCtx, op, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":  run.ID,
		"op":      run.Op,
		"success": true,
	})
}

func (s *Server) startOp(w http.ResponseWriter, r *http.Request) {
	op, err := workflow.ParseOp(chi.URLParam(r, "op"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req workflow.Request
	if err := decodeBody(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := checkModelName(req.ModelFile); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.ProjectID = chi.URLParam(r, "projectID")
	s.start(w, r, op, req)
}

// checkModelName keeps client-supplied models inside the models folders.
func checkModelName(name *string) error {
	if name == nil || *name == "" || filepath.IsLocal(*name) {
		return nil
	}
	return fmt.Errorf("%w: model_file %q must be a relative name inside the models folder", store.ErrValidation, *name)
}

// uploadPDF saves a multipart "file" into pdf_source and starts its import.
func (s *Server) uploadPDF(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectID")
	dir, ok := s.projects.Path(id, store.FolderPDFSource)
	if !ok {
		s.writeError(w, r, errNotFound)
		return
	}

	file, header, err := s.formFile(w, r, "file")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if !strings.EqualFold(filepath.Ext(name), ".pdf") || strings.HasPrefix(name, ".") {
		s.writeError(w, r, fmt.Errorf("%w: %q is not a pdf", store.ErrValidation, header.Filename))
		return
	}
	split, _ := strconv.ParseBool(r.FormValue("split_pages"))

	if err := os.MkdirAll(dir, 0755); err != nil {
		s.writeError(w, r, err)
		return
	}
	dst := filepath.Join(dir, name)
	err = fsutil.WriteFileAtomic(dst, 0644, func(out io.Writer) error {
		_, err := io.Copy(out, file)
		return err
	})
	if err != nil {
		s.writeError(w, r, fmt.Errorf("saving upload: %w", err))
		return
	}

	s.start(w, r, workflow.OpImportPDF, workflow.Request{
		ProjectID:  id,
		PDFPath:    dst,
		SplitPages: split,
	})
}

// formFile reads one multipart file, bounding the body by the upload limit.
func (s *Server) formFile(w http.ResponseWriter, r *http.Request, field string) (multipart.File, *multipart.FileHeader, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.uploadLimit)
	file, header, err := r.FormFile(field)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, nil, fmt.Errorf("%w: limit is %d bytes", errTooLarge, tooLarge.Limit)
		}
		return nil, nil, fmt.Errorf("%w: no %s provided: %v", store.ErrValidation, field, err)
	}
	return file, header, nil
}

func (s *Server) flipCard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectID")
	var req struct {
		Direction cards.FlipDirection `json:"direction"`
	}
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	cardsDir, ok := s.projects.Path(id, store.FolderCards)
	if !ok {
		s.writeError(w, r, errNotFound)
		return
	}
	modifiedDir, _ := s.projects.Path(id, store.FolderCardsModified)
	if err := cards.FlipCard(cardsDir, modifiedDir, chi.URLParam(r, "name"), req.Direction); err != nil {
		s.writeError(w, r, err)
		return
	}
	found, err := s.projects.SyncWorkflowStatus(id, store.WorkflowUpdate{})
	s.reply(w, r, found, err)
}

func (s *Server) setCardType(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectID")
	var req struct {
		Type string `json:"type"`
	}
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		s.writeError(w, r, fmt.Errorf("%w: type is required", store.ErrValidation))
		return
	}
	modifiedDir, ok := s.projects.Path(id, store.FolderCardsModified)
	if !ok {
		s.writeError(w, r, errNotFound)
		return
	}
	name := chi.URLParam(r, "name")
	if _, err := os.Stat(filepath.Join(modifiedDir, filepath.Base(name))); errors.Is(err, os.ErrNotExist) {
		cardsDir, _ := s.projects.Path(id, store.FolderCards)
		if _, err := os.Stat(filepath.Join(cardsDir, filepath.Base(name))); err != nil {
			s.writeError(w, r, fmt.Errorf("card %s: %w", name, os.ErrNotExist))
			return
		}
	}
	if err := os.MkdirAll(modifiedDir, 0755); err != nil {
		s.writeError(w, r, err)
		return
	}
	path := filepath.Join(modifiedDir, cards.ClassificationsFile)
	if err := cards.SetCardType(path, name, req.Type); err != nil {
		s.writeError(w, r, err)
		return
	}
	found, err := s.projects.SyncWorkflowStatus(id, store.WorkflowUpdate{})
	s.reply(w, r, found, err)
}
