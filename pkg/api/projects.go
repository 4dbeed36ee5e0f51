package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pypottery/lens/pkg/store"
	"github.com/pypottery/lens/pkg/workflow"
)

type createProjectRequest struct {
	Name        string `json:"project_name"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.projects.List()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects, "success": true})
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.writeError(w, r, fmt.Errorf("%w: project name is required", store.ErrValidation))
		return
	}
	p, err := s.projects.Create(req.Name, req.Description, req.Icon)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"project": p, "success": true})
}

// project loads the project named in the URL, writing a 404 when it is missing.
func (s *Server) project(w http.ResponseWriter, r *http.Request) (*store.Project, bool) {
	p, ok, err := s.projects.Get(chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if !ok {
		s.writeError(w, r, errNotFound)
		return nil, false
	}
	return p, true
}

// reply writes the project after a mutation, or a 404 when found is false.
func (s *Server) reply(w http.ResponseWriter, r *http.Request, found bool, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		s.writeError(w, r, errNotFound)
		return
	}
	s.getProject(w, r)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": p, "success": true})
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	found, err := s.projects.Delete(chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		s.writeError(w, r, errNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) getStage(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	stage := workflow.CurrentStage(p.WorkflowStatus)
	next := make([]workflow.Op, 0, len(workflow.Ops))
	for _, op := range workflow.Ops {
		if workflow.CheckTransition(stage, op) == nil {
			next = append(next, op)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stage": stage, "allowed_ops": next, "success": true})
}

// envelope extracts one key of a JSON object body, defaulting to {}.
func envelope(r *http.Request, key string) (*bytes.Reader, error) {
	var body map[string]json.RawMessage
	if err := decodeBody(r, &body, false); err != nil {
		return nil, err
	}
	for k := range body {
		if k != key {
			return nil, fmt.Errorf("%w: unknown field %q", store.ErrValidation, k)
		}
	}
	raw, ok := body[key]
	if !ok || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	return bytes.NewReader(raw), nil
}

func (s *Server) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	body, err := envelope(r, "status_updates")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := store.DecodeWorkflowUpdate(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	found, err := s.projects.UpdateWorkflowStatus(chi.URLParam(r, "projectID"), u)
	s.reply(w, r, found, err)
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	body, err := envelope(r, "settings")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := store.DecodeSettingsUpdate(body)
	if err == nil {
		err = checkModelName(u.ModelFile)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	found, err := s.projects.UpdateSettings(chi.URLParam(r, "projectID"), u)
	s.reply(w, r, found, err)
}

func (s *Server) updateExcluded(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExcludedImages []string `json:"excluded_images"`
	}
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	found, err := s.projects.SetExcludedImages(chi.URLParam(r, "projectID"), req.ExcludedImages)
	s.reply(w, r, found, err)
}

func (s *Server) markReviewed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ImageName string `json:"image_name"`
	}
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ImageName == "" {
		s.writeError(w, r, fmt.Errorf("%w: image name is required", store.ErrValidation))
		return
	}
	found, err := s.projects.MarkReviewed(chi.URLParam(r, "projectID"), req.ImageName)
	s.reply(w, r, found, err)
}

func (s *Server) listFolder(folder store.Folder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "projectID")
		if !s.projects.Exists(id) {
			s.writeError(w, r, errNotFound)
			return
		}
		names, err := s.projects.ListImages(id, folder)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		urls := make([]string, len(names))
		for i, name := range names {
			urls[i] = fmt.Sprintf("/api/projects/%s/files/%s/%s", id, folder, name)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			string(folder): urls,
			"names":        names,
			"count":        len(names),
			"success":      true,
		})
	}
}

var servedFolders = map[store.Folder]bool{
	store.FolderImages:        true,
	store.FolderMasks:         true,
	store.FolderCards:         true,
	store.FolderCardsModified: true,
	store.FolderExports:       true,
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	folder := store.Folder(chi.URLParam(r, "folder"))
	name := chi.URLParam(r, "name")
	if !servedFolders[folder] || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		s.writeError(w, r, fmt.Errorf("%w: invalid file %s/%s", store.ErrValidation, folder, name))
		return
	}
	dir, ok := s.projects.Path(chi.URLParam(r, "projectID"), folder)
	if !ok {
		s.writeError(w, r, errNotFound)
		return
	}
	http.ServeFile(w, r, filepath.Join(dir, name))
}
