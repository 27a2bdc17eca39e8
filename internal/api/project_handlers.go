package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pgsage/pgsage/internal/auth"
	"github.com/pgsage/pgsage/internal/models"
)

type projectRequest struct {
	Name            string `json:"name"`
	DatabaseDSN     string `json:"database_dsn"`
	GitHubOwner     string `json:"github_owner"`
	GitHubRepo      string `json:"github_repo"`
	GitHubRef       string `json:"github_ref"`
	RefreshInterval int64  `json:"refresh_interval_secs"`
}

// loadOwnedProject resolves {id} and enforces ownership. Projects owned by
// other users read as not found rather than forbidden.
func (s *Server) loadOwnedProject(w http.ResponseWriter, r *http.Request) (*models.Project, bool) {
	id, ok := parsePathPositiveInt(w, r, "id", "project id")
	if !ok {
		return nil, false
	}
	project, err := s.db.GetProject(r.Context(), id)
	if err != nil {
		jsonError(w, "project not found", http.StatusNotFound)
		return nil, false
	}
	claims := auth.GetClaims(r.Context())
	if project.OwnerID != claims.UserID {
		jsonError(w, "project not found", http.StatusNotFound)
		return nil, false
	}
	return project, true
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		jsonError(w, "name is required", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.DatabaseDSN) == "" {
		jsonError(w, "database_dsn is required", http.StatusBadRequest)
		return
	}
	if (req.GitHubOwner == "") != (req.GitHubRepo == "") {
		jsonError(w, "github_owner and github_repo must be set together", http.StatusBadRequest)
		return
	}

	claims := auth.GetClaims(r.Context())
	project := &models.Project{
		OwnerID:         claims.UserID,
		Name:            req.Name,
		DatabaseDSN:     strings.TrimSpace(req.DatabaseDSN),
		GitHubOwner:     req.GitHubOwner,
		GitHubRepo:      req.GitHubRepo,
		GitHubRef:       req.GitHubRef,
		RefreshInterval: req.RefreshInterval,
	}
	if project.RefreshInterval <= 0 {
		project.RefreshInterval = 6 * 60 * 60
	}
	if err := s.db.CreateProject(r.Context(), project); err != nil {
		jsonError(w, "project name already in use", http.StatusConflict)
		return
	}

	// First refresh runs right away instead of waiting for the scheduler.
	if _, err := s.queue.Enqueue(r.Context(), project.ID, models.RefreshJobTypeSchema); err != nil {
		s.logger.Warn("enqueue initial refresh failed", "project_id", project.ID, "error", err)
	}
	if project.HasRepo() {
		if _, err := s.queue.Enqueue(r.Context(), project.ID, models.RefreshJobTypeCodeScan); err != nil {
			s.logger.Warn("enqueue initial code scan failed", "project_id", project.ID, "error", err)
		}
	}

	jsonResponse(w, http.StatusCreated, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	projects, err := s.db.ListProjects(r.Context(), claims.UserID)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusOK, projects)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, ok := s.loadOwnedProject(w, r)
	if !ok {
		return
	}
	jsonResponse(w, http.StatusOK, project)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	project, ok := s.loadOwnedProject(w, r)
	if !ok {
		return
	}

	var req projectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		project.Name = name
	}
	// Empty DSN keeps the stored one; the API never reads it back out.
	if dsn := strings.TrimSpace(req.DatabaseDSN); dsn != "" {
		project.DatabaseDSN = dsn
	}
	project.GitHubOwner = req.GitHubOwner
	project.GitHubRepo = req.GitHubRepo
	project.GitHubRef = req.GitHubRef
	if req.RefreshInterval > 0 {
		project.RefreshInterval = req.RefreshInterval
	}
	if (project.GitHubOwner == "") != (project.GitHubRepo == "") {
		jsonError(w, "github_owner and github_repo must be set together", http.StatusBadRequest)
		return
	}

	if err := s.db.UpdateProject(r.Context(), project); err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusOK, project)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	project, ok := s.loadOwnedProject(w, r)
	if !ok {
		return
	}
	if err := s.db.DeleteProject(r.Context(), project.ID); err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
