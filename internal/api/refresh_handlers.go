package api

import (
	"net/http"

	"github.com/pgsage/pgsage/internal/models"
)

type refreshStatusResponse struct {
	Schema   *models.RefreshJob `json:"schema_refresh"`
	CodeScan *models.RefreshJob `json:"code_scan,omitempty"`
}

func (s *Server) handleTriggerRefresh(w http.ResponseWriter, r *http.Request) {
	project, ok := s.loadOwnedProject(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	pending, err := s.queue.Status(ctx, project.ID, models.RefreshJobTypeSchema)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if pending != nil && (pending.Status == models.RefreshJobQueued || pending.Status == models.RefreshJobRunning) {
		jsonError(w, "a refresh is already in progress", http.StatusConflict)
		return
	}

	schema, err := s.queue.Enqueue(ctx, project.ID, models.RefreshJobTypeSchema)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	resp := refreshStatusResponse{Schema: schema}
	if project.HasRepo() {
		scan, err := s.queue.Enqueue(ctx, project.ID, models.RefreshJobTypeCodeScan)
		if err != nil {
			jsonError(w, "internal error", http.StatusInternalServerError)
			return
		}
		resp.CodeScan = scan
	}
	jsonResponse(w, http.StatusAccepted, resp)
}

func (s *Server) handleRefreshStatus(w http.ResponseWriter, r *http.Request) {
	project, ok := s.loadOwnedProject(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	schema, err := s.queue.Status(ctx, project.ID, models.RefreshJobTypeSchema)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	scan, err := s.queue.Status(ctx, project.ID, models.RefreshJobTypeCodeScan)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusOK, refreshStatusResponse{Schema: schema, CodeScan: scan})
}
