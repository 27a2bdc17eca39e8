package api

import (
	"net/http"

	"github.com/pgsage/pgsage/internal/models"
)

const (
	defaultScansPerPage = 20
	maxScansPerPage     = 100
)

func (s *Server) handleTriggerScan(w http.ResponseWriter, r *http.Request) {
	project, ok := s.loadOwnedProject(w, r)
	if !ok {
		return
	}
	if !project.HasRepo() {
		jsonError(w, "project has no GitHub repository configured", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	pending, err := s.queue.Status(ctx, project.ID, models.RefreshJobTypeCodeScan)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if pending != nil && (pending.Status == models.RefreshJobQueued || pending.Status == models.RefreshJobRunning) {
		jsonError(w, "a code scan is already in progress", http.StatusConflict)
		return
	}

	job, err := s.queue.Enqueue(ctx, project.ID, models.RefreshJobTypeCodeScan)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusAccepted, job)
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	project, ok := s.loadOwnedProject(w, r)
	if !ok {
		return
	}

	page, perPage := parsePagination(r, defaultScansPerPage, maxScansPerPage)
	scans, err := s.db.ListCodeScans(r.Context(), project.ID, perPage, (page-1)*perPage)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusOK, scans)
}

func (s *Server) handleScanUsage(w http.ResponseWriter, r *http.Request) {
	project, ok := s.loadOwnedProject(w, r)
	if !ok {
		return
	}
	sid, ok := parsePathPositiveInt(w, r, "sid", "scan id")
	if !ok {
		return
	}

	scan, err := s.db.GetCodeScan(r.Context(), project.ID, sid)
	if err != nil {
		jsonError(w, "scan not found", http.StatusNotFound)
		return
	}
	usage, err := s.db.ListScanUsage(r.Context(), project.ID, scan.ID)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusOK, usage)
}
