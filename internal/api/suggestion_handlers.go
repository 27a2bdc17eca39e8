package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pgsage/pgsage/internal/models"
	"github.com/pgsage/pgsage/internal/reconcile"
)

const (
	defaultSuggestionsPerPage = 50
	maxSuggestionsPerPage     = 100
)

func (s *Server) handleListSuggestions(w http.ResponseWriter, r *http.Request) {
	project, ok := s.loadOwnedProject(w, r)
	if !ok {
		return
	}

	status := strings.TrimSpace(r.URL.Query().Get("status"))
	switch status {
	case "", string(models.SuggestionOpen), string(models.SuggestionApplied), string(models.SuggestionDismissed):
	default:
		jsonError(w, "invalid status filter", http.StatusBadRequest)
		return
	}
	kind := strings.TrimSpace(r.URL.Query().Get("kind"))

	page, perPage := parsePagination(r, defaultSuggestionsPerPage, maxSuggestionsPerPage)
	suggestions, err := s.db.ListSuggestions(r.Context(), project.ID, status, kind, perPage, (page-1)*perPage)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	for i := range suggestions {
		suggestions[i].SplitColumns()
	}
	jsonResponse(w, http.StatusOK, suggestions)
}

func (s *Server) loadOpenSuggestion(w http.ResponseWriter, r *http.Request, projectID int64) (*models.Suggestion, bool) {
	sid, ok := parsePathPositiveInt(w, r, "sid", "suggestion id")
	if !ok {
		return nil, false
	}
	suggestion, err := s.db.GetSuggestion(r.Context(), projectID, sid)
	if err != nil {
		jsonError(w, "suggestion not found", http.StatusNotFound)
		return nil, false
	}
	if suggestion.Status != models.SuggestionOpen {
		jsonError(w, "suggestion is already "+string(suggestion.Status), http.StatusConflict)
		return nil, false
	}
	return suggestion, true
}

func (s *Server) handleApplySuggestion(w http.ResponseWriter, r *http.Request) {
	project, ok := s.loadOwnedProject(w, r)
	if !ok {
		return
	}
	suggestion, ok := s.loadOpenSuggestion(w, r, project.ID)
	if !ok {
		return
	}

	if err := s.db.UpdateSuggestionStatus(r.Context(), suggestion.ID, models.SuggestionApplied, reconcile.AppliedViaManual, ""); err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	updated, err := s.db.GetSuggestion(r.Context(), project.ID, suggestion.ID)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	updated.SplitColumns()
	jsonResponse(w, http.StatusOK, updated)
}

type dismissRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDismissSuggestion(w http.ResponseWriter, r *http.Request) {
	project, ok := s.loadOwnedProject(w, r)
	if !ok {
		return
	}
	suggestion, ok := s.loadOpenSuggestion(w, r, project.ID)
	if !ok {
		return
	}

	var req dismissRequest
	if r.Body != nil {
		// Body is optional; a bare POST dismisses without a reason.
		json.NewDecoder(r.Body).Decode(&req)
	}

	if err := s.db.UpdateSuggestionStatus(r.Context(), suggestion.ID, models.SuggestionDismissed, "", strings.TrimSpace(req.Reason)); err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	updated, err := s.db.GetSuggestion(r.Context(), project.ID, suggestion.ID)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	updated.SplitColumns()
	jsonResponse(w, http.StatusOK, updated)
}
