package api

import (
	"net/http"
	"time"

	"github.com/pgsage/pgsage/internal/introspect"
)

type schemaResponse struct {
	CollectedAt time.Time          `json:"collected_at"`
	TableCount  int                `json:"table_count"`
	IndexCount  int                `json:"index_count"`
	Tables      []introspect.Table `json:"tables"`
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	project, ok := s.loadOwnedProject(w, r)
	if !ok {
		return
	}

	stored, err := s.db.LatestSnapshot(r.Context(), project.ID)
	if err != nil {
		jsonError(w, "no schema snapshot yet", http.StatusNotFound)
		return
	}
	snap, err := introspect.Decode(stored.Data)
	if err != nil {
		jsonError(w, "stored snapshot is corrupt", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusOK, schemaResponse{
		CollectedAt: stored.CollectedAt,
		TableCount:  stored.TableCount,
		IndexCount:  stored.IndexCount,
		Tables:      snap.Tables,
	})
}
