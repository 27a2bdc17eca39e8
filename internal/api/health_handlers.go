package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/pgsage/pgsage/internal/database"
)

type refreshQueueStatsProvider interface {
	RefreshQueueStats(ctx context.Context) (database.RefreshQueueStats, error)
}

type dbStatsProvider interface {
	DBStats() sql.DBStats
}

type healthResponse struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Queue     healthQueue    `json:"queue"`
	Database  healthDatabase `json:"database"`
	Errors    []string       `json:"errors,omitempty"`
}

type healthQueue struct {
	Depth                 int64   `json:"depth"`
	Running               int64   `json:"running"`
	Failed                int64   `json:"failed"`
	OldestQueuedAgeSecond float64 `json:"oldest_queued_age_seconds"`
}

type healthDatabase struct {
	Reachable       bool  `json:"reachable"`
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
	WaitDurationMS  int64 `json:"wait_duration_ms"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
	}

	if err := s.db.Ping(r.Context()); err != nil {
		resp.Errors = append(resp.Errors, "database_ping")
	} else {
		resp.Database.Reachable = true
	}

	if queueProvider, ok := s.db.(refreshQueueStatsProvider); ok {
		stats, err := queueProvider.RefreshQueueStats(r.Context())
		if err != nil {
			resp.Errors = append(resp.Errors, "refresh_queue_stats")
		} else {
			resp.Queue.Depth = stats.Queued
			resp.Queue.Running = stats.Running
			resp.Queue.Failed = stats.Failed
			if stats.OldestQueuedAt != nil {
				age := time.Since(stats.OldestQueuedAt.UTC()).Seconds()
				if age < 0 {
					age = 0
				}
				resp.Queue.OldestQueuedAgeSecond = age
			}
		}
	}

	if poolProvider, ok := s.db.(dbStatsProvider); ok {
		stats := poolProvider.DBStats()
		resp.Database.OpenConnections = stats.OpenConnections
		resp.Database.InUse = stats.InUse
		resp.Database.Idle = stats.Idle
		resp.Database.WaitCount = stats.WaitCount
		resp.Database.WaitDurationMS = stats.WaitDuration.Milliseconds()
	}

	if len(resp.Errors) > 0 {
		resp.Status = "degraded"
		jsonResponse(w, http.StatusServiceUnavailable, resp)
		return
	}
	jsonResponse(w, http.StatusOK, resp)
}
