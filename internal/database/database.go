package database

import (
	"context"
	"time"

	"github.com/pgsage/pgsage/internal/models"
)

// DB defines the data access interface. Implemented by SQLite and PostgreSQL backends.
type DB interface {
	Close() error
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error

	// Users
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	// Projects
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id int64) (*models.Project, error)
	ListProjects(ctx context.Context, ownerID int64) ([]models.Project, error)
	UpdateProject(ctx context.Context, p *models.Project) error
	DeleteProject(ctx context.Context, id int64) error
	TouchProjectRefreshed(ctx context.Context, id int64, at time.Time) error
	ListDueProjects(ctx context.Context, now time.Time) ([]models.Project, error)

	// Schema snapshots
	SaveSnapshot(ctx context.Context, snap *models.SchemaSnapshot) error
	LatestSnapshot(ctx context.Context, projectID int64) (*models.SchemaSnapshot, error)

	// Suggestions
	CreateSuggestion(ctx context.Context, s *models.Suggestion) error
	GetSuggestion(ctx context.Context, projectID, id int64) (*models.Suggestion, error)
	ListSuggestions(ctx context.Context, projectID int64, status, kind string, limit, offset int) ([]models.Suggestion, error)
	ListAllSuggestions(ctx context.Context, projectID int64) ([]models.Suggestion, error)
	UpdateSuggestionContent(ctx context.Context, s *models.Suggestion) error
	UpdateSuggestionStatus(ctx context.Context, id int64, status models.SuggestionStatus, appliedVia, dismissReason string) error

	// Refresh jobs
	EnqueueRefreshJob(ctx context.Context, job *models.RefreshJob) error
	ClaimRefreshJob(ctx context.Context) (*models.RefreshJob, error)
	CompleteRefreshJob(ctx context.Context, jobID int64, status models.RefreshJobStatus, errMsg string) error
	RequeueRefreshJob(ctx context.Context, jobID int64, errMsg string, nextAttemptAt time.Time) error
	GetRefreshJobStatus(ctx context.Context, projectID int64, jobType models.RefreshJobType) (*models.RefreshJob, error)
	RefreshQueueStats(ctx context.Context) (RefreshQueueStats, error)

	// Code scans
	CreateCodeScan(ctx context.Context, scan *models.CodeScan) error
	FinishCodeScan(ctx context.Context, scan *models.CodeScan) error
	GetCodeScan(ctx context.Context, projectID, id int64) (*models.CodeScan, error)
	ListCodeScans(ctx context.Context, projectID int64, limit, offset int) ([]models.CodeScan, error)

	// Column usage
	ReplaceColumnUsage(ctx context.Context, projectID, scanID int64, rows []models.ColumnUsage) error
	ListScanUsage(ctx context.Context, projectID, scanID int64) ([]models.ColumnUsage, error)
	LatestColumnUsage(ctx context.Context, projectID int64) ([]models.ColumnUsage, error)
}

// RefreshQueueStats summarizes refresh queue status for the health endpoint.
type RefreshQueueStats struct {
	Queued         int64
	Running        int64
	Failed         int64
	OldestQueuedAt *time.Time
}
