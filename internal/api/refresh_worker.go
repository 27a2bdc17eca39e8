package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/pgsage/pgsage/internal/analyze"
	"github.com/pgsage/pgsage/internal/database"
	"github.com/pgsage/pgsage/internal/introspect"
	"github.com/pgsage/pgsage/internal/jobs"
	"github.com/pgsage/pgsage/internal/models"
	"github.com/pgsage/pgsage/internal/reconcile"
	"github.com/pgsage/pgsage/internal/scanner"
)

// SchemaIntrospector connects to a project database and collects its schema.
type SchemaIntrospector interface {
	Collect(ctx context.Context, dsn string) (*introspect.Snapshot, error)
}

// CodeScanner fetches a repository and extracts column usage from its code.
type CodeScanner interface {
	Scan(ctx context.Context, owner, repo, ref string, snap *introspect.Snapshot) (*scanner.Result, error)
}

// SuggestionAdvisor produces model-generated suggestions for a snapshot.
type SuggestionAdvisor interface {
	Suggest(ctx context.Context, snap *introspect.Snapshot, usage []models.ColumnUsage) ([]models.Suggestion, error)
}

// refreshRunner executes refresh jobs. Schema refreshes introspect, analyze,
// and reconcile; code scans collect column usage and trigger a follow-up
// schema refresh so new usage feeds into suggestions.
type refreshRunner struct {
	db           database.DB
	queue        *jobs.Queue
	introspector SchemaIntrospector
	scanner      CodeScanner
	advisor      SuggestionAdvisor
	logger       *slog.Logger
	metrics      *httpMetrics
}

func (rr *refreshRunner) process(ctx context.Context, job *models.RefreshJob) error {
	if job == nil {
		return fmt.Errorf("refresh job is nil")
	}

	tracer := otel.Tracer(apiTracerName)
	ctx, span := tracer.Start(ctx, "refresh "+string(job.JobType))
	span.SetAttributes(
		attribute.Int64("pgsage.project_id", job.ProjectID),
		attribute.String("pgsage.job_type", string(job.JobType)),
	)
	defer span.End()

	var err error
	switch job.JobType {
	case models.RefreshJobTypeSchema:
		err = rr.processSchemaRefresh(ctx, job)
	case models.RefreshJobTypeCodeScan:
		err = rr.processCodeScan(ctx, job)
	default:
		err = fmt.Errorf("unsupported refresh job type %q", job.JobType)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if rr.metrics != nil {
		rr.metrics.refreshRuns.WithLabelValues(string(job.JobType), outcome).Inc()
	}
	return err
}

func (rr *refreshRunner) processSchemaRefresh(ctx context.Context, job *models.RefreshJob) error {
	if rr.introspector == nil {
		return fmt.Errorf("no introspector configured")
	}
	project, err := rr.db.GetProject(ctx, job.ProjectID)
	if err != nil {
		return fmt.Errorf("load project %d: %w", job.ProjectID, err)
	}

	snap, err := rr.introspector.Collect(ctx, project.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("introspect project %d: %w", project.ID, err)
	}

	data, err := snap.Encode()
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := rr.db.SaveSnapshot(ctx, &models.SchemaSnapshot{
		ProjectID:   project.ID,
		TableCount:  len(snap.Tables),
		IndexCount:  snap.IndexCount(),
		Data:        data,
		CollectedAt: snap.CollectedAt,
	}); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	usage, err := rr.db.LatestColumnUsage(ctx, project.ID)
	if err != nil {
		rr.logger.Warn("loading column usage failed, analyzing without it",
			"project_id", project.ID, "error", err)
		usage = nil
	}

	fresh := analyze.Run(snap, usage)
	if rr.metrics != nil {
		rr.metrics.suggestionsGenerated.WithLabelValues(string(models.SourceHeuristic)).Add(float64(len(fresh)))
	}

	// Advisor failures degrade to heuristic-only results.
	if rr.advisor != nil {
		advised, err := rr.advisor.Suggest(ctx, snap, usage)
		if err != nil {
			rr.logger.Warn("advisor failed, keeping heuristic suggestions only",
				"project_id", project.ID, "error", err)
		} else {
			fresh = append(fresh, advised...)
			if rr.metrics != nil {
				rr.metrics.suggestionsGenerated.WithLabelValues(string(models.SourceLLM)).Add(float64(len(advised)))
			}
		}
	}

	existing, err := rr.db.ListAllSuggestions(ctx, project.ID)
	if err != nil {
		return fmt.Errorf("list suggestions: %w", err)
	}
	changes := reconcile.Plan(existing, fresh, snap)
	if err := reconcile.Apply(ctx, rr.db, project.ID, changes); err != nil {
		return err
	}

	if err := rr.db.TouchProjectRefreshed(ctx, project.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("touch project: %w", err)
	}

	rr.logger.Info("schema refresh complete",
		"project_id", project.ID,
		"tables", len(snap.Tables),
		"created", len(changes.Create),
		"refreshed", len(changes.Refresh),
		"detected_applied", len(changes.MarkApplied),
		"dismissed_stale", len(changes.MarkStale))
	return nil
}

func (rr *refreshRunner) processCodeScan(ctx context.Context, job *models.RefreshJob) error {
	project, err := rr.db.GetProject(ctx, job.ProjectID)
	if err != nil {
		return fmt.Errorf("load project %d: %w", job.ProjectID, err)
	}
	if !project.HasRepo() {
		rr.logger.Info("code scan skipped, project has no repository", "project_id", project.ID)
		return nil
	}
	if rr.scanner == nil {
		return fmt.Errorf("no code scanner configured")
	}

	// Usage rows only make sense against a known schema.
	stored, err := rr.db.LatestSnapshot(ctx, project.ID)
	if err != nil {
		return fmt.Errorf("project %d has no schema snapshot yet: %w", project.ID, err)
	}
	snap, err := introspect.Decode(stored.Data)
	if err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	scanRow := &models.CodeScan{
		ProjectID: project.ID,
		UID:       uuid.NewString(),
		Status:    models.ScanRunning,
	}
	if err := rr.db.CreateCodeScan(ctx, scanRow); err != nil {
		return fmt.Errorf("create code scan: %w", err)
	}

	result, err := rr.scanner.Scan(ctx, project.GitHubOwner, project.GitHubRepo, project.GitHubRef, snap)
	if err != nil {
		scanRow.Status = models.ScanFailed
		scanRow.Error = err.Error()
		if finishErr := rr.db.FinishCodeScan(ctx, scanRow); finishErr != nil {
			rr.logger.Error("marking scan failed", "scan_id", scanRow.ID, "error", finishErr)
		}
		return fmt.Errorf("scan %s/%s: %w", project.GitHubOwner, project.GitHubRepo, err)
	}

	scanRow.Status = models.ScanCompleted
	scanRow.Ref = result.Ref
	scanRow.FilesScanned = result.FilesScanned
	scanRow.PatternsMatched = result.PatternsMatched
	if err := rr.db.FinishCodeScan(ctx, scanRow); err != nil {
		return fmt.Errorf("finish code scan: %w", err)
	}
	if err := rr.db.ReplaceColumnUsage(ctx, project.ID, scanRow.ID, result.Usage); err != nil {
		return fmt.Errorf("store column usage: %w", err)
	}

	// Fold the new usage into suggestions without waiting a full interval.
	if rr.queue != nil {
		if _, err := rr.queue.Enqueue(ctx, project.ID, models.RefreshJobTypeSchema); err != nil {
			rr.logger.Warn("enqueue follow-up refresh failed", "project_id", project.ID, "error", err)
		}
	}

	rr.logger.Info("code scan complete",
		"project_id", project.ID,
		"ref", result.Ref,
		"files", result.FilesScanned,
		"usage_rows", len(result.Usage))
	return nil
}
