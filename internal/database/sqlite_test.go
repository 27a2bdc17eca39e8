package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pgsage/pgsage/internal/models"
)

func openTestDB(t *testing.T) DB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return db
}

func seedProject(t *testing.T, db DB) *models.Project {
	t.Helper()
	ctx := context.Background()
	user := &models.User{Username: "owner", Email: "owner@example.com", PasswordHash: "x"}
	if err := db.CreateUser(ctx, user); err != nil {
		t.Fatal(err)
	}
	p := &models.Project{
		OwnerID:         user.ID,
		Name:            "shop",
		DatabaseDSN:     "postgres://app:secret@db:5432/app",
		GitHubOwner:     "acme",
		GitHubRepo:      "shop",
		RefreshInterval: 3600,
	}
	if err := db.CreateProject(ctx, p); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestProjectRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	p := seedProject(t, db)

	got, err := db.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DatabaseDSN != p.DatabaseDSN {
		t.Errorf("dsn = %q", got.DatabaseDSN)
	}
	if got.GitHubOwner != "acme" || !got.HasRepo() {
		t.Errorf("github fields = %+v", got)
	}

	got.Name = "shop-prod"
	got.RefreshInterval = 7200
	if err := db.UpdateProject(ctx, got); err != nil {
		t.Fatal(err)
	}
	updated, err := db.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Name != "shop-prod" || updated.RefreshInterval != 7200 {
		t.Errorf("update not persisted: %+v", updated)
	}

	// Duplicate name for the same owner conflicts.
	dup := &models.Project{OwnerID: p.OwnerID, Name: "shop-prod", DatabaseDSN: "postgres://x"}
	if err := db.CreateProject(ctx, dup); err == nil {
		t.Error("expected unique constraint error")
	}

	if err := db.DeleteProject(ctx, p.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetProject(ctx, p.ID); err == nil {
		t.Error("project still readable after delete")
	}
}

func TestDueProjects(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	p := seedProject(t, db)

	due, err := db.ListDueProjects(ctx, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("never-refreshed project should be due, got %d", len(due))
	}

	if err := db.TouchProjectRefreshed(ctx, p.ID, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	due, err = db.ListDueProjects(ctx, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("freshly touched project should not be due, got %d", len(due))
	}

	// An hour past the interval it is due again.
	due, err = db.ListDueProjects(ctx, time.Now().UTC().Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("expected project due after interval, got %d", len(due))
	}
}

func TestSnapshotLatest(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	p := seedProject(t, db)

	first := &models.SchemaSnapshot{ProjectID: p.ID, TableCount: 2, IndexCount: 3, Data: []byte(`{"tables":[]}`)}
	second := &models.SchemaSnapshot{ProjectID: p.ID, TableCount: 4, IndexCount: 5, Data: []byte(`{"tables":[]}`)}
	if err := db.SaveSnapshot(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveSnapshot(ctx, second); err != nil {
		t.Fatal(err)
	}

	latest, err := db.LatestSnapshot(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if latest.TableCount != 4 || latest.IndexCount != 5 {
		t.Fatalf("latest = %+v, want the second snapshot", latest)
	}
}

func TestSuggestionLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	p := seedProject(t, db)

	s := &models.Suggestion{
		ProjectID:   p.ID,
		Kind:        models.KindMissingFKIndex,
		TableName:   "orders",
		ColumnsCSV:  "customer_id",
		Title:       "Missing index",
		Severity:    models.SeverityWarn,
		Source:      models.SourceHeuristic,
		Status:      models.SuggestionOpen,
		Fingerprint: "missing_fk_index:orders:customer_id",
	}
	if err := db.CreateSuggestion(ctx, s); err != nil {
		t.Fatal(err)
	}
	if s.ID == 0 {
		t.Fatal("id not backfilled")
	}

	// Filters by status and kind.
	open, err := db.ListSuggestions(ctx, p.ID, string(models.SuggestionOpen), "", 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 {
		t.Fatalf("open = %d", len(open))
	}
	none, err := db.ListSuggestions(ctx, p.ID, string(models.SuggestionOpen), models.KindWideTable, 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Fatalf("kind filter leaked %d rows", len(none))
	}

	s.Title = "Foreign key orders(customer_id) has no supporting index"
	s.Severity = models.SeverityCritical
	if err := db.UpdateSuggestionContent(ctx, s); err != nil {
		t.Fatal(err)
	}

	if err := db.UpdateSuggestionStatus(ctx, s.ID, models.SuggestionApplied, "manual", ""); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetSuggestion(ctx, p.ID, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.SuggestionApplied || got.AppliedVia != "manual" {
		t.Fatalf("got = %+v", got)
	}
	if got.AppliedAt == nil {
		t.Error("applied_at not set")
	}
	if got.Title != s.Title || got.Severity != models.SeverityCritical {
		t.Errorf("content update lost: %+v", got)
	}

	if err := db.UpdateSuggestionStatus(ctx, s.ID, models.SuggestionDismissed, "", "nah"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetSuggestion(ctx, p.ID, s.ID)
	if got.Status != models.SuggestionDismissed || got.DismissReason != "nah" {
		t.Fatalf("dismiss = %+v", got)
	}
}

func TestCodeScanAndUsage(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	p := seedProject(t, db)

	scan := &models.CodeScan{ProjectID: p.ID, UID: "scan-1", Status: models.ScanRunning}
	if err := db.CreateCodeScan(ctx, scan); err != nil {
		t.Fatal(err)
	}

	scan.Status = models.ScanCompleted
	scan.Ref = "abc1234"
	scan.FilesScanned = 12
	scan.PatternsMatched = 40
	if err := db.FinishCodeScan(ctx, scan); err != nil {
		t.Fatal(err)
	}

	usage := []models.ColumnUsage{
		{TableName: "orders", ColumnName: "status", Context: models.UsageFilter, Hits: 7},
		{TableName: "orders", ColumnName: "placed_at", Context: models.UsageOrder, Hits: 2},
	}
	if err := db.ReplaceColumnUsage(ctx, p.ID, scan.ID, usage); err != nil {
		t.Fatal(err)
	}

	rows, err := db.ListScanUsage(ctx, p.ID, scan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("usage rows = %d", len(rows))
	}

	latest, err := db.LatestColumnUsage(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 2 {
		t.Fatalf("latest usage rows = %d", len(latest))
	}

	// A newer completed scan supersedes the old usage.
	scan2 := &models.CodeScan{ProjectID: p.ID, UID: "scan-2", Status: models.ScanRunning}
	if err := db.CreateCodeScan(ctx, scan2); err != nil {
		t.Fatal(err)
	}
	scan2.Status = models.ScanCompleted
	if err := db.FinishCodeScan(ctx, scan2); err != nil {
		t.Fatal(err)
	}
	if err := db.ReplaceColumnUsage(ctx, p.ID, scan2.ID, usage[:1]); err != nil {
		t.Fatal(err)
	}
	latest, err = db.LatestColumnUsage(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 1 || latest[0].ColumnName != "status" {
		t.Fatalf("latest usage = %+v", latest)
	}

	scans, err := db.ListCodeScans(ctx, p.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(scans) != 2 {
		t.Fatalf("scans = %d", len(scans))
	}
}

func TestRefreshQueueStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	p := seedProject(t, db)

	job := &models.RefreshJob{
		ProjectID:     p.ID,
		JobType:       models.RefreshJobTypeSchema,
		Status:        models.RefreshJobQueued,
		MaxAttempts:   3,
		NextAttemptAt: time.Now().UTC(),
	}
	if err := db.EnqueueRefreshJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	stats, err := db.RefreshQueueStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Queued != 1 || stats.Running != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.OldestQueuedAt == nil {
		t.Error("oldest queued timestamp missing")
	}
}
