package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pgsage/pgsage/internal/models"

	_ "modernc.org/sqlite"
)

type SQLiteDB struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and foreign keys
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}
	return &SQLiteDB{db: db}, nil
}

func (s *SQLiteDB) Close() error { return s.db.Close() }

func (s *SQLiteDB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteDB) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	is_admin INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS projects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	database_dsn TEXT NOT NULL,
	github_owner TEXT NOT NULL DEFAULT '',
	github_repo TEXT NOT NULL DEFAULT '',
	github_ref TEXT NOT NULL DEFAULT '',
	refresh_interval_secs INTEGER NOT NULL DEFAULT 21600,
	last_refreshed_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(owner_id, name)
);

CREATE TABLE IF NOT EXISTS schema_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	table_count INTEGER NOT NULL DEFAULT 0,
	index_count INTEGER NOT NULL DEFAULT 0,
	data BLOB NOT NULL,
	collected_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS suggestions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	table_name TEXT NOT NULL DEFAULT '',
	columns_csv TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	proposed_sql TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL DEFAULT 'info',
	source TEXT NOT NULL DEFAULT 'heuristic',
	status TEXT NOT NULL DEFAULT 'open',
	applied_via TEXT NOT NULL DEFAULT '',
	dismiss_reason TEXT NOT NULL DEFAULT '',
	fingerprint TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	applied_at DATETIME,
	dismissed_at DATETIME,
	UNIQUE(project_id, fingerprint)
);

CREATE TABLE IF NOT EXISTS refresh_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	job_type TEXT NOT NULL DEFAULT 'schema_refresh',
	status TEXT NOT NULL DEFAULT 'queued',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	last_error TEXT NOT NULL DEFAULT '',
	next_attempt_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at DATETIME,
	completed_at DATETIME,
	UNIQUE (project_id, job_type)
);

CREATE TABLE IF NOT EXISTS code_scans (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	uid TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL DEFAULT 'running',
	ref TEXT NOT NULL DEFAULT '',
	files_scanned INTEGER NOT NULL DEFAULT 0,
	patterns_matched INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS column_usage (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	scan_id INTEGER NOT NULL REFERENCES code_scans(id) ON DELETE CASCADE,
	table_name TEXT NOT NULL DEFAULT '',
	column_name TEXT NOT NULL,
	context TEXT NOT NULL,
	hits INTEGER NOT NULL DEFAULT 0,
	UNIQUE(scan_id, table_name, column_name, context)
);

CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_snapshots_project ON schema_snapshots(project_id, collected_at DESC);
CREATE INDEX IF NOT EXISTS idx_suggestions_project_status ON suggestions(project_id, status, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_refresh_jobs_claim ON refresh_jobs(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_code_scans_project ON code_scans(project_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_column_usage_project ON column_usage(project_id, scan_id);
`

// --- Users ---

func (s *SQLiteDB) CreateUser(ctx context.Context, u *models.User) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, email, password_hash, is_admin) VALUES (?, ?, ?, ?)`,
		u.Username, u.Email, u.PasswordHash, u.IsAdmin)
	if err != nil {
		return err
	}
	u.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteDB) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, is_admin, created_at FROM users WHERE id = ?`, id))
}

func (s *SQLiteDB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, is_admin, created_at FROM users WHERE username = ?`, username))
}

func (s *SQLiteDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, is_admin, created_at FROM users WHERE email = ?`, email))
}

func (s *SQLiteDB) scanUser(row *sql.Row) (*models.User, error) {
	u := &models.User{}
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt); err != nil {
		return nil, err
	}
	return u, nil
}

// --- Projects ---

const sqliteProjectCols = `id, owner_id, name, database_dsn, github_owner, github_repo, github_ref, refresh_interval_secs, last_refreshed_at, created_at`

func (s *SQLiteDB) CreateProject(ctx context.Context, p *models.Project) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (owner_id, name, database_dsn, github_owner, github_repo, github_ref, refresh_interval_secs)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.OwnerID, p.Name, p.DatabaseDSN, p.GitHubOwner, p.GitHubRepo, p.GitHubRef, p.RefreshInterval)
	if err != nil {
		return err
	}
	p.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteDB) GetProject(ctx context.Context, id int64) (*models.Project, error) {
	return scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteProjectCols+` FROM projects WHERE id = ?`, id))
}

func (s *SQLiteDB) ListProjects(ctx context.Context, ownerID int64) ([]models.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteProjectCols+` FROM projects WHERE owner_id = ? ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProjects(rows)
}

func (s *SQLiteDB) UpdateProject(ctx context.Context, p *models.Project) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET name = ?, database_dsn = ?, github_owner = ?, github_repo = ?, github_ref = ?, refresh_interval_secs = ?
		 WHERE id = ?`,
		p.Name, p.DatabaseDSN, p.GitHubOwner, p.GitHubRepo, p.GitHubRef, p.RefreshInterval, p.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteDB) DeleteProject(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	return err
}

func (s *SQLiteDB) TouchProjectRefreshed(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET last_refreshed_at = datetime(?) WHERE id = ?`, sqliteTimestamp(at), id)
	return err
}

func (s *SQLiteDB) ListDueProjects(ctx context.Context, now time.Time) ([]models.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteProjectCols+` FROM projects
		 WHERE refresh_interval_secs > 0
		   AND (last_refreshed_at IS NULL
				OR datetime(last_refreshed_at, '+' || refresh_interval_secs || ' seconds') <= datetime(?))
		 ORDER BY id ASC`, sqliteTimestamp(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProjects(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*models.Project, error) {
	p := &models.Project{}
	var lastRefreshed sql.NullTime
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.DatabaseDSN, &p.GitHubOwner, &p.GitHubRepo, &p.GitHubRef,
		&p.RefreshInterval, &lastRefreshed, &p.CreatedAt); err != nil {
		return nil, err
	}
	if lastRefreshed.Valid {
		t := lastRefreshed.Time.UTC()
		p.LastRefreshedAt = &t
	}
	return p, nil
}

func collectProjects(rows *sql.Rows) ([]models.Project, error) {
	var out []models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// --- Schema snapshots ---

func (s *SQLiteDB) SaveSnapshot(ctx context.Context, snap *models.SchemaSnapshot) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO schema_snapshots (project_id, table_count, index_count, data) VALUES (?, ?, ?, ?)`,
		snap.ProjectID, snap.TableCount, snap.IndexCount, snap.Data)
	if err != nil {
		return err
	}
	snap.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteDB) LatestSnapshot(ctx context.Context, projectID int64) (*models.SchemaSnapshot, error) {
	snap := &models.SchemaSnapshot{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, table_count, index_count, data, collected_at
		 FROM schema_snapshots WHERE project_id = ?
		 ORDER BY collected_at DESC, id DESC LIMIT 1`, projectID).
		Scan(&snap.ID, &snap.ProjectID, &snap.TableCount, &snap.IndexCount, &snap.Data, &snap.CollectedAt)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// --- Suggestions ---

const sqliteSuggestionCols = `id, project_id, kind, table_name, columns_csv, title, detail, proposed_sql, severity, source, status, applied_via, dismiss_reason, fingerprint, created_at, updated_at, applied_at, dismissed_at`

func (s *SQLiteDB) CreateSuggestion(ctx context.Context, sg *models.Suggestion) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO suggestions (project_id, kind, table_name, columns_csv, title, detail, proposed_sql, severity, source, status, fingerprint)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sg.ProjectID, sg.Kind, sg.TableName, sg.ColumnsCSV, sg.Title, sg.Detail, sg.ProposedSQL,
		sg.Severity, sg.Source, sg.Status, sg.Fingerprint)
	if err != nil {
		return err
	}
	sg.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteDB) GetSuggestion(ctx context.Context, projectID, id int64) (*models.Suggestion, error) {
	return scanSuggestion(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSuggestionCols+` FROM suggestions WHERE project_id = ? AND id = ?`, projectID, id))
}

func (s *SQLiteDB) ListSuggestions(ctx context.Context, projectID int64, status, kind string, limit, offset int) ([]models.Suggestion, error) {
	query := `SELECT ` + sqliteSuggestionCols + ` FROM suggestions WHERE project_id = ?`
	args := []any{projectID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSuggestions(rows)
}

func (s *SQLiteDB) ListAllSuggestions(ctx context.Context, projectID int64) ([]models.Suggestion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteSuggestionCols+` FROM suggestions WHERE project_id = ? ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSuggestions(rows)
}

func (s *SQLiteDB) UpdateSuggestionContent(ctx context.Context, sg *models.Suggestion) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE suggestions SET title = ?, detail = ?, proposed_sql = ?, severity = ?, source = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		sg.Title, sg.Detail, sg.ProposedSQL, sg.Severity, sg.Source, sg.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteDB) UpdateSuggestionStatus(ctx context.Context, id int64, status models.SuggestionStatus, appliedVia, dismissReason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE suggestions
		 SET status = ?,
			 applied_via = ?,
			 dismiss_reason = ?,
			 applied_at = CASE WHEN ? = 'applied' THEN CURRENT_TIMESTAMP ELSE applied_at END,
			 dismissed_at = CASE WHEN ? = 'dismissed' THEN CURRENT_TIMESTAMP ELSE dismissed_at END,
			 updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		status, appliedVia, dismissReason, status, status, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanSuggestion(row rowScanner) (*models.Suggestion, error) {
	sg := &models.Suggestion{}
	var source, status string
	var appliedAt, dismissedAt sql.NullTime
	if err := row.Scan(&sg.ID, &sg.ProjectID, &sg.Kind, &sg.TableName, &sg.ColumnsCSV, &sg.Title, &sg.Detail,
		&sg.ProposedSQL, &sg.Severity, &source, &status, &sg.AppliedVia, &sg.DismissReason, &sg.Fingerprint,
		&sg.CreatedAt, &sg.UpdatedAt, &appliedAt, &dismissedAt); err != nil {
		return nil, err
	}
	sg.Source = models.SuggestionSource(source)
	sg.Status = models.SuggestionStatus(status)
	if appliedAt.Valid {
		t := appliedAt.Time.UTC()
		sg.AppliedAt = &t
	}
	if dismissedAt.Valid {
		t := dismissedAt.Time.UTC()
		sg.DismissedAt = &t
	}
	sg.SplitColumns()
	return sg, nil
}

func collectSuggestions(rows *sql.Rows) ([]models.Suggestion, error) {
	var out []models.Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sg)
	}
	return out, rows.Err()
}

// --- Refresh jobs ---

const sqliteRefreshJobCols = `id, project_id, job_type, status, attempt_count, max_attempts, last_error, next_attempt_at, created_at, updated_at, started_at, completed_at`

func (s *SQLiteDB) EnqueueRefreshJob(ctx context.Context, job *models.RefreshJob) error {
	jobType := job.JobType
	if jobType == "" {
		jobType = models.RefreshJobTypeSchema
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	nextAttemptAt := job.NextAttemptAt
	if nextAttemptAt.IsZero() {
		nextAttemptAt = time.Now().UTC()
	}
	nextAttempt := sqliteTimestamp(nextAttemptAt)

	// A queued or running job is left untouched; terminal jobs are reset to
	// queued so a project can be refreshed again.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_jobs (project_id, job_type, status, attempt_count, max_attempts, last_error, next_attempt_at)
		 VALUES (?, ?, ?, 0, ?, '', datetime(?))
		 ON CONFLICT(project_id, job_type) DO UPDATE SET
			 status = CASE
				WHEN refresh_jobs.status IN (?, ?) THEN refresh_jobs.status
				ELSE ?
			 END,
			 attempt_count = CASE
				WHEN refresh_jobs.status IN (?, ?) THEN refresh_jobs.attempt_count
				ELSE 0
			 END,
			 last_error = CASE
				WHEN refresh_jobs.status IN (?, ?) THEN refresh_jobs.last_error
				ELSE ''
			 END,
			 next_attempt_at = CASE
				WHEN refresh_jobs.status IN (?, ?) THEN refresh_jobs.next_attempt_at
				ELSE excluded.next_attempt_at
			 END,
			 started_at = CASE
				WHEN refresh_jobs.status IN (?, ?) THEN refresh_jobs.started_at
				ELSE NULL
			 END,
			 completed_at = CASE
				WHEN refresh_jobs.status IN (?, ?) THEN refresh_jobs.completed_at
				ELSE NULL
			 END,
			 updated_at = CURRENT_TIMESTAMP`,
		job.ProjectID, jobType, models.RefreshJobQueued, maxAttempts, nextAttempt,
		models.RefreshJobQueued, models.RefreshJobRunning, models.RefreshJobQueued,
		models.RefreshJobQueued, models.RefreshJobRunning,
		models.RefreshJobQueued, models.RefreshJobRunning,
		models.RefreshJobQueued, models.RefreshJobRunning,
		models.RefreshJobQueued, models.RefreshJobRunning,
		models.RefreshJobQueued, models.RefreshJobRunning,
	)
	if err != nil {
		return err
	}

	loaded, err := s.GetRefreshJobStatus(ctx, job.ProjectID, jobType)
	if err != nil {
		return err
	}
	if loaded == nil {
		return sql.ErrNoRows
	}
	*job = *loaded
	return nil
}

func (s *SQLiteDB) ClaimRefreshJob(ctx context.Context) (*models.RefreshJob, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE refresh_jobs
		 SET status = ?,
			 attempt_count = attempt_count + 1,
			 started_at = CURRENT_TIMESTAMP,
			 completed_at = NULL,
			 updated_at = CURRENT_TIMESTAMP
		 WHERE id = (
			 SELECT id
			 FROM refresh_jobs
			 WHERE status = ?
			   AND datetime(next_attempt_at) <= CURRENT_TIMESTAMP
			 ORDER BY next_attempt_at ASC, id ASC
			 LIMIT 1
		 )
		 RETURNING `+sqliteRefreshJobCols,
		models.RefreshJobRunning, models.RefreshJobQueued,
	)
	job, err := scanRefreshJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

func (s *SQLiteDB) CompleteRefreshJob(ctx context.Context, jobID int64, status models.RefreshJobStatus, errMsg string) error {
	trimmedErr := strings.TrimSpace(errMsg)
	switch status {
	case models.RefreshJobCompleted:
		trimmedErr = ""
	case models.RefreshJobFailed:
		if trimmedErr == "" {
			trimmedErr = "job failed"
		}
	default:
		return fmt.Errorf("unsupported terminal status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_jobs
		 SET status = ?,
			 last_error = ?,
			 completed_at = CURRENT_TIMESTAMP,
			 updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		status, trimmedErr, jobID, models.RefreshJobRunning,
	)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteDB) RequeueRefreshJob(ctx context.Context, jobID int64, errMsg string, nextAttemptAt time.Time) error {
	trimmedErr := strings.TrimSpace(errMsg)
	if trimmedErr == "" {
		trimmedErr = "job failed"
	}
	if nextAttemptAt.IsZero() {
		nextAttemptAt = time.Now().UTC()
	}
	nextAttempt := sqliteTimestamp(nextAttemptAt)
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_jobs
		 SET status = CASE
				 WHEN attempt_count >= max_attempts THEN ?
				 ELSE ?
			 END,
			 last_error = ?,
			 next_attempt_at = CASE
				 WHEN attempt_count >= max_attempts THEN next_attempt_at
				 ELSE datetime(?)
			 END,
			 started_at = NULL,
			 completed_at = CASE
				 WHEN attempt_count >= max_attempts THEN CURRENT_TIMESTAMP
				 ELSE NULL
			 END,
			 updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		models.RefreshJobFailed, models.RefreshJobQueued, trimmedErr, nextAttempt, jobID, models.RefreshJobRunning,
	)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteDB) GetRefreshJobStatus(ctx context.Context, projectID int64, jobType models.RefreshJobType) (*models.RefreshJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRefreshJobCols+` FROM refresh_jobs WHERE project_id = ? AND job_type = ?`,
		projectID, jobType,
	)
	job, err := scanRefreshJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

func (s *SQLiteDB) RefreshQueueStats(ctx context.Context) (RefreshQueueStats, error) {
	var stats RefreshQueueStats
	var oldestQueued sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT
			 COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS queued,
			 COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
			 COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
			 MIN(CASE WHEN status = ? THEN next_attempt_at END) AS oldest_queued_at
		 FROM refresh_jobs`,
		models.RefreshJobQueued,
		models.RefreshJobRunning,
		models.RefreshJobFailed,
		models.RefreshJobQueued,
	).Scan(&stats.Queued, &stats.Running, &stats.Failed, &oldestQueued)
	if err != nil {
		return RefreshQueueStats{}, err
	}
	if oldestQueued.Valid {
		t := oldestQueued.Time.UTC()
		stats.OldestQueuedAt = &t
	}
	return stats, nil
}

func scanRefreshJob(row rowScanner) (*models.RefreshJob, error) {
	var job models.RefreshJob
	var jobType, status string
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(
		&job.ID,
		&job.ProjectID,
		&jobType,
		&status,
		&job.AttemptCount,
		&job.MaxAttempts,
		&job.LastError,
		&job.NextAttemptAt,
		&job.CreatedAt,
		&job.UpdatedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	job.JobType = models.RefreshJobType(jobType)
	job.Status = models.RefreshJobStatus(status)
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		job.CompletedAt = &t
	}
	return &job, nil
}

func sqliteTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

// --- Code scans ---

const sqliteCodeScanCols = `id, project_id, uid, status, ref, files_scanned, patterns_matched, error, started_at, completed_at`

func (s *SQLiteDB) CreateCodeScan(ctx context.Context, scan *models.CodeScan) error {
	if scan.Status == "" {
		scan.Status = models.ScanRunning
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO code_scans (project_id, uid, status, ref) VALUES (?, ?, ?, ?)`,
		scan.ProjectID, scan.UID, scan.Status, scan.Ref)
	if err != nil {
		return err
	}
	scan.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteDB) FinishCodeScan(ctx context.Context, scan *models.CodeScan) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE code_scans
		 SET status = ?, ref = ?, files_scanned = ?, patterns_matched = ?, error = ?, completed_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		scan.Status, scan.Ref, scan.FilesScanned, scan.PatternsMatched, scan.Error, scan.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteDB) GetCodeScan(ctx context.Context, projectID, id int64) (*models.CodeScan, error) {
	return scanCodeScan(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteCodeScanCols+` FROM code_scans WHERE project_id = ? AND id = ?`, projectID, id))
}

func (s *SQLiteDB) ListCodeScans(ctx context.Context, projectID int64, limit, offset int) ([]models.CodeScan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteCodeScanCols+` FROM code_scans WHERE project_id = ?
		 ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`, projectID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.CodeScan
	for rows.Next() {
		scan, err := scanCodeScan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *scan)
	}
	return out, rows.Err()
}

func scanCodeScan(row rowScanner) (*models.CodeScan, error) {
	scan := &models.CodeScan{}
	var completedAt sql.NullTime
	if err := row.Scan(&scan.ID, &scan.ProjectID, &scan.UID, &scan.Status, &scan.Ref,
		&scan.FilesScanned, &scan.PatternsMatched, &scan.Error, &scan.StartedAt, &completedAt); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		scan.CompletedAt = &t
	}
	return scan, nil
}

// --- Column usage ---

func (s *SQLiteDB) ReplaceColumnUsage(ctx context.Context, projectID, scanID int64, usage []models.ColumnUsage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM column_usage WHERE scan_id = ?`, scanID); err != nil {
		return err
	}
	for _, u := range usage {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO column_usage (project_id, scan_id, table_name, column_name, context, hits)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			projectID, scanID, u.TableName, u.ColumnName, u.Context, u.Hits); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteDB) ListScanUsage(ctx context.Context, projectID, scanID int64) ([]models.ColumnUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, scan_id, table_name, column_name, context, hits
		 FROM column_usage WHERE project_id = ? AND scan_id = ?
		 ORDER BY hits DESC, table_name ASC, column_name ASC`, projectID, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectColumnUsage(rows)
}

func (s *SQLiteDB) LatestColumnUsage(ctx context.Context, projectID int64) ([]models.ColumnUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, scan_id, table_name, column_name, context, hits
		 FROM column_usage
		 WHERE scan_id = (
			 SELECT id FROM code_scans
			 WHERE project_id = ? AND status = ?
			 ORDER BY started_at DESC, id DESC
			 LIMIT 1
		 )
		 ORDER BY hits DESC, table_name ASC, column_name ASC`, projectID, models.ScanCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectColumnUsage(rows)
}

func collectColumnUsage(rows *sql.Rows) ([]models.ColumnUsage, error) {
	var out []models.ColumnUsage
	for rows.Next() {
		var u models.ColumnUsage
		if err := rows.Scan(&u.ID, &u.ProjectID, &u.ScanID, &u.TableName, &u.ColumnName, &u.Context, &u.Hits); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
