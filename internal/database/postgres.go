package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pgsage/pgsage/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresDB struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*PostgresDB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return &PostgresDB{db: db}, nil
}

func (p *PostgresDB) Close() error { return p.db.Close() }

func (p *PostgresDB) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresDB) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, pgSchema)
	return err
}

func (p *PostgresDB) DBStats() sql.DBStats {
	return p.db.Stats()
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	is_admin BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS projects (
	id BIGSERIAL PRIMARY KEY,
	owner_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	database_dsn TEXT NOT NULL,
	github_owner TEXT NOT NULL DEFAULT '',
	github_repo TEXT NOT NULL DEFAULT '',
	github_ref TEXT NOT NULL DEFAULT '',
	refresh_interval_secs BIGINT NOT NULL DEFAULT 21600,
	last_refreshed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE(owner_id, name)
);

CREATE TABLE IF NOT EXISTS schema_snapshots (
	id BIGSERIAL PRIMARY KEY,
	project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	table_count INTEGER NOT NULL DEFAULT 0,
	index_count INTEGER NOT NULL DEFAULT 0,
	data BYTEA NOT NULL,
	collected_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS suggestions (
	id BIGSERIAL PRIMARY KEY,
	project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
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
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	applied_at TIMESTAMPTZ,
	dismissed_at TIMESTAMPTZ,
	UNIQUE(project_id, fingerprint)
);

CREATE TABLE IF NOT EXISTS refresh_jobs (
	id BIGSERIAL PRIMARY KEY,
	project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	job_type TEXT NOT NULL DEFAULT 'schema_refresh',
	status TEXT NOT NULL DEFAULT 'queued',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	last_error TEXT NOT NULL DEFAULT '',
	next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	UNIQUE (project_id, job_type)
);

CREATE TABLE IF NOT EXISTS code_scans (
	id BIGSERIAL PRIMARY KEY,
	project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	uid TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL DEFAULT 'running',
	ref TEXT NOT NULL DEFAULT '',
	files_scanned INTEGER NOT NULL DEFAULT 0,
	patterns_matched INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS column_usage (
	id BIGSERIAL PRIMARY KEY,
	project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	scan_id BIGINT NOT NULL REFERENCES code_scans(id) ON DELETE CASCADE,
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

func (p *PostgresDB) CreateUser(ctx context.Context, u *models.User) error {
	return p.db.QueryRowContext(ctx,
		`INSERT INTO users (username, email, password_hash, is_admin) VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		u.Username, u.Email, u.PasswordHash, u.IsAdmin).Scan(&u.ID, &u.CreatedAt)
}

func (p *PostgresDB) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, is_admin, created_at FROM users WHERE id = $1`, id))
}

func (p *PostgresDB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, is_admin, created_at FROM users WHERE username = $1`, username))
}

func (p *PostgresDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, is_admin, created_at FROM users WHERE email = $1`, email))
}

func (p *PostgresDB) scanUser(row *sql.Row) (*models.User, error) {
	u := &models.User{}
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt); err != nil {
		return nil, err
	}
	return u, nil
}

// --- Projects ---

const pgProjectCols = `id, owner_id, name, database_dsn, github_owner, github_repo, github_ref, refresh_interval_secs, last_refreshed_at, created_at`

func (p *PostgresDB) CreateProject(ctx context.Context, pr *models.Project) error {
	return p.db.QueryRowContext(ctx,
		`INSERT INTO projects (owner_id, name, database_dsn, github_owner, github_repo, github_ref, refresh_interval_secs)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at`,
		pr.OwnerID, pr.Name, pr.DatabaseDSN, pr.GitHubOwner, pr.GitHubRepo, pr.GitHubRef, pr.RefreshInterval).
		Scan(&pr.ID, &pr.CreatedAt)
}

func (p *PostgresDB) GetProject(ctx context.Context, id int64) (*models.Project, error) {
	return scanProject(p.db.QueryRowContext(ctx,
		`SELECT `+pgProjectCols+` FROM projects WHERE id = $1`, id))
}

func (p *PostgresDB) ListProjects(ctx context.Context, ownerID int64) ([]models.Project, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+pgProjectCols+` FROM projects WHERE owner_id = $1 ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProjects(rows)
}

func (p *PostgresDB) UpdateProject(ctx context.Context, pr *models.Project) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE projects SET name = $1, database_dsn = $2, github_owner = $3, github_repo = $4, github_ref = $5, refresh_interval_secs = $6
		 WHERE id = $7`,
		pr.Name, pr.DatabaseDSN, pr.GitHubOwner, pr.GitHubRepo, pr.GitHubRef, pr.RefreshInterval, pr.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (p *PostgresDB) DeleteProject(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	return err
}

func (p *PostgresDB) TouchProjectRefreshed(ctx context.Context, id int64, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE projects SET last_refreshed_at = $1 WHERE id = $2`, at.UTC(), id)
	return err
}

func (p *PostgresDB) ListDueProjects(ctx context.Context, now time.Time) ([]models.Project, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+pgProjectCols+` FROM projects
		 WHERE refresh_interval_secs > 0
		   AND (last_refreshed_at IS NULL
				OR last_refreshed_at + make_interval(secs => refresh_interval_secs) <= $1)
		 ORDER BY id ASC`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProjects(rows)
}

// --- Schema snapshots ---

func (p *PostgresDB) SaveSnapshot(ctx context.Context, snap *models.SchemaSnapshot) error {
	return p.db.QueryRowContext(ctx,
		`INSERT INTO schema_snapshots (project_id, table_count, index_count, data)
		 VALUES ($1, $2, $3, $4) RETURNING id, collected_at`,
		snap.ProjectID, snap.TableCount, snap.IndexCount, snap.Data).
		Scan(&snap.ID, &snap.CollectedAt)
}

func (p *PostgresDB) LatestSnapshot(ctx context.Context, projectID int64) (*models.SchemaSnapshot, error) {
	snap := &models.SchemaSnapshot{}
	err := p.db.QueryRowContext(ctx,
		`SELECT id, project_id, table_count, index_count, data, collected_at
		 FROM schema_snapshots WHERE project_id = $1
		 ORDER BY collected_at DESC, id DESC LIMIT 1`, projectID).
		Scan(&snap.ID, &snap.ProjectID, &snap.TableCount, &snap.IndexCount, &snap.Data, &snap.CollectedAt)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// --- Suggestions ---

const pgSuggestionCols = `id, project_id, kind, table_name, columns_csv, title, detail, proposed_sql, severity, source, status, applied_via, dismiss_reason, fingerprint, created_at, updated_at, applied_at, dismissed_at`

func (p *PostgresDB) CreateSuggestion(ctx context.Context, sg *models.Suggestion) error {
	return p.db.QueryRowContext(ctx,
		`INSERT INTO suggestions (project_id, kind, table_name, columns_csv, title, detail, proposed_sql, severity, source, status, fingerprint)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id, created_at, updated_at`,
		sg.ProjectID, sg.Kind, sg.TableName, sg.ColumnsCSV, sg.Title, sg.Detail, sg.ProposedSQL,
		sg.Severity, sg.Source, sg.Status, sg.Fingerprint).
		Scan(&sg.ID, &sg.CreatedAt, &sg.UpdatedAt)
}

func (p *PostgresDB) GetSuggestion(ctx context.Context, projectID, id int64) (*models.Suggestion, error) {
	return scanSuggestion(p.db.QueryRowContext(ctx,
		`SELECT `+pgSuggestionCols+` FROM suggestions WHERE project_id = $1 AND id = $2`, projectID, id))
}

func (p *PostgresDB) ListSuggestions(ctx context.Context, projectID int64, status, kind string, limit, offset int) ([]models.Suggestion, error) {
	query := `SELECT ` + pgSuggestionCols + ` FROM suggestions WHERE project_id = $1`
	args := []any{projectID}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if kind != "" {
		args = append(args, kind)
		query += fmt.Sprintf(` AND kind = $%d`, len(args))
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(` ORDER BY updated_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSuggestions(rows)
}

func (p *PostgresDB) ListAllSuggestions(ctx context.Context, projectID int64) ([]models.Suggestion, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+pgSuggestionCols+` FROM suggestions WHERE project_id = $1 ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSuggestions(rows)
}

func (p *PostgresDB) UpdateSuggestionContent(ctx context.Context, sg *models.Suggestion) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE suggestions SET title = $1, detail = $2, proposed_sql = $3, severity = $4, source = $5, updated_at = NOW()
		 WHERE id = $6`,
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

func (p *PostgresDB) UpdateSuggestionStatus(ctx context.Context, id int64, status models.SuggestionStatus, appliedVia, dismissReason string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE suggestions
		 SET status = $1,
			 applied_via = $2,
			 dismiss_reason = $3,
			 applied_at = CASE WHEN $1 = 'applied' THEN NOW() ELSE applied_at END,
			 dismissed_at = CASE WHEN $1 = 'dismissed' THEN NOW() ELSE dismissed_at END,
			 updated_at = NOW()
		 WHERE id = $4`,
		string(status), appliedVia, dismissReason, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- Refresh jobs ---

const pgRefreshJobCols = `id, project_id, job_type, status, attempt_count, max_attempts, last_error, next_attempt_at, created_at, updated_at, started_at, completed_at`

func (p *PostgresDB) EnqueueRefreshJob(ctx context.Context, job *models.RefreshJob) error {
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

	// A queued or running job is left untouched; terminal jobs are reset to
	// queued so a project can be refreshed again.
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO refresh_jobs (project_id, job_type, status, attempt_count, max_attempts, last_error, next_attempt_at)
		 VALUES ($1, $2, $3, 0, $4, '', $5)
		 ON CONFLICT(project_id, job_type) DO UPDATE SET
			 status = CASE
				WHEN refresh_jobs.status IN ($3, $6) THEN refresh_jobs.status
				ELSE $3
			 END,
			 attempt_count = CASE
				WHEN refresh_jobs.status IN ($3, $6) THEN refresh_jobs.attempt_count
				ELSE 0
			 END,
			 last_error = CASE
				WHEN refresh_jobs.status IN ($3, $6) THEN refresh_jobs.last_error
				ELSE ''
			 END,
			 next_attempt_at = CASE
				WHEN refresh_jobs.status IN ($3, $6) THEN refresh_jobs.next_attempt_at
				ELSE excluded.next_attempt_at
			 END,
			 started_at = CASE
				WHEN refresh_jobs.status IN ($3, $6) THEN refresh_jobs.started_at
				ELSE NULL
			 END,
			 completed_at = CASE
				WHEN refresh_jobs.status IN ($3, $6) THEN refresh_jobs.completed_at
				ELSE NULL
			 END,
			 updated_at = NOW()`,
		job.ProjectID, jobType, string(models.RefreshJobQueued), maxAttempts, nextAttemptAt.UTC(),
		string(models.RefreshJobRunning),
	)
	if err != nil {
		return err
	}

	loaded, err := p.GetRefreshJobStatus(ctx, job.ProjectID, jobType)
	if err != nil {
		return err
	}
	if loaded == nil {
		return sql.ErrNoRows
	}
	*job = *loaded
	return nil
}

func (p *PostgresDB) ClaimRefreshJob(ctx context.Context) (*models.RefreshJob, error) {
	row := p.db.QueryRowContext(ctx,
		`UPDATE refresh_jobs
		 SET status = $1,
			 attempt_count = attempt_count + 1,
			 started_at = NOW(),
			 completed_at = NULL,
			 updated_at = NOW()
		 WHERE id = (
			 SELECT id
			 FROM refresh_jobs
			 WHERE status = $2
			   AND next_attempt_at <= NOW()
			 ORDER BY next_attempt_at ASC, id ASC
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+pgRefreshJobCols,
		string(models.RefreshJobRunning), string(models.RefreshJobQueued),
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

func (p *PostgresDB) CompleteRefreshJob(ctx context.Context, jobID int64, status models.RefreshJobStatus, errMsg string) error {
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
	res, err := p.db.ExecContext(ctx,
		`UPDATE refresh_jobs
		 SET status = $1,
			 last_error = $2,
			 completed_at = NOW(),
			 updated_at = NOW()
		 WHERE id = $3 AND status = $4`,
		string(status), trimmedErr, jobID, string(models.RefreshJobRunning),
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

func (p *PostgresDB) RequeueRefreshJob(ctx context.Context, jobID int64, errMsg string, nextAttemptAt time.Time) error {
	trimmedErr := strings.TrimSpace(errMsg)
	if trimmedErr == "" {
		trimmedErr = "job failed"
	}
	if nextAttemptAt.IsZero() {
		nextAttemptAt = time.Now().UTC()
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE refresh_jobs
		 SET status = CASE
				 WHEN attempt_count >= max_attempts THEN $1
				 ELSE $2
			 END,
			 last_error = $3,
			 next_attempt_at = CASE
				 WHEN attempt_count >= max_attempts THEN next_attempt_at
				 ELSE $4
			 END,
			 started_at = NULL,
			 completed_at = CASE
				 WHEN attempt_count >= max_attempts THEN NOW()
				 ELSE NULL
			 END,
			 updated_at = NOW()
		 WHERE id = $5 AND status = $6`,
		string(models.RefreshJobFailed), string(models.RefreshJobQueued), trimmedErr, nextAttemptAt.UTC(),
		jobID, string(models.RefreshJobRunning),
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

func (p *PostgresDB) GetRefreshJobStatus(ctx context.Context, projectID int64, jobType models.RefreshJobType) (*models.RefreshJob, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+pgRefreshJobCols+` FROM refresh_jobs WHERE project_id = $1 AND job_type = $2`,
		projectID, string(jobType),
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

func (p *PostgresDB) RefreshQueueStats(ctx context.Context) (RefreshQueueStats, error) {
	var stats RefreshQueueStats
	var oldestQueued sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`SELECT
			 COALESCE(SUM(CASE WHEN status = $1 THEN 1 ELSE 0 END), 0) AS queued,
			 COALESCE(SUM(CASE WHEN status = $2 THEN 1 ELSE 0 END), 0) AS running,
			 COALESCE(SUM(CASE WHEN status = $3 THEN 1 ELSE 0 END), 0) AS failed,
			 MIN(CASE WHEN status = $1 THEN next_attempt_at END) AS oldest_queued_at
		 FROM refresh_jobs`,
		string(models.RefreshJobQueued),
		string(models.RefreshJobRunning),
		string(models.RefreshJobFailed),
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

// --- Code scans ---

const pgCodeScanCols = `id, project_id, uid, status, ref, files_scanned, patterns_matched, error, started_at, completed_at`

func (p *PostgresDB) CreateCodeScan(ctx context.Context, scan *models.CodeScan) error {
	if scan.Status == "" {
		scan.Status = models.ScanRunning
	}
	return p.db.QueryRowContext(ctx,
		`INSERT INTO code_scans (project_id, uid, status, ref) VALUES ($1, $2, $3, $4) RETURNING id, started_at`,
		scan.ProjectID, scan.UID, scan.Status, scan.Ref).
		Scan(&scan.ID, &scan.StartedAt)
}

func (p *PostgresDB) FinishCodeScan(ctx context.Context, scan *models.CodeScan) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE code_scans
		 SET status = $1, ref = $2, files_scanned = $3, patterns_matched = $4, error = $5, completed_at = NOW()
		 WHERE id = $6`,
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

func (p *PostgresDB) GetCodeScan(ctx context.Context, projectID, id int64) (*models.CodeScan, error) {
	return scanCodeScan(p.db.QueryRowContext(ctx,
		`SELECT `+pgCodeScanCols+` FROM code_scans WHERE project_id = $1 AND id = $2`, projectID, id))
}

func (p *PostgresDB) ListCodeScans(ctx context.Context, projectID int64, limit, offset int) ([]models.CodeScan, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+pgCodeScanCols+` FROM code_scans WHERE project_id = $1
		 ORDER BY started_at DESC, id DESC LIMIT $2 OFFSET $3`, projectID, limit, offset)
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

// --- Column usage ---

func (p *PostgresDB) ReplaceColumnUsage(ctx context.Context, projectID, scanID int64, usage []models.ColumnUsage) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM column_usage WHERE scan_id = $1`, scanID); err != nil {
		return err
	}
	for _, u := range usage {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO column_usage (project_id, scan_id, table_name, column_name, context, hits)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			projectID, scanID, u.TableName, u.ColumnName, u.Context, u.Hits); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresDB) ListScanUsage(ctx context.Context, projectID, scanID int64) ([]models.ColumnUsage, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, project_id, scan_id, table_name, column_name, context, hits
		 FROM column_usage WHERE project_id = $1 AND scan_id = $2
		 ORDER BY hits DESC, table_name ASC, column_name ASC`, projectID, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectColumnUsage(rows)
}

func (p *PostgresDB) LatestColumnUsage(ctx context.Context, projectID int64) ([]models.ColumnUsage, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, project_id, scan_id, table_name, column_name, context, hits
		 FROM column_usage
		 WHERE scan_id = (
			 SELECT id FROM code_scans
			 WHERE project_id = $1 AND status = $2
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
