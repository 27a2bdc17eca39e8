package models

import (
	"strings"
	"time"
)

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}

// Project links a monitored Postgres database with an optional GitHub
// repository whose code is scanned for query patterns.
type Project struct {
	ID              int64      `json:"id"`
	OwnerID         int64      `json:"owner_id"`
	Name            string     `json:"name"`
	DatabaseDSN     string     `json:"-"`
	GitHubOwner     string     `json:"github_owner,omitempty"`
	GitHubRepo      string     `json:"github_repo,omitempty"`
	GitHubRef       string     `json:"github_ref,omitempty"`
	RefreshInterval int64      `json:"refresh_interval_secs"` // seconds between scheduled refreshes
	LastRefreshedAt *time.Time `json:"last_refreshed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (p *Project) RefreshEvery() time.Duration {
	return time.Duration(p.RefreshInterval) * time.Second
}

func (p *Project) HasRepo() bool {
	return p.GitHubOwner != "" && p.GitHubRepo != ""
}

// SchemaSnapshot is one introspection result. Data holds the JSON-encoded
// snapshot produced by the introspect package.
type SchemaSnapshot struct {
	ID          int64     `json:"id"`
	ProjectID   int64     `json:"project_id"`
	TableCount  int       `json:"table_count"`
	IndexCount  int       `json:"index_count"`
	Data        []byte    `json:"-"`
	CollectedAt time.Time `json:"collected_at"`
}

type SuggestionStatus string

const (
	SuggestionOpen      SuggestionStatus = "open"
	SuggestionApplied   SuggestionStatus = "applied"
	SuggestionDismissed SuggestionStatus = "dismissed"
)

type SuggestionSource string

const (
	SourceHeuristic SuggestionSource = "heuristic"
	SourceLLM       SuggestionSource = "llm"
)

const (
	SeverityInfo     = "info"
	SeverityWarn     = "warn"
	SeverityCritical = "critical"
)

// Suggestion kinds produced by the analyzers.
const (
	KindMissingFKIndex     = "missing_fk_index"
	KindHotFilterUnindexed = "hot_filter_unindexed"
	KindNoPrimaryKey       = "no_primary_key"
	KindRiskyType          = "risky_type"
	KindWideTable          = "wide_table"
	KindAdvisor            = "advisor"
)

type Suggestion struct {
	ID            int64            `json:"id"`
	ProjectID     int64            `json:"project_id"`
	Kind          string           `json:"kind"`
	TableName     string           `json:"table"`
	ColumnsCSV    string           `json:"-"`
	Columns       []string         `json:"columns,omitempty"`
	Title         string           `json:"title"`
	Detail        string           `json:"detail"`
	ProposedSQL   string           `json:"proposed_sql,omitempty"`
	Severity      string           `json:"severity"`
	Source        SuggestionSource `json:"source"`
	Status        SuggestionStatus `json:"status"`
	AppliedVia    string           `json:"applied_via,omitempty"` // "manual" or "detected"
	DismissReason string           `json:"dismiss_reason,omitempty"`
	Fingerprint   string           `json:"-"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	AppliedAt     *time.Time       `json:"applied_at,omitempty"`
	DismissedAt   *time.Time       `json:"dismissed_at,omitempty"`
}

// SplitColumns populates Columns from ColumnsCSV.
func (s *Suggestion) SplitColumns() {
	s.Columns = SplitCSV(s.ColumnsCSV)
}

type RefreshJobStatus string

const (
	RefreshJobQueued    RefreshJobStatus = "queued"
	RefreshJobRunning   RefreshJobStatus = "running"
	RefreshJobCompleted RefreshJobStatus = "completed"
	RefreshJobFailed    RefreshJobStatus = "failed"
)

type RefreshJobType string

const (
	RefreshJobTypeSchema   RefreshJobType = "schema_refresh"
	RefreshJobTypeCodeScan RefreshJobType = "code_scan"
)

// RefreshJob is a persisted unit of background work for a project. At most
// one queued-or-running job per (project, type) exists at a time.
type RefreshJob struct {
	ID            int64            `json:"id"`
	ProjectID     int64            `json:"project_id"`
	JobType       RefreshJobType   `json:"job_type"`
	Status        RefreshJobStatus `json:"status"`
	AttemptCount  int              `json:"attempt_count"`
	MaxAttempts   int              `json:"max_attempts"`
	LastError     string           `json:"last_error,omitempty"`
	NextAttemptAt time.Time        `json:"next_attempt_at"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
}

const (
	ScanRunning   = "running"
	ScanCompleted = "completed"
	ScanFailed    = "failed"
)

type CodeScan struct {
	ID              int64      `json:"id"`
	ProjectID       int64      `json:"project_id"`
	UID             string     `json:"uid"`
	Status          string     `json:"status"`
	Ref             string     `json:"ref,omitempty"`
	FilesScanned    int        `json:"files_scanned"`
	PatternsMatched int        `json:"patterns_matched"`
	Error           string     `json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Usage contexts recorded by the code scanner.
const (
	UsageFilter = "filter"
	UsageOrder  = "order"
	UsageJoin   = "join"
)

type ColumnUsage struct {
	ID         int64  `json:"id"`
	ProjectID  int64  `json:"project_id"`
	ScanID     int64  `json:"scan_id"`
	TableName  string `json:"table,omitempty"`
	ColumnName string `json:"column"`
	Context    string `json:"context"`
	Hits       int    `json:"hits"`
}

func SplitCSV(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func JoinCSV(cols []string) string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return strings.Join(out, ",")
}
