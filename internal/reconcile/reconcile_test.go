package reconcile

import (
	"testing"

	"github.com/pgsage/pgsage/internal/introspect"
	"github.com/pgsage/pgsage/internal/models"
)

func open(id int64, fingerprint, kind, table, sql string) models.Suggestion {
	return models.Suggestion{
		ID: id, Fingerprint: fingerprint, Kind: kind, TableName: table,
		ProposedSQL: sql, Status: models.SuggestionOpen,
	}
}

func TestPlanCreatesNewFindings(t *testing.T) {
	fresh := []models.Suggestion{
		{Fingerprint: "fp1", Title: "a"},
		{Fingerprint: "fp2", Title: "b"},
		{Fingerprint: "fp1", Title: "duplicate"},
	}
	ch := Plan(nil, fresh, &introspect.Snapshot{})
	if len(ch.Create) != 2 {
		t.Fatalf("create = %d, want 2 (duplicate fingerprint collapsed)", len(ch.Create))
	}
	if len(ch.Refresh)+len(ch.MarkApplied)+len(ch.MarkStale) != 0 {
		t.Fatalf("unexpected non-create changes: %+v", ch)
	}
}

func TestPlanRefreshesOpenInPlace(t *testing.T) {
	existing := []models.Suggestion{open(7, "fp1", models.KindMissingFKIndex, "orders", "")}
	fresh := []models.Suggestion{{Fingerprint: "fp1", Title: "reworded"}}

	ch := Plan(existing, fresh, &introspect.Snapshot{})
	if len(ch.Refresh) != 1 || ch.Refresh[0].ID != 7 {
		t.Fatalf("refresh = %+v, want existing row 7 updated in place", ch.Refresh)
	}
	if len(ch.Create) != 0 {
		t.Fatalf("unexpected creates: %+v", ch.Create)
	}
}

func TestPlanNeverResurrectsClosed(t *testing.T) {
	existing := []models.Suggestion{
		{ID: 1, Fingerprint: "fp1", Status: models.SuggestionApplied},
		{ID: 2, Fingerprint: "fp2", Status: models.SuggestionDismissed},
	}
	fresh := []models.Suggestion{
		{Fingerprint: "fp1", Title: "regenerated"},
		{Fingerprint: "fp2", Title: "regenerated"},
	}

	ch := Plan(existing, fresh, &introspect.Snapshot{})
	if len(ch.Create) != 0 || len(ch.Refresh) != 0 {
		t.Fatalf("closed suggestions resurrected: %+v", ch)
	}
	if ch.KeptClosed != 2 {
		t.Errorf("kept closed = %d, want 2", ch.KeptClosed)
	}
}

func TestPlanDetectsAppliedIndex(t *testing.T) {
	snap := &introspect.Snapshot{Tables: []introspect.Table{{
		Name:    "orders",
		Indexes: []introspect.Index{{Name: "idx_orders_customer_id", Columns: []string{"customer_id"}}},
	}}}
	existing := []models.Suggestion{open(3, "fp1", models.KindMissingFKIndex, "orders",
		"CREATE INDEX CONCURRENTLY idx_orders_customer_id ON orders (customer_id);")}

	ch := Plan(existing, nil, snap)
	if len(ch.MarkApplied) != 1 || ch.MarkApplied[0] != 3 {
		t.Fatalf("mark applied = %v, want [3]", ch.MarkApplied)
	}
	if len(ch.MarkStale) != 0 {
		t.Fatalf("mark stale = %v", ch.MarkStale)
	}
}

func TestPlanDetectsAddedPrimaryKey(t *testing.T) {
	snap := &introspect.Snapshot{Tables: []introspect.Table{{
		Name: "audit_log", PrimaryKey: []string{"id"},
	}}}
	existing := []models.Suggestion{open(4, "fp1", models.KindNoPrimaryKey, "audit_log", "")}

	ch := Plan(existing, nil, snap)
	if len(ch.MarkApplied) != 1 || ch.MarkApplied[0] != 4 {
		t.Fatalf("mark applied = %v, want [4]", ch.MarkApplied)
	}
}

func TestPlanDismissesStaleFindings(t *testing.T) {
	existing := []models.Suggestion{open(5, "fp1", models.KindHotFilterUnindexed, "orders",
		"CREATE INDEX CONCURRENTLY idx_orders_status ON orders (status);")}

	// Table vanished entirely, so the proposal cannot have been applied.
	ch := Plan(existing, nil, &introspect.Snapshot{})
	if len(ch.MarkStale) != 1 || ch.MarkStale[0] != 5 {
		t.Fatalf("mark stale = %v, want [5]", ch.MarkStale)
	}
}

func TestPlanLeavesUnparseableProposalsOpen(t *testing.T) {
	existing := []models.Suggestion{{
		ID: 7, Fingerprint: "fp1", Kind: models.KindAdvisor, TableName: "events",
		ProposedSQL: "CREATE INDEX CONCURRENTLY idx_events_lower_email ON events (lower(email));",
		Source:      models.SourceLLM, Status: models.SuggestionOpen,
	}}

	ch := Plan(existing, nil, &introspect.Snapshot{})
	if len(ch.MarkStale) != 0 || len(ch.MarkApplied) != 0 {
		t.Fatalf("expression-index proposal closed: %+v", ch)
	}
	if ch.KeptOpen != 1 {
		t.Errorf("kept open = %d, want 1", ch.KeptOpen)
	}
}

func TestPlanDismissesAbsentHeuristicWithoutSQL(t *testing.T) {
	existing := []models.Suggestion{{
		ID: 8, Fingerprint: "fp1", Kind: models.KindRiskyType, TableName: "orders",
		Source: models.SourceHeuristic, Status: models.SuggestionOpen,
	}}

	ch := Plan(existing, nil, &introspect.Snapshot{})
	if len(ch.MarkStale) != 1 || ch.MarkStale[0] != 8 {
		t.Fatalf("mark stale = %v, want [8]", ch.MarkStale)
	}
}

func TestParseCreateIndex(t *testing.T) {
	tests := []struct {
		sql     string
		table   string
		columns []string
		ok      bool
	}{
		{"CREATE INDEX idx ON orders (customer_id)", "orders", []string{"customer_id"}, true},
		{"CREATE UNIQUE INDEX CONCURRENTLY IF NOT EXISTS idx ON public.orders (a, b);", "orders", []string{"a", "b"}, true},
		{"create index on orders (status)", "orders", []string{"status"}, true},
		{"CREATE INDEX idx ON orders (lower(email))", "", nil, false},
		{"CREATE INDEX idx ON orders (name text_pattern_ops)", "", nil, false},
		{"ALTER TABLE orders ADD PRIMARY KEY (id)", "", nil, false},
		{"", "", nil, false},
	}
	for _, tt := range tests {
		table, cols, ok := parseCreateIndex(tt.sql)
		if ok != tt.ok || table != tt.table {
			t.Errorf("parseCreateIndex(%q) = %q, %v, %v", tt.sql, table, cols, ok)
			continue
		}
		if len(cols) != len(tt.columns) {
			t.Errorf("parseCreateIndex(%q) columns = %v, want %v", tt.sql, cols, tt.columns)
			continue
		}
		for i := range cols {
			if cols[i] != tt.columns[i] {
				t.Errorf("parseCreateIndex(%q) columns = %v, want %v", tt.sql, cols, tt.columns)
			}
		}
	}
}
