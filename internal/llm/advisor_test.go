package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pgsage/pgsage/internal/introspect"
	"github.com/pgsage/pgsage/internal/models"
)

type stubCompleter struct {
	response string
	err      error
	lastUser string
}

func (s *stubCompleter) Complete(_ context.Context, _, user string) (string, error) {
	s.lastUser = user
	return s.response, s.err
}

func advisorSnapshot() *introspect.Snapshot {
	return &introspect.Snapshot{Tables: []introspect.Table{
		{
			Name:        "orders",
			RowEstimate: 1200,
			Columns: []introspect.Column{
				{Name: "id", DataType: "bigint"},
				{Name: "status", DataType: "text", Nullable: true},
			},
			PrimaryKey: []string{"id"},
		},
	}}
}

func TestSuggestParsesAndValidates(t *testing.T) {
	stub := &stubCompleter{response: `[
		{"table": "orders", "columns": ["status"], "title": "Partial index on open orders",
		 "detail": "Most queries filter status = 'open'.",
		 "proposed_sql": "CREATE INDEX CONCURRENTLY idx_orders_open ON orders (id) WHERE status = 'open';",
		 "severity": "warn"},
		{"table": "ghost", "columns": ["x"], "title": "bad table", "severity": "warn"},
		{"table": "orders", "columns": ["nope"], "title": "bad column", "severity": "warn"},
		{"table": "orders", "columns": [], "title": "odd severity", "detail": "d", "severity": "URGENT"}
	]`}

	a := NewAdvisor(stub, AdvisorOptions{})
	got, err := a.Suggest(context.Background(), advisorSnapshot(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d suggestions, want 2 (unknown table and column dropped)", len(got))
	}

	s := got[0]
	if s.Kind != models.KindAdvisor || s.Source != models.SourceLLM || s.Status != models.SuggestionOpen {
		t.Errorf("kind/source/status = %q/%q/%q", s.Kind, s.Source, s.Status)
	}
	if s.TableName != "orders" || s.ColumnsCSV != "status" {
		t.Errorf("table/columns = %q/%q", s.TableName, s.ColumnsCSV)
	}
	if s.Fingerprint == "" {
		t.Error("fingerprint not set")
	}
	if got[1].Severity != models.SeverityInfo {
		t.Errorf("unknown severity should normalize to info, got %q", got[1].Severity)
	}
}

func TestSuggestStripsCodeFences(t *testing.T) {
	stub := &stubCompleter{response: "```json\n[{\"table\": \"orders\", \"title\": \"t\", \"severity\": \"info\"}]\n```"}
	a := NewAdvisor(stub, AdvisorOptions{})
	got, err := a.Suggest(context.Background(), advisorSnapshot(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d suggestions, want 1", len(got))
	}
}

func TestSuggestPropagatesErrors(t *testing.T) {
	wantErr := errors.New("rate limited")
	a := NewAdvisor(&stubCompleter{err: wantErr}, AdvisorOptions{})
	if _, err := a.Suggest(context.Background(), advisorSnapshot(), nil); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}

	a = NewAdvisor(&stubCompleter{response: "I cannot help with that."}, AdvisorOptions{})
	if _, err := a.Suggest(context.Background(), advisorSnapshot(), nil); err == nil {
		t.Fatal("expected parse error for non-JSON response")
	}
}

func TestSuggestCapsResults(t *testing.T) {
	var items []string
	for i := 0; i < 5; i++ {
		items = append(items, `{"table": "orders", "columns": ["status"], "title": "t", "severity": "info"}`)
	}
	stub := &stubCompleter{response: "[" + strings.Join(items, ",") + "]"}
	a := NewAdvisor(stub, AdvisorOptions{MaxSuggestions: 2})
	got, err := a.Suggest(context.Background(), advisorSnapshot(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d suggestions, want cap of 2", len(got))
	}
}

func TestBuildPromptIncludesSchemaAndUsage(t *testing.T) {
	usage := []models.ColumnUsage{
		{TableName: "orders", ColumnName: "status", Context: models.UsageFilter, Hits: 7},
	}
	prompt := BuildPrompt(advisorSnapshot(), usage)

	for _, want := range []string{"orders (~1200 rows)", "status text null", "primary key (id)", "orders.status filter 7"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}
