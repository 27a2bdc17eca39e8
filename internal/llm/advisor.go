package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/pgsage/pgsage/internal/analyze"
	"github.com/pgsage/pgsage/internal/introspect"
	"github.com/pgsage/pgsage/internal/models"
)

const systemPrompt = `You are a PostgreSQL performance advisor. You receive a schema summary and optionally column usage counts extracted from application code. Respond with a JSON array only, no prose and no markdown fences. Each element:
{"table": "...", "columns": ["..."], "title": "...", "detail": "...", "proposed_sql": "...", "severity": "info|warn|critical"}
Only reference tables and columns that appear in the schema. Propose at most one statement per suggestion. Prefer CREATE INDEX CONCURRENTLY for index builds. Do not repeat obvious findings like missing foreign key indexes.`

type AdvisorOptions struct {
	MaxSuggestions int
	Timeout        time.Duration
	Logger         *slog.Logger
}

// Advisor wraps a Completer and converts model output into validated
// suggestions. Any failure is returned to the caller, which degrades to
// heuristic-only results rather than failing a refresh.
type Advisor struct {
	completer Completer
	max       int
	timeout   time.Duration
	logger    *slog.Logger
}

func NewAdvisor(c Completer, opts AdvisorOptions) *Advisor {
	max := opts.MaxSuggestions
	if max <= 0 {
		max = 20
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Advisor{completer: c, max: max, timeout: timeout, logger: logger}
}

// Suggest asks the model for advice on the snapshot. Returned suggestions
// are validated against the snapshot; items naming unknown tables or
// columns are dropped, not errors.
func (a *Advisor) Suggest(ctx context.Context, snap *introspect.Snapshot, usage []models.ColumnUsage) ([]models.Suggestion, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	raw, err := a.completer.Complete(ctx, systemPrompt, BuildPrompt(snap, usage))
	if err != nil {
		return nil, err
	}
	items, err := parseResponse(raw)
	if err != nil {
		return nil, err
	}

	var out []models.Suggestion
	for _, it := range items {
		s, ok := it.validate(snap)
		if !ok {
			a.logger.Warn("llm: dropping suggestion that does not match schema",
				"table", it.Table, "columns", it.Columns)
			continue
		}
		out = append(out, s)
		if len(out) >= a.max {
			break
		}
	}
	return out, nil
}

// BuildPrompt renders the snapshot and usage counts as the user message.
func BuildPrompt(snap *introspect.Snapshot, usage []models.ColumnUsage) string {
	var b strings.Builder
	b.WriteString("Schema:\n")
	for _, t := range snap.Tables {
		fmt.Fprintf(&b, "- %s (~%d rows)\n", t.Name, t.RowEstimate)
		for _, c := range t.Columns {
			null := "not null"
			if c.Nullable {
				null = "null"
			}
			fmt.Fprintf(&b, "    %s %s %s\n", c.Name, c.DataType, null)
		}
		if len(t.PrimaryKey) > 0 {
			fmt.Fprintf(&b, "    primary key (%s)\n", strings.Join(t.PrimaryKey, ", "))
		}
		for _, idx := range t.Indexes {
			uniq := ""
			if idx.Unique {
				uniq = "unique "
			}
			fmt.Fprintf(&b, "    %sindex %s (%s)\n", uniq, idx.Name, strings.Join(idx.Columns, ", "))
		}
		for _, fk := range t.ForeignKeys {
			fmt.Fprintf(&b, "    foreign key (%s) references %s (%s)\n",
				strings.Join(fk.Columns, ", "), fk.RefTable, strings.Join(fk.RefColumns, ", "))
		}
	}

	if len(usage) > 0 {
		b.WriteString("\nColumn usage observed in application code (table.column context hits):\n")
		rows := make([]models.ColumnUsage, len(usage))
		copy(rows, usage)
		sort.Slice(rows, func(i, j int) bool { return rows[i].Hits > rows[j].Hits })
		if len(rows) > 40 {
			rows = rows[:40]
		}
		for _, u := range rows {
			fmt.Fprintf(&b, "- %s.%s %s %d\n", u.TableName, u.ColumnName, u.Context, u.Hits)
		}
	}
	return b.String()
}

type advisorItem struct {
	Table       string   `json:"table"`
	Columns     []string `json:"columns"`
	Title       string   `json:"title"`
	Detail      string   `json:"detail"`
	ProposedSQL string   `json:"proposed_sql"`
	Severity    string   `json:"severity"`
}

// parseResponse tolerates models that wrap the array in markdown fences
// despite instructions.
func parseResponse(raw string) ([]advisorItem, error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}
	var items []advisorItem
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		return nil, fmt.Errorf("llm: response is not a JSON array: %w", err)
	}
	return items, nil
}

func (it advisorItem) validate(snap *introspect.Snapshot) (models.Suggestion, bool) {
	t := snap.Table(it.Table)
	if t == nil || it.Title == "" {
		return models.Suggestion{}, false
	}
	for _, c := range it.Columns {
		if t.Column(c) == nil {
			return models.Suggestion{}, false
		}
	}
	severity := strings.ToLower(it.Severity)
	switch severity {
	case models.SeverityInfo, models.SeverityWarn, models.SeverityCritical:
	default:
		severity = models.SeverityInfo
	}
	return models.Suggestion{
		Kind:        models.KindAdvisor,
		TableName:   t.Name,
		ColumnsCSV:  models.JoinCSV(it.Columns),
		Title:       it.Title,
		Detail:      it.Detail,
		ProposedSQL: strings.TrimSpace(it.ProposedSQL),
		Severity:    severity,
		Source:      models.SourceLLM,
		Status:      models.SuggestionOpen,
		Fingerprint: analyze.Fingerprint(models.KindAdvisor, t.Name, it.Columns),
	}, true
}
