// Package analyze derives optimization suggestions from a schema snapshot
// and, when available, column usage rows from the latest code scan.
package analyze

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pgsage/pgsage/internal/introspect"
	"github.com/pgsage/pgsage/internal/models"
)

const (
	hotFilterThreshold = 3
	wideTableColumns   = 30
	largeTableRows     = 100_000
)

// Fingerprint identifies a suggestion across refreshes. Two suggestions with
// the same kind, table, and column set are the same finding regardless of
// how the title or detail text was phrased.
func Fingerprint(kind, table string, columns []string) string {
	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = strings.ToLower(c)
	}
	sort.Strings(cols)
	return kind + ":" + strings.ToLower(table) + ":" + strings.Join(cols, ",")
}

// IndexSQL renders the statement a suggestion proposes. CONCURRENTLY keeps
// the build from taking a write lock on production tables.
func IndexSQL(table string, columns []string) string {
	name := "idx_" + table + "_" + strings.Join(columns, "_")
	return fmt.Sprintf("CREATE INDEX CONCURRENTLY %s ON %s (%s);", name, table, strings.Join(columns, ", "))
}

// Run evaluates every heuristic against the snapshot and returns open
// suggestions ordered by severity, then by observed usage of the columns
// involved, then by table name for a stable output.
func Run(snap *introspect.Snapshot, usage []models.ColumnUsage) []models.Suggestion {
	if snap == nil {
		return nil
	}
	hits := usageIndex(usage)

	var out []models.Suggestion
	out = append(out, missingFKIndexes(snap)...)
	out = append(out, hotFiltersUnindexed(snap, usage)...)
	out = append(out, missingPrimaryKeys(snap)...)
	out = append(out, riskyTypes(snap)...)
	out = append(out, wideTables(snap)...)

	sort.SliceStable(out, func(i, j int) bool {
		si, sj := severityRank(out[i].Severity), severityRank(out[j].Severity)
		if si != sj {
			return si > sj
		}
		hi, hj := hits.score(out[i]), hits.score(out[j])
		if hi != hj {
			return hi > hj
		}
		if out[i].TableName != out[j].TableName {
			return out[i].TableName < out[j].TableName
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

func severityRank(sev string) int {
	switch sev {
	case models.SeverityCritical:
		return 2
	case models.SeverityWarn:
		return 1
	default:
		return 0
	}
}

// usageHits maps lowercase "table.column" to total hits across contexts.
type usageHits map[string]int

func usageIndex(usage []models.ColumnUsage) usageHits {
	idx := make(usageHits, len(usage))
	for _, u := range usage {
		key := strings.ToLower(u.TableName) + "." + strings.ToLower(u.ColumnName)
		idx[key] += u.Hits
	}
	return idx
}

func (h usageHits) score(s models.Suggestion) int {
	total := 0
	for _, c := range models.SplitCSV(s.ColumnsCSV) {
		total += h[strings.ToLower(s.TableName)+"."+strings.ToLower(c)]
	}
	return total
}

func newSuggestion(kind, table string, columns []string, title, detail, proposedSQL, severity string) models.Suggestion {
	return models.Suggestion{
		Kind:        kind,
		TableName:   table,
		ColumnsCSV:  models.JoinCSV(columns),
		Title:       title,
		Detail:      detail,
		ProposedSQL: proposedSQL,
		Severity:    severity,
		Source:      models.SourceHeuristic,
		Status:      models.SuggestionOpen,
		Fingerprint: Fingerprint(kind, table, columns),
	}
}

// missingFKIndexes flags foreign keys whose referencing columns have no
// index with those columns as the leading prefix. Postgres does not index
// the referencing side automatically, so deletes and joins on the parent
// degrade to sequential scans. The snapshot lists the primary key index
// separately, so a FK covered by the front of the PK is not missing one.
func missingFKIndexes(snap *introspect.Snapshot) []models.Suggestion {
	var out []models.Suggestion
	for _, t := range snap.Tables {
		for _, fk := range t.ForeignKeys {
			if len(fk.Columns) == 0 || t.HasIndexOn(fk.Columns...) || pkCovers(t.PrimaryKey, fk.Columns) {
				continue
			}
			severity := models.SeverityWarn
			if t.RowEstimate >= largeTableRows {
				severity = models.SeverityCritical
			}
			cols := strings.Join(fk.Columns, ", ")
			out = append(out, newSuggestion(
				models.KindMissingFKIndex, t.Name, fk.Columns,
				fmt.Sprintf("Foreign key %s(%s) has no supporting index", t.Name, cols),
				fmt.Sprintf("%s(%s) references %s but no index covers the referencing columns. Joins against %s and cascading deletes will scan the whole table.",
					t.Name, cols, fk.RefTable, fk.RefTable),
				IndexSQL(t.Name, fk.Columns),
				severity,
			))
		}
	}
	return out
}

// hotFiltersUnindexed flags columns the application filters or joins on
// frequently that no index covers.
func hotFiltersUnindexed(snap *introspect.Snapshot, usage []models.ColumnUsage) []models.Suggestion {
	type key struct{ table, column string }
	totals := map[key]int{}
	for _, u := range usage {
		if u.Context != models.UsageFilter && u.Context != models.UsageJoin {
			continue
		}
		totals[key{strings.ToLower(u.TableName), strings.ToLower(u.ColumnName)}] += u.Hits
	}

	var out []models.Suggestion
	for k, hits := range totals {
		if hits < hotFilterThreshold {
			continue
		}
		t := snap.Table(k.table)
		if t == nil || t.Column(k.column) == nil || t.HasIndexOn(k.column) {
			continue
		}
		if pkCovers(t.PrimaryKey, []string{k.column}) {
			continue
		}
		severity := models.SeverityWarn
		if t.RowEstimate >= largeTableRows {
			severity = models.SeverityCritical
		}
		out = append(out, newSuggestion(
			models.KindHotFilterUnindexed, t.Name, []string{k.column},
			fmt.Sprintf("Frequently filtered column %s.%s is not indexed", t.Name, k.column),
			fmt.Sprintf("Application code filters or joins on %s.%s in %d places but no index has it as a leading column.",
				t.Name, k.column, hits),
			IndexSQL(t.Name, []string{k.column}),
			severity,
		))
	}
	return out
}

func missingPrimaryKeys(snap *introspect.Snapshot) []models.Suggestion {
	var out []models.Suggestion
	for _, t := range snap.Tables {
		if len(t.PrimaryKey) > 0 {
			continue
		}
		out = append(out, newSuggestion(
			models.KindNoPrimaryKey, t.Name, nil,
			fmt.Sprintf("Table %s has no primary key", t.Name),
			fmt.Sprintf("Rows in %s cannot be addressed individually. Logical replication, upserts, and most ORMs require a primary key.", t.Name),
			"",
			models.SeverityCritical,
		))
	}
	return out
}

// riskyDataTypes maps a column data type to the explanation shown when it
// appears in a schema. Keys are the names reported by information_schema.
var riskyDataTypes = map[string]struct {
	severity string
	advice   string
}{
	"money":                       {models.SeverityWarn, "the money type is locale dependent and loses precision in arithmetic; use numeric instead"},
	"timestamp without time zone": {models.SeverityInfo, "timestamps without a zone are ambiguous across servers; timestamptz stores an unambiguous instant"},
	"character":                   {models.SeverityInfo, "char(n) is blank padded and rarely what comparisons expect; use text or varchar"},
	"json":                        {models.SeverityInfo, "json stores raw text and reparses on every access; jsonb supports indexing and containment operators"},
}

func riskyTypes(snap *introspect.Snapshot) []models.Suggestion {
	var out []models.Suggestion
	for _, t := range snap.Tables {
		for _, c := range t.Columns {
			if s := riskyColumn(&t, c); s != nil {
				out = append(out, *s)
			}
		}
	}
	return out
}

// riskyColumn yields at most one finding per column, so an identifier stored
// as unbounded varchar does not produce two overlapping fingerprints.
func riskyColumn(t *introspect.Table, c introspect.Column) *models.Suggestion {
	dataType := strings.ToLower(c.DataType)
	if risk, ok := riskyDataTypes[dataType]; ok {
		s := newSuggestion(
			models.KindRiskyType, t.Name, []string{c.Name},
			fmt.Sprintf("Column %s.%s uses type %s", t.Name, c.Name, c.DataType),
			fmt.Sprintf("%s.%s is declared %s: %s.", t.Name, c.Name, c.DataType, risk.advice),
			"",
			risk.severity,
		)
		return &s
	}
	if (dataType == "text" || dataType == "character varying") && identifierLike(c.Name) {
		s := newSuggestion(
			models.KindRiskyType, t.Name, []string{c.Name},
			fmt.Sprintf("Identifier column %s.%s is stored as %s", t.Name, c.Name, c.DataType),
			fmt.Sprintf("%s.%s is named like a key but declared %s. Free-text keys admit malformed values and compare slower than uuid or bigint.",
				t.Name, c.Name, c.DataType),
			"",
			models.SeverityWarn,
		)
		return &s
	}
	if dataType == "character varying" && c.MaxLength == 0 && t.RowEstimate >= largeTableRows {
		s := newSuggestion(
			models.KindRiskyType, t.Name, []string{c.Name},
			fmt.Sprintf("Unbounded varchar %s.%s on a large table", t.Name, c.Name),
			fmt.Sprintf("%s.%s is varchar with no length bound across roughly %d rows. An oversized value slips in unnoticed; declare a bound or use text with a check constraint.",
				t.Name, c.Name, t.RowEstimate),
			"",
			models.SeverityInfo,
		)
		return &s
	}
	return nil
}

// identifierLike matches column names that conventionally hold keys.
func identifierLike(name string) bool {
	n := strings.ToLower(name)
	if n == "id" || n == "uuid" || n == "guid" {
		return true
	}
	return strings.HasSuffix(n, "_id") || strings.HasSuffix(n, "_uuid")
}

func wideTables(snap *introspect.Snapshot) []models.Suggestion {
	var out []models.Suggestion
	for _, t := range snap.Tables {
		if len(t.Columns) < wideTableColumns {
			continue
		}
		out = append(out, newSuggestion(
			models.KindWideTable, t.Name, nil,
			fmt.Sprintf("Table %s has %d columns", t.Name, len(t.Columns)),
			fmt.Sprintf("%s carries %d columns, so every row fetch drags the full width through the buffer cache. Consider splitting rarely read columns into a side table.", t.Name, len(t.Columns)),
			"",
			models.SeverityInfo,
		))
	}
	return out
}

// pkCovers reports whether cols are a leading prefix of the primary key.
func pkCovers(pk, cols []string) bool {
	if len(cols) == 0 || len(cols) > len(pk) {
		return false
	}
	for i, c := range cols {
		if !strings.EqualFold(pk[i], c) {
			return false
		}
	}
	return true
}
