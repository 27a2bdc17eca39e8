// Package reconcile merges freshly generated suggestions into the stored
// set for a project. Stored state wins over regeneration: a suggestion the
// user applied or dismissed never comes back, and an open suggestion whose
// finding disappeared is closed rather than deleted.
package reconcile

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/pgsage/pgsage/internal/database"
	"github.com/pgsage/pgsage/internal/introspect"
	"github.com/pgsage/pgsage/internal/models"
)

const (
	AppliedViaManual   = "manual"
	AppliedViaDetected = "detected"

	staleReason = "no longer detected in schema"
)

// Changes is the planned outcome of one reconcile pass.
type Changes struct {
	Create      []models.Suggestion
	Refresh     []models.Suggestion // existing open rows with new content, ID set
	MarkApplied []int64             // open rows whose proposed change now exists in the schema
	MarkStale   []int64             // open rows whose finding vanished without being applied
	KeptClosed  int                 // applied or dismissed rows that matched a regenerated finding
	KeptOpen    int                 // absent open rows whose proposal cannot be matched against the schema
}

// Plan diffs stored suggestions against the freshly generated set, keyed by
// fingerprint.
func Plan(existing []models.Suggestion, fresh []models.Suggestion, snap *introspect.Snapshot) Changes {
	byFingerprint := make(map[string]*models.Suggestion, len(existing))
	for i := range existing {
		byFingerprint[existing[i].Fingerprint] = &existing[i]
	}

	var ch Changes
	seen := make(map[string]bool, len(fresh))
	for _, f := range fresh {
		if seen[f.Fingerprint] {
			continue
		}
		seen[f.Fingerprint] = true

		old, ok := byFingerprint[f.Fingerprint]
		if !ok {
			ch.Create = append(ch.Create, f)
			continue
		}
		if old.Status != models.SuggestionOpen {
			ch.KeptClosed++
			continue
		}
		f.ID = old.ID
		ch.Refresh = append(ch.Refresh, f)
	}

	for i := range existing {
		old := &existing[i]
		if old.Status != models.SuggestionOpen || seen[old.Fingerprint] {
			continue
		}
		switch resolveAbsent(old, snap) {
		case absentApplied:
			ch.MarkApplied = append(ch.MarkApplied, old.ID)
		case absentStale:
			ch.MarkStale = append(ch.MarkStale, old.ID)
		case absentOpen:
			ch.KeptOpen++
		}
	}
	return ch
}

// Apply writes a planned changeset for one project.
func Apply(ctx context.Context, db database.DB, projectID int64, ch Changes) error {
	for i := range ch.Create {
		ch.Create[i].ProjectID = projectID
		if err := db.CreateSuggestion(ctx, &ch.Create[i]); err != nil {
			return fmt.Errorf("reconcile: create suggestion: %w", err)
		}
	}
	for i := range ch.Refresh {
		ch.Refresh[i].ProjectID = projectID
		if err := db.UpdateSuggestionContent(ctx, &ch.Refresh[i]); err != nil {
			return fmt.Errorf("reconcile: refresh suggestion %d: %w", ch.Refresh[i].ID, err)
		}
	}
	for _, id := range ch.MarkApplied {
		if err := db.UpdateSuggestionStatus(ctx, id, models.SuggestionApplied, AppliedViaDetected, ""); err != nil {
			return fmt.Errorf("reconcile: mark suggestion %d applied: %w", id, err)
		}
	}
	for _, id := range ch.MarkStale {
		if err := db.UpdateSuggestionStatus(ctx, id, models.SuggestionDismissed, "", staleReason); err != nil {
			return fmt.Errorf("reconcile: mark suggestion %d stale: %w", id, err)
		}
	}
	return nil
}

// createIndexRe pulls the table and column list out of a proposed
// CREATE INDEX statement. Optional bits: UNIQUE, CONCURRENTLY, IF NOT
// EXISTS, the index name, and a schema qualifier on the table.
var createIndexRe = regexp.MustCompile(
	`(?i)CREATE\s+(?:UNIQUE\s+)?INDEX\s+(?:CONCURRENTLY\s+)?(?:IF\s+NOT\s+EXISTS\s+)?(?:[A-Za-z_][A-Za-z0-9_]*\s+)?ON\s+(?:[A-Za-z_][A-Za-z0-9_]*\.)?([A-Za-z_][A-Za-z0-9_]*)\s*\(([^)]+)\)`)

type absentResolution int

const (
	absentStale absentResolution = iota
	absentApplied
	absentOpen
)

// resolveAbsent decides what happens to an open suggestion the fresh batch
// no longer contains. If the proposed change is now present in the snapshot
// somebody applied it outside the dashboard. Heuristic findings regenerate
// deterministically, so their absence means the rule stopped firing. Advisor
// output is not reproducible; a row whose SQL cannot be matched against the
// schema stays open instead of being guessed stale.
func resolveAbsent(s *models.Suggestion, snap *introspect.Snapshot) absentResolution {
	if s.Kind == models.KindNoPrimaryKey {
		if snap != nil {
			if t := snap.Table(s.TableName); t != nil && len(t.PrimaryKey) > 0 {
				return absentApplied
			}
		}
		return absentStale
	}
	if table, cols, ok := parseCreateIndex(s.ProposedSQL); ok {
		if snap != nil {
			if t := snap.Table(table); t != nil && t.HasIndexOn(cols...) {
				return absentApplied
			}
		}
		return absentStale
	}
	if s.Source == models.SourceHeuristic {
		return absentStale
	}
	return absentOpen
}

func parseCreateIndex(sql string) (table string, columns []string, ok bool) {
	m := createIndexRe.FindStringSubmatch(sql)
	if m == nil {
		return "", nil, false
	}
	for _, c := range strings.Split(m[2], ",") {
		c = strings.TrimSpace(c)
		// Expression indexes and operator classes are not matchable
		// against introspected column lists.
		if c == "" || strings.ContainsAny(c, "( ") {
			return "", nil, false
		}
		columns = append(columns, strings.Trim(c, `"`))
	}
	return m[1], columns, len(columns) > 0
}
