// Package scanner greps a GitHub repository for query shapes so suggestions
// can be biased toward columns the application actually uses.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pgsage/pgsage/internal/introspect"
	"github.com/pgsage/pgsage/internal/models"
)

const (
	defaultMaxFiles     = 400
	defaultMaxFileBytes = 256 << 10
	blobFetchWorkers    = 8
)

type Options struct {
	MaxFiles     int
	MaxFileBytes int64
	Logger       *slog.Logger
}

type Scanner struct {
	gh           *GitHubClient
	maxFiles     int
	maxFileBytes int64
	logger       *slog.Logger
}

func New(gh *GitHubClient, opts Options) *Scanner {
	maxFiles := opts.MaxFiles
	if maxFiles <= 0 {
		maxFiles = defaultMaxFiles
	}
	maxFileBytes := opts.MaxFileBytes
	if maxFileBytes <= 0 {
		maxFileBytes = defaultMaxFileBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{gh: gh, maxFiles: maxFiles, maxFileBytes: maxFileBytes, logger: logger}
}

// Result is the outcome of scanning one repository against one snapshot.
type Result struct {
	Ref             string
	FilesScanned    int
	PatternsMatched int
	Usage           []models.ColumnUsage
}

// Scan fetches the repository at ref (default branch when empty), extracts
// query-shape hits from every scannable file, and aggregates them into
// column usage rows resolved against the schema snapshot.
func (s *Scanner) Scan(ctx context.Context, owner, repo, ref string, snap *introspect.Snapshot) (*Result, error) {
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("scanner: repository owner and name are required")
	}
	if ref == "" {
		branch, err := s.gh.DefaultBranch(ctx, owner, repo)
		if err != nil {
			return nil, err
		}
		ref = branch
	}

	files, resolved, err := s.gh.Tarball(ctx, owner, repo, ref, s.maxFiles, s.maxFileBytes)
	if err != nil {
		s.logger.Warn("scanner: tarball fetch failed, falling back to tree walk",
			"owner", owner, "repo", repo, "ref", ref, "error", err)
		files, err = s.fetchByTree(ctx, owner, repo, ref)
		if err != nil {
			return nil, err
		}
		resolved = ref
	}

	result := &Result{Ref: resolved, FilesScanned: len(files)}
	var hits []Hit
	for _, f := range files {
		fileHits := ExtractHits(string(f.Data))
		hits = append(hits, fileHits...)
	}
	result.PatternsMatched = len(hits)
	result.Usage = aggregate(hits, snap)

	s.logger.Info("scanner: scan complete",
		"owner", owner, "repo", repo, "ref", resolved,
		"files", result.FilesScanned, "hits", result.PatternsMatched, "usage_rows", len(result.Usage))
	return result, nil
}

// fetchByTree lists the tree and pulls scannable blobs with bounded
// parallelism. Used when the tarball endpoint is unavailable.
func (s *Scanner) fetchByTree(ctx context.Context, owner, repo, ref string) ([]RepoFile, error) {
	entries, err := s.gh.ListTree(ctx, owner, repo, ref)
	if err != nil {
		return nil, err
	}

	var wanted []TreeEntry
	for _, e := range entries {
		if e.Type != "blob" || !shouldScanPath(e.Path) || e.Size > s.maxFileBytes {
			continue
		}
		wanted = append(wanted, e)
		if len(wanted) >= s.maxFiles {
			break
		}
	}

	files := make([]RepoFile, len(wanted))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(blobFetchWorkers)
	var mu sync.Mutex
	for i, e := range wanted {
		g.Go(func() error {
			data, err := s.gh.Blob(ctx, owner, repo, e.SHA)
			if err != nil {
				return fmt.Errorf("fetch blob %s: %w", e.Path, err)
			}
			mu.Lock()
			files[i] = RepoFile{Path: e.Path, Data: data}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}

// aggregate merges raw hits into usage rows keyed by (table, column,
// context). Hits with no table are attributed through the snapshot when
// exactly one table has the column; ambiguous or unknown columns are dropped.
func aggregate(hits []Hit, snap *introspect.Snapshot) []models.ColumnUsage {
	type key struct{ table, column, context string }
	counts := make(map[key]int)

	for _, h := range hits {
		table := strings.ToLower(h.Table)
		column := strings.ToLower(h.Column)

		if table == "" {
			if snap == nil {
				continue
			}
			owners := snap.TablesWithColumn(column)
			if len(owners) != 1 {
				continue
			}
			table = strings.ToLower(owners[0])
		} else if snap != nil {
			t := snap.Table(table)
			if t == nil {
				continue
			}
			// JOIN hits name a table but the column usually belongs to it
			// only on one side; keep the hit only when the column exists.
			if t.Column(column) == nil {
				continue
			}
		}
		counts[key{table, column, h.Context}]++
	}

	out := make([]models.ColumnUsage, 0, len(counts))
	for k, n := range counts {
		out = append(out, models.ColumnUsage{
			TableName:  k.table,
			ColumnName: k.column,
			Context:    k.context,
			Hits:       n,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hits != out[j].Hits {
			return out[i].Hits > out[j].Hits
		}
		if out[i].TableName != out[j].TableName {
			return out[i].TableName < out[j].TableName
		}
		if out[i].ColumnName != out[j].ColumnName {
			return out[i].ColumnName < out[j].ColumnName
		}
		return out[i].Context < out[j].Context
	})
	return out
}
