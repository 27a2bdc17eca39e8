package scanner

import (
	"regexp"
	"strings"

	"github.com/pgsage/pgsage/internal/models"
)

// Hit is a single query-shape match in source text. Table may be empty when
// the pattern only names a column.
type Hit struct {
	Table   string
	Column  string
	Context string
}

const ident = `[A-Za-z_][A-Za-z0-9_]*`

// Builder-style patterns (supabase-js and friends). A .from('table') call
// establishes the table context for filter calls that follow it in the file.
var (
	fromRe   = regexp.MustCompile(`\.from\(\s*['"` + "`" + `](` + ident + `)['"` + "`" + `]\s*\)`)
	filterRe = regexp.MustCompile(`\.(?:eq|neq|gt|gte|lt|lte|like|ilike|is|in|contains)\(\s*['"` + "`" + `](` + ident + `)['"` + "`" + `]`)
	orderRe  = regexp.MustCompile(`\.order\(\s*['"` + "`" + `](` + ident + `)['"` + "`" + `]`)
)

// Raw SQL fragments in string literals, query files, and migrations.
var (
	sqlWhereRe = regexp.MustCompile(`(?i)\bWHERE\s+(?:` + ident + `\.)?(` + ident + `)\s*(?:=|<=|>=|<>|!=|<|>|\bIN\b|\bLIKE\b|\bILIKE\b)`)
	sqlOrderRe = regexp.MustCompile(`(?i)\bORDER\s+BY\s+(?:` + ident + `\.)?(` + ident + `)`)
	sqlJoinRe  = regexp.MustCompile(`(?i)\bJOIN\s+(` + ident + `)(?:\s+AS\s+` + ident + `|\s+` + ident + `)?\s+ON\s+(?:` + ident + `\.)?(` + ident + `)\s*=`)
)

// ORM-ish filter calls: knex/objection .where("col", and keyword-argument
// filters like Django's .filter(col=...).
var (
	ormWhereRe  = regexp.MustCompile(`\.where\(\s*['"` + "`" + `](` + ident + `)['"` + "`" + `]`)
	kwargFilter = regexp.MustCompile(`\.filter\(\s*(` + ident + `)\s*=[^=]`)
)

// sqlKeywords are identifiers the SQL regexes can capture that are never
// column names.
var sqlKeywords = map[string]struct{}{
	"select": {}, "not": {}, "exists": {}, "null": {}, "true": {}, "false": {},
	"case": {}, "when": {}, "and": {}, "or": {}, "distinct": {}, "all": {},
}

func isKeyword(s string) bool {
	_, ok := sqlKeywords[strings.ToLower(s)]
	return ok
}

// ExtractHits runs every pattern over src and returns the raw hits. It is
// plain regex scanning over text, not SQL parsing; false positives are
// filtered later against the schema snapshot.
func ExtractHits(src string) []Hit {
	var hits []Hit

	// Builder calls: attribute each filter/order to the nearest preceding
	// .from('table') by byte offset.
	froms := fromRe.FindAllStringSubmatchIndex(src, -1)
	tableAt := func(offset int) string {
		table := ""
		for _, m := range froms {
			if m[0] > offset {
				break
			}
			table = src[m[2]:m[3]]
		}
		return table
	}
	for _, m := range filterRe.FindAllStringSubmatchIndex(src, -1) {
		hits = append(hits, Hit{Table: tableAt(m[0]), Column: src[m[2]:m[3]], Context: models.UsageFilter})
	}
	for _, m := range orderRe.FindAllStringSubmatchIndex(src, -1) {
		hits = append(hits, Hit{Table: tableAt(m[0]), Column: src[m[2]:m[3]], Context: models.UsageOrder})
	}

	for _, m := range sqlWhereRe.FindAllStringSubmatch(src, -1) {
		if !isKeyword(m[1]) {
			hits = append(hits, Hit{Column: m[1], Context: models.UsageFilter})
		}
	}
	for _, m := range sqlOrderRe.FindAllStringSubmatch(src, -1) {
		if !isKeyword(m[1]) {
			hits = append(hits, Hit{Column: m[1], Context: models.UsageOrder})
		}
	}
	for _, m := range sqlJoinRe.FindAllStringSubmatch(src, -1) {
		if !isKeyword(m[2]) {
			hits = append(hits, Hit{Table: m[1], Column: m[2], Context: models.UsageJoin})
		}
	}

	for _, m := range ormWhereRe.FindAllStringSubmatch(src, -1) {
		hits = append(hits, Hit{Column: m[1], Context: models.UsageFilter})
	}
	for _, m := range kwargFilter.FindAllStringSubmatch(src, -1) {
		hits = append(hits, Hit{Column: m[1], Context: models.UsageFilter})
	}

	return hits
}

// scannableExts are the file types worth grepping for query shapes.
var scannableExts = map[string]struct{}{
	".ts": {}, ".tsx": {}, ".js": {}, ".jsx": {}, ".mjs": {}, ".cjs": {},
	".go": {}, ".py": {}, ".rb": {}, ".php": {}, ".java": {}, ".sql": {},
}

var skipPathParts = []string{
	"node_modules/", "vendor/", "dist/", "build/", ".next/", "__pycache__/",
}

func shouldScanPath(path string) bool {
	lower := strings.ToLower(path)
	for _, part := range skipPathParts {
		if strings.Contains(lower, part) {
			return false
		}
	}
	if strings.HasSuffix(lower, ".min.js") {
		return false
	}
	dot := strings.LastIndex(lower, ".")
	if dot < 0 {
		return false
	}
	_, ok := scannableExts[lower[dot:]]
	return ok
}
