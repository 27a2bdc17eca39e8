package introspect

import (
	"encoding/json"
	"strings"
	"time"
)

// Snapshot is one point-in-time view of a project's database schema.
type Snapshot struct {
	CollectedAt time.Time `json:"collected_at"`
	Tables      []Table   `json:"tables"`
}

type Table struct {
	Schema      string       `json:"schema"`
	Name        string       `json:"name"`
	RowEstimate int64        `json:"row_estimate"`
	Columns     []Column     `json:"columns"`
	PrimaryKey  []string     `json:"primary_key,omitempty"`
	Indexes     []Index      `json:"indexes,omitempty"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
}

type Column struct {
	Name      string `json:"name"`
	DataType  string `json:"data_type"`
	Nullable  bool   `json:"nullable"`
	Default   string `json:"default,omitempty"`
	MaxLength int    `json:"max_length,omitempty"` // character types only, 0 when unbounded
}

type Index struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
}

type ForeignKey struct {
	Name       string   `json:"name"`
	Columns    []string `json:"columns"`
	RefTable   string   `json:"ref_table"`
	RefColumns []string `json:"ref_columns"`
}

func (s *Snapshot) Table(name string) *Table {
	for i := range s.Tables {
		if strings.EqualFold(s.Tables[i].Name, name) {
			return &s.Tables[i]
		}
	}
	return nil
}

func (s *Snapshot) IndexCount() int {
	n := 0
	for i := range s.Tables {
		n += len(s.Tables[i].Indexes)
	}
	return n
}

// TablesWithColumn returns every table that has the named column.
func (s *Snapshot) TablesWithColumn(column string) []string {
	var out []string
	for i := range s.Tables {
		if s.Tables[i].Column(column) != nil {
			out = append(out, s.Tables[i].Name)
		}
	}
	return out
}

func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return &t.Columns[i]
		}
	}
	return nil
}

// HasIndexOn reports whether any index covers cols as its leading columns.
// A single-column lookup therefore matches both (col) and (col, other).
func (t *Table) HasIndexOn(cols ...string) bool {
	if len(cols) == 0 {
		return false
	}
	for _, idx := range t.Indexes {
		if len(idx.Columns) < len(cols) {
			continue
		}
		match := true
		for i, c := range cols {
			if !strings.EqualFold(idx.Columns[i], c) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func (s *Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

func Decode(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
