// Package metadata loads and caches the column layout of the CRM database.
// The layout feeds the system prompt and the tool argument checks.
package metadata

import (
	"context"
	"fmt"
	"strings"
)

// Column is one row of the database's column catalogue.
type Column struct {
	Schema   string  `json:"schema_name"`
	Table    string  `json:"table_name"`
	Name     string  `json:"column_name"`
	DataType string  `json:"data_type"`
	Nullable bool    `json:"is_nullable"`
	Default  *string `json:"column_default"`
}

// Loader fetches the full column catalogue.
type Loader interface {
	LoadColumns(ctx context.Context) ([]Column, error)
}

// Table summarises the columns of one public table.
type Table struct {
	Name            string
	Columns         []string
	HasOrganization bool
	HasUser         bool
}

// HasColumn reports whether the table has a column named col.
func (t Table) HasColumn(col string) bool {
	for _, c := range t.Columns {
		if c == col {
			return true
		}
	}
	return false
}

// Snapshot is an immutable view of the catalogue at load time.
type Snapshot struct {
	columns []Column
	tables  map[string]Table
}

// NewSnapshot indexes cols. Only the public schema is indexed by table.
func NewSnapshot(cols []Column) *Snapshot {
	s := &Snapshot{columns: cols, tables: make(map[string]Table)}
	for _, c := range cols {
		if c.Schema != "" && c.Schema != "public" {
			continue
		}
		t := s.tables[c.Table]
		t.Name = c.Table
		t.Columns = append(t.Columns, c.Name)
		switch c.Name {
		case "organization_id":
			t.HasOrganization = true
		case "user_id":
			t.HasUser = true
		}
		s.tables[c.Table] = t
	}
	return s
}

// Table returns the public table called name.
func (s *Snapshot) Table(name string) (Table, bool) {
	if s == nil {
		return Table{}, false
	}
	t, ok := s.tables[name]
	return t, ok
}

// Len returns the number of catalogue rows.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.columns)
}

// Format renders the catalogue grouped by schema and table, in load order.
func (s *Snapshot) Format() string {
	if s.Len() == 0 {
		return ""
	}

	type group struct {
		schema string
		tables []string
		cols   map[string][]string
	}
	var groups []*group
	bySchema := make(map[string]*group)

	for _, c := range s.columns {
		g, ok := bySchema[c.Schema]
		if !ok {
			g = &group{schema: c.Schema, cols: make(map[string][]string)}
			bySchema[c.Schema] = g
			groups = append(groups, g)
		}
		if _, seen := g.cols[c.Table]; !seen {
			g.tables = append(g.tables, c.Table)
		}
		desc := c.DataType
		if c.Nullable {
			desc += ", nullable"
		}
		g.cols[c.Table] = append(g.cols[c.Table], fmt.Sprintf("%s (%s)", c.Name, desc))
	}

	var b strings.Builder
	for _, g := range groups {
		fmt.Fprintf(&b, "\nSchema: %s\n", g.schema)
		for _, t := range g.tables {
			fmt.Fprintf(&b, "  Tabela: %s\n", t)
			fmt.Fprintf(&b, "    Colunas: %s\n", strings.Join(g.cols[t], ", "))
		}
	}
	return b.String()
}

// FormatTables lists the columns of the named tables, one line each,
// skipping tables with no known columns.
func (s *Snapshot) FormatTables(names []string) string {
	var lines []string
	for _, n := range names {
		t, ok := s.Table(n)
		if !ok || len(t.Columns) == 0 {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", n, strings.Join(t.Columns, ", ")))
	}
	return strings.Join(lines, "\n")
}
