package relational

import (
	"fmt"
	"sort"
	"strings"
)

// DDL returns the statements that create all of the layout's tables and
// their supporting indexes. Statements are returned individually since the
// SQLite driver executes one statement per call.
func (l *Layout) DDL() []string {
	var stmts []string
	for _, table := range l.tablesInOrder() {
		stmts = append(stmts, table.createTable())
		stmts = append(stmts, table.createIndexes()...)
	}
	return stmts
}

// tablesInOrder returns the layout's tables ordered by position so that
// generated DDL is deterministic.
func (l *Layout) tablesInOrder() []*Table {
	tables := make([]*Table, 0, len(l.Tables))
	for _, table := range l.Tables {
		tables = append(tables, table)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Position < tables[j].Position })
	return tables
}

func (t *Table) createTable() string {
	var b strings.Builder
	fmt.Fprintf(&b, "create table %s (\n", t.QualifiedName.Quoted())
	fmt.Fprintf(&b, "\t%q integer primary key autoincrement,\n", VidColumn)
	if t.Immutable {
		fmt.Fprintf(&b, "\t%q integer not null,\n", BlockColumn)
	} else {
		fmt.Fprintf(&b, "\t%q integer not null,\n", BlockRangeLowerColumn)
		fmt.Fprintf(&b, "\t%q integer not null default %d,\n", BlockRangeUpperColumn, BlockMax)
	}
	if t.HasCausalityRegion {
		fmt.Fprintf(&b, "\t%q integer not null default 0,\n", CausalityRegionColumn)
	}
	defs := make([]string, 0, len(t.Columns))
	for i := range t.Columns {
		defs = append(defs, "\t"+t.Columns[i].columnDef())
	}
	b.WriteString(strings.Join(defs, ",\n"))
	b.WriteString("\n)")
	return b.String()
}

func (c *Column) columnDef() string {
	sqlType := c.Type.SQLType()
	if c.IsList() {
		// List values are stored as JSON arrays regardless of element type.
		sqlType = "text"
	}
	def := fmt.Sprintf("%s %s", c.Name.Quoted(), sqlType)
	if !c.IsNullable() {
		def += " not null"
	}
	if c.IsEnum() && !c.IsList() {
		values := make([]string, len(c.Type.Enum.Values))
		for i, v := range c.Type.Enum.Values {
			values[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
		}
		def += fmt.Sprintf(" check (%s in (%s))", c.Name.Quoted(), strings.Join(values, ", "))
	}
	return def
}

// createIndexes generates the table's supporting indexes: the id/block
// lookup index the read path depends on, a validity-bound index for revert
// and range extraction, and one index per attribute column. Attribute
// indexes on unbounded text and byte columns cover only a prefix of the
// value so index entries stay within the engine's key size limit.
func (t *Table) createIndexes() []string {
	var stmts []string
	qt := t.QualifiedName.Quoted()
	if t.Immutable {
		stmts = append(stmts,
			fmt.Sprintf("create unique index %q on %s(%q, %q)",
				t.indexName("id"), qt, PrimaryKeyColumn, BlockColumn),
			fmt.Sprintf("create index %q on %s(%q)",
				t.indexName("block"), qt, BlockColumn))
	} else {
		stmts = append(stmts,
			fmt.Sprintf("create index %q on %s(%q, %q, %q)",
				t.indexName("id"), qt, PrimaryKeyColumn, BlockRangeLowerColumn, BlockRangeUpperColumn),
			fmt.Sprintf("create index %q on %s(%q)",
				t.indexName("lower"), qt, BlockRangeLowerColumn),
			fmt.Sprintf("create index %q on %s(%q)",
				t.indexName("upper"), qt, BlockRangeUpperColumn))
	}
	for i := range t.Columns {
		c := &t.Columns[i]
		if c.IsPrimaryKey() || c.IsFulltext() {
			continue
		}
		expr := c.Name.Quoted()
		if c.UsePrefixComparison {
			size := StringPrefixSize
			if c.Type.Kind == KindBytes {
				size = ByteArrayPrefixSize
			}
			expr = fmt.Sprintf("substr(%s, 1, %d)", c.Name.Quoted(), size)
		}
		// Index names share the database-wide namespace, so they carry the
		// deployment namespace just like the table names do.
		stmts = append(stmts, fmt.Sprintf("create index %q on %s(%s)",
			fmt.Sprintf("%s_attr_%d_%d_%s_%s", t.Namespace, t.Position, i, t.Name, c.Name), qt, expr))
	}
	return stmts
}

func (t *Table) indexName(suffix string) string {
	return fmt.Sprintf("%s_%d_%s", t.Namespace, t.Position, suffix)
}
