package relational

import (
	"context"
	"database/sql"

	"github.com/blockrel/blockrel/internal/catalog"
	"github.com/blockrel/blockrel/internal/errors"
	"github.com/blockrel/blockrel/internal/schema"
)

// Conn is the blocking statement executor every layout operation runs
// against. Both *sql.DB and *sql.Tx satisfy it; the layout performs no
// connection management or internal threading of its own, and callers own
// any transaction boundary that should span multiple operations.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Layout handles all the information about mapping an entity schema to
// database tables. A Layout value is immutable once published; Refresh
// produces a new value sharing unchanged tables with the old one.
type Layout struct {
	// Site locates the deployment this layout stores.
	Site *catalog.Site

	// Tables maps entity type names to their tables.
	Tables map[string]*Table

	// Catalog carries the catalog-derived flags the layout was built with.
	Catalog *catalog.Catalog

	// HistoryBlocks is the deployment's history retention horizon.
	HistoryBlocks int32

	// Schema is the validated input schema.
	Schema *schema.Schema

	rollups []*Rollup
}

// NewLayout generates the layout for a relational schema for the entities
// in s. The deployment's tables live under the namespace in site.
func NewLayout(site *catalog.Site, s *schema.Schema, cat *catalog.Catalog) (*Layout, error) {
	for _, name := range s.EnumTypes() {
		if err := CheckValidIdentifier(name, "enum"); err != nil {
			return nil, err
		}
	}

	entityTypes := s.EntityTypes()
	tables := make(map[string]*Table, len(entityTypes)+1)
	hasTimeseries := false
	for i, et := range entityTypes {
		if et.Timeseries {
			hasTimeseries = true
		}
		table, err := newTable(s, et, cat, s.FulltextDefinitions(et.Name), i, cat.EntitiesWithCausalityRegion[et.Name])
		if err != nil {
			return nil, err
		}
		if _, ok := tables[table.Object]; ok {
			return nil, errors.Internal("duplicate table for entity type %q", table.Object)
		}
		tables[table.Object] = table
	}
	if cat.UsePOI {
		poi := makePoiTable(cat, hasTimeseries, len(tables))
		tables[poi.Object] = poi
	}

	layout := &Layout{
		Site:          site,
		Tables:        tables,
		Catalog:       cat,
		HistoryBlocks: BlockMax,
		Schema:        s,
	}
	rollups, err := newRollups(layout, s)
	if err != nil {
		return nil, err
	}
	layout.rollups = rollups
	return layout, nil
}

// makePoiTable builds the proof-of-indexing table: a digest per block,
// keyed by a caller-chosen id. If the schema uses timeseries the block time
// is stored alongside the digest so rollups can be proven too.
func makePoiTable(cat *catalog.Catalog, hasTimeseries bool, position int) *Table {
	columns := []Column{
		PseudoColumn("digest", ColumnType{Kind: KindBytes}, true),
		PseudoColumn(PrimaryKeyColumn, ColumnType{Kind: KindString}, true),
	}
	if hasTimeseries {
		columns = append(columns, PseudoColumn("block_time", ColumnType{Kind: KindInt8}, true))
	}
	name := VerbatimName(PoiTable)
	return &Table{
		Object:        PoiEntityType,
		Namespace:     cat.Site.Namespace,
		Name:          name,
		QualifiedName: QualifiedName(cat.Site.Namespace, name),
		Columns:       columns,
		Position:      position,
	}
}

// CreateRelationalSchema creates a brand-new deployment: it builds the
// layout for the schema and executes the generated table definitions.
func CreateRelationalSchema(ctx context.Context, conn Conn, site *catalog.Site, s *schema.Schema,
	entitiesWithCausalityRegion map[string]bool) (*Layout, error) {

	cat, err := catalog.ForCreation(ctx, conn, site, entitiesWithCausalityRegion)
	if err != nil {
		return nil, err
	}
	layout, err := NewLayout(site, s, cat)
	if err != nil {
		return nil, err
	}
	for _, stmt := range layout.DDL() {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return nil, errors.Wrap(errors.ErrCategoryLayout, errors.CodeUnexpected,
				"creating relational schema", err)
		}
	}
	if err := catalog.SaveSchema(ctx, conn, site, s); err != nil {
		return nil, err
	}
	return layout, nil
}

// LoadLayout rebuilds the layout of an existing deployment from the
// catalog. NewLayout builds every table with its construction defaults, so
// the layout is refreshed right away to pick up the persisted account-like
// flags and history horizon.
func LoadLayout(ctx context.Context, conn Conn, deployment string) (*Layout, error) {
	site, err := catalog.FindSite(ctx, conn, deployment)
	if err != nil {
		return nil, err
	}
	s, err := catalog.LoadSchema(ctx, conn, site)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Load(ctx, conn, site)
	if err != nil {
		return nil, err
	}
	layout, err := NewLayout(site, s, cat)
	if err != nil {
		return nil, err
	}
	return layout.Refresh(ctx, conn)
}

// Table finds the table with the provided name. The name must exactly
// match the name of an existing table; no conversions are done.
func (l *Layout) Table(name SQLName) *Table {
	for _, table := range l.Tables {
		if table.Name == name {
			return table
		}
	}
	return nil
}

// TableForEntity returns the table storing the given entity type.
func (l *Layout) TableForEntity(entityType string) (*Table, error) {
	table, ok := l.Tables[entityType]
	if !ok {
		return nil, errors.UnknownTable(entityType)
	}
	return table, nil
}

// CanCopyFrom determines whether the data of base can be copied into this
// layout. We allow both not copying tables from the source at all and
// adding new tables here; only tables present on both sides must be
// compatible. An empty result means copying is possible.
func (l *Layout) CanCopyFrom(base *Layout) []string {
	var reasons []string
	for _, dst := range l.Tables {
		src := base.Table(dst.Name)
		if src == nil {
			continue
		}
		reasons = append(reasons, dst.CanCopyFrom(src)...)
	}
	return reasons
}

// IsCacheable reports whether the layout may be held by the layout cache.
// This would be false if the layout still needed a migration; since there
// are none right now it is always safe to cache.
func (l *Layout) IsCacheable() bool {
	return true
}

// Rollups returns the layout's rollups in ascending interval order.
func (l *Layout) Rollups() []*Rollup {
	return l.rollups
}

// Refresh updates the layout with the latest catalog information. A refresh
// can only change the tables' account-like flags and the history horizon.
// If nothing changed the receiver itself is returned; otherwise a new
// layout value is built that shares all unchanged tables with the old one.
func (l *Layout) Refresh(ctx context.Context, conn Conn) (*Layout, error) {
	accountLike, err := catalog.AccountLike(ctx, conn, l.Site)
	if err != nil {
		return nil, err
	}
	historyBlocks, err := catalog.HistoryBlocks(ctx, conn, l.Site)
	if err != nil {
		return nil, err
	}

	var changed []string
	for name, table := range l.Tables {
		if table.IsAccountLike != accountLike[string(table.Name)] {
			changed = append(changed, name)
		}
	}
	if len(changed) == 0 && historyBlocks == l.HistoryBlocks {
		return l, nil
	}

	next := *l
	next.Tables = make(map[string]*Table, len(l.Tables))
	for name, table := range l.Tables {
		next.Tables[name] = table
	}
	for _, name := range changed {
		table := *l.Tables[name]
		table.IsAccountLike = accountLike[string(table.Name)]
		next.Tables[name] = &table
	}
	next.HistoryBlocks = historyBlocks
	rollups, err := newRollups(&next, l.Schema)
	if err != nil {
		return nil, err
	}
	next.rollups = rollups
	return &next, nil
}

// Truncate unconditionally empties every table belonging to the layout.
// Used only for full-reset scenarios, never for selective deletion.
func (l *Layout) Truncate(ctx context.Context, conn Conn) error {
	for _, table := range l.Tables {
		if _, err := conn.ExecContext(ctx, "delete from "+table.QualifiedName.Quoted()); err != nil {
			return errors.Wrap(errors.ErrCategoryWrite, errors.CodeUnexpected,
				"truncating table "+string(table.QualifiedName), err)
		}
	}
	return nil
}
