package relational

import (
	"context"
	"fmt"

	"github.com/blockrel/blockrel/internal/catalog"
	"github.com/blockrel/blockrel/internal/errors"
	"github.com/blockrel/blockrel/internal/schema"
)

// Reserved column names every entity table carries in addition to its
// schema fields.
const (
	// PrimaryKeyColumn is the name of the entity id column.
	PrimaryKeyColumn = "id"
	// VidColumn is the synthetic, strictly increasing version id that gives
	// versions a deterministic order when several share a block.
	VidColumn = "vid"
	// BlockRangeLowerColumn and BlockRangeUpperColumn bound the half-open
	// validity range [lower, upper) of mutable tables.
	BlockRangeLowerColumn = "block_range_lower"
	BlockRangeUpperColumn = "block_range_upper"
	// BlockColumn is the single creation-block column of immutable tables.
	BlockColumn = "block$"
	// CausalityRegionColumn discriminates entity history by originating
	// data source; absent means all rows belong to region 0.
	CausalityRegionColumn = "causality_region"
)

// BlockMax is the open upper bound of a version's validity range. A
// version with BlockRangeUpperColumn == BlockMax is still current.
const BlockMax int32 = 2147483647

// PoiTable is the name of the proof-of-indexing table. It is excluded from
// general change scanning.
const PoiTable = "poi2$"

// PoiEntityType is the entity type name the proof-of-indexing table is
// registered under.
const PoiEntityType = "Poi$"

// Table describes one entity type's physical table.
type Table struct {
	// Object is the entity type this table stores.
	Object string

	// Namespace the table lives in.
	Namespace string

	// Name is the snake-cased table name without the namespace.
	Name SQLName

	// QualifiedName is the name the table is addressed by in SQL.
	QualifiedName SQLName

	Columns []Column

	// IsAccountLike marks types with a low ratio of distinct entities to
	// row count because entities are updated frequently. The flag is
	// maintained externally from table statistics and influences query
	// planning, not structure.
	IsAccountLike bool

	// Position of the table among the layout's tables; used to make index
	// names predictable.
	Position int

	// Immutable tables never see updates or deletes; their versions never
	// close.
	Immutable bool

	// HasCausalityRegion reports whether the table carries an explicit
	// causality_region column.
	HasCausalityRegion bool
}

// newTable builds the table for one entity type, with one column per
// non-derived field plus one column per full-text definition.
func newTable(s *schema.Schema, entityType *schema.EntityType, cat *catalog.Catalog,
	fulltext []schema.FulltextDefinition, position int, hasCausalityRegion bool) (*Table, error) {

	if err := CheckValidIdentifier(entityType.Name, "object"); err != nil {
		return nil, err
	}
	name := SQLNameOf(entityType.Name)

	var columns []Column
	for i := range entityType.Fields {
		field := &entityType.Fields[i]
		if field.Derived {
			continue
		}
		column, err := newColumn(s, name, field, cat)
		if err != nil {
			return nil, err
		}
		columns = append(columns, column)
	}
	for _, def := range fulltext {
		column, err := newFulltextColumn(def)
		if err != nil {
			return nil, err
		}
		columns = append(columns, column)
	}

	return &Table{
		Object:        entityType.Name,
		Namespace:     cat.Site.Namespace,
		Name:          name,
		QualifiedName: QualifiedName(cat.Site.Namespace, name),
		Columns:       columns,
		// Default IsAccountLike to false; the layout gets refreshed from
		// the catalog right after construction, which needs a connection
		// we do not have at this point.
		IsAccountLike:      false,
		Position:           position,
		Immutable:          entityType.Immutable,
		HasCausalityRegion: hasCausalityRegion,
	}, nil
}

// NewLike creates a table that is like t except that its database name is
// based on namespace and name. Used when copying a deployment.
func (t *Table) NewLike(namespace string, name SQLName) *Table {
	other := *t
	other.Namespace = namespace
	other.Name = name
	other.QualifiedName = QualifiedName(namespace, name)
	return &other
}

// Column finds the column with the given SQL name, skipping full-text
// columns since they are not schema attributes.
func (t *Table) Column(name SQLName) *Column {
	for i := range t.Columns {
		c := &t.Columns[i]
		if c.IsFulltext() {
			continue
		}
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ColumnForField finds the column for a schema field name.
func (t *Table) ColumnForField(field string) (*Column, error) {
	for i := range t.Columns {
		if t.Columns[i].Field == field {
			return &t.Columns[i], nil
		}
	}
	return nil, errors.UnknownField(string(t.Name), field)
}

// PrimaryKey returns the entity id column.
func (t *Table) PrimaryKey() *Column {
	for i := range t.Columns {
		if t.Columns[i].IsPrimaryKey() {
			return &t.Columns[i]
		}
	}
	// Table construction guarantees an id column.
	panic(fmt.Sprintf("table %s has no primary key", t.Name))
}

// CanCopyFrom checks column by column that data from source can be copied
// into this table. The returned list of reasons is empty iff the copy is
// safe. A non-nullable destination column with no source counterpart is an
// incompatibility; destination-only nullable columns are fine.
func (t *Table) CanCopyFrom(source *Table) []string {
	var reasons []string
	for i := range t.Columns {
		dcol := &t.Columns[i]
		if dcol.IsFulltext() {
			continue
		}
		scol := source.Column(dcol.Name)
		if scol == nil {
			if !dcol.IsNullable() {
				reasons = append(reasons, fmt.Sprintf(
					"the attribute %s.%s is non-nullable, but there is no such attribute in the source",
					t.Object, dcol.Field))
			}
			continue
		}
		if reason := dcol.isAssignableFrom(scol, t.Object); reason != "" {
			reasons = append(reasons, reason)
		}
	}
	return reasons
}

// blockColumn returns the name of the column holding the start of the
// validity range.
func (t *Table) blockColumn() string {
	if t.Immutable {
		return BlockColumn
	}
	return BlockRangeLowerColumn
}

// atBlock returns the SQL condition selecting the versions valid at block.
func (t *Table) atBlock(block int32) string {
	if t.Immutable {
		return fmt.Sprintf("%q <= %d", BlockColumn, block)
	}
	return fmt.Sprintf("%q <= %d and %q > %d",
		BlockRangeLowerColumn, block, BlockRangeUpperColumn, block)
}

// causalityCondition returns the SQL condition pinning rows to one
// causality region; tables without the column implicitly hold only the
// default region.
func (t *Table) causalityCondition(region int32) string {
	if !t.HasCausalityRegion {
		return "1 = 1"
	}
	return fmt.Sprintf("%q = %d", CausalityRegionColumn, region)
}

// Analyze refreshes the backing engine's statistics for this table.
func (t *Table) Analyze(ctx context.Context, conn Conn) error {
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("analyze %s", t.QualifiedName.Quoted())); err != nil {
		return errors.Wrap(errors.ErrCategoryLayout, errors.CodeUnexpected,
			fmt.Sprintf("analyzing table %s", t.QualifiedName), err)
	}
	return nil
}
