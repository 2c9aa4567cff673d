package relational

import (
	"context"
	"fmt"
	"sort"

	"github.com/blockrel/blockrel/internal/entity"
	"github.com/blockrel/blockrel/internal/errors"
)

// SourceOpKind classifies the per-block events FindRange reconstructs.
type SourceOpKind int

const (
	SourceCreate SourceOpKind = iota
	SourceModify
	SourceDelete
)

func (k SourceOpKind) String() string {
	switch k {
	case SourceCreate:
		return "create"
	case SourceModify:
		return "modify"
	case SourceDelete:
		return "delete"
	default:
		return fmt.Sprintf("SourceOpKind(%d)", int(k))
	}
}

// SourceOperation is one reconstructed create/modify/delete event.
type SourceOperation struct {
	Kind       SourceOpKind
	EntityType string
	Entity     entity.Entity
	Vid        int64
}

// versionRow is one version boundary inside the target window: a version
// whose validity range starts (lower side) or ends (upper side) at Block.
type versionRow struct {
	Block      int32
	EntityType string
	ID         string
	Vid        int64
	Entity     entity.Entity
}

// boundSide selects which end of the validity range a scan matches.
type boundSide int

const (
	boundLower boundSide = iota
	boundUpper
)

// FindRange reconstructs the ordered create/modify/delete events for the
// given entity types over the half-open block window [start, end). Results
// are grouped by block and ordered within each block by vid so replay is
// deterministic.
func (l *Layout) FindRange(ctx context.Context, conn Conn, entityTypes []string, causalityRegion int32, start, end int32) (map[int32][]SourceOperation, error) {
	tables := make([]*Table, 0, len(entityTypes))
	for _, et := range entityTypes {
		table, err := l.TableForEntity(et)
		if err != nil {
			return nil, err
		}
		tables = append(tables, table)
	}

	// All versions created or replaced inside the window: their lower
	// bound falls into it. For immutable tables the creation block plays
	// the role of the lower bound.
	lower, err := scanBounds(ctx, conn, tables, causalityRegion, boundLower, start, end)
	if err != nil {
		return nil, err
	}
	// All versions modified or deleted inside the window: their upper
	// bound falls into it. These rows hold the previous entity state; an
	// update contributes a matching entry on the lower side with the new
	// state. Immutable tables never close a version and contribute
	// nothing here.
	upper, err := scanBounds(ctx, conn, tables, causalityRegion, boundUpper, start, end)
	if err != nil {
		return nil, err
	}

	return mergeVersionBounds(lower, upper), nil
}

func scanBounds(ctx context.Context, conn Conn, tables []*Table, causalityRegion int32, side boundSide, start, end int32) ([]versionRow, error) {
	var out []versionRow
	for _, table := range tables {
		if side == boundUpper && table.Immutable {
			continue
		}
		boundColumn := table.blockColumn()
		if side == boundUpper {
			boundColumn = BlockRangeUpperColumn
		}
		cols := table.dataColumns()
		query := fmt.Sprintf("select %s, %q, %q from %s where %q >= %d and %q < %d and %s",
			table.selectList(cols), VidColumn, boundColumn,
			table.QualifiedName.Quoted(),
			boundColumn, start, boundColumn, end,
			table.causalityCondition(causalityRegion))
		rows, err := conn.QueryContext(ctx, query)
		if err != nil {
			return nil, errors.ResolutionFailure(err, query)
		}
		err = func() error {
			defer rows.Close()
			for rows.Next() {
				n := len(cols)
				if table.HasCausalityRegion {
					n++
				}
				raw := make([]interface{}, n+2)
				ptrs := make([]interface{}, n+2)
				for i := range raw {
					ptrs[i] = &raw[i]
				}
				if err := rows.Scan(ptrs...); err != nil {
					return errors.Wrap(errors.ErrCategoryQuery, errors.CodeUnexpected,
						fmt.Sprintf("scanning version bounds of %s", table.Name), err)
				}
				e := make(entity.Entity, len(cols))
				for i, c := range cols {
					v, err := c.decodeValue(raw[i])
					if err != nil {
						return err
					}
					if v != nil {
						e[c.Field] = v
					}
				}
				if table.HasCausalityRegion {
					if cr, ok := raw[n-1].(int64); ok {
						e[CausalityRegionColumn] = cr
					}
				}
				vid, _ := raw[n].(int64)
				block, _ := raw[n+1].(int64)
				id, err := e.ID()
				if err != nil {
					return errors.Internal("entity of type %s: %v", table.Object, err)
				}
				out = append(out, versionRow{
					Block:      int32(block),
					EntityType: table.Object,
					ID:         id,
					Vid:        vid,
					Entity:     e,
				})
			}
			return rows.Err()
		}()
		if err != nil {
			return nil, err
		}
	}
	sortVersionRows(out)
	return out, nil
}

func sortVersionRows(rows []versionRow) {
	sort.Slice(rows, func(i, j int) bool {
		return compareVersionRows(&rows[i], &rows[j]) < 0
	})
}

func compareVersionRows(a, b *versionRow) int {
	switch {
	case a.Block != b.Block:
		if a.Block < b.Block {
			return -1
		}
		return 1
	case a.EntityType != b.EntityType:
		if a.EntityType < b.EntityType {
			return -1
		}
		return 1
	case a.ID != b.ID:
		if a.ID < b.ID {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// mergeVersionBounds merges the two version-boundary streams, both sorted
// by (block, entity type, entity id). When heads tie exactly, both sides of
// a range exist for that block and entity, so the event is a modification;
// a lone lower-side head is a creation and a lone upper-side head is a
// deletion. Immutable entities never appear on the upper side and are
// therefore always creations.
func mergeVersionBounds(lower, upper []versionRow) map[int32][]SourceOperation {
	out := make(map[int32][]SourceOperation)
	emit := func(row *versionRow, kind SourceOpKind) {
		out[row.Block] = append(out[row.Block], SourceOperation{
			Kind:       kind,
			EntityType: row.EntityType,
			Entity:     row.Entity,
			Vid:        row.Vid,
		})
	}

	li, ui := 0, 0
	for li < len(lower) || ui < len(upper) {
		switch {
		case li >= len(lower):
			emit(&upper[ui], SourceDelete)
			ui++
		case ui >= len(upper):
			emit(&lower[li], SourceCreate)
			li++
		default:
			switch compareVersionRows(&lower[li], &upper[ui]) {
			case -1:
				emit(&lower[li], SourceCreate)
				li++
			case 1:
				emit(&upper[ui], SourceDelete)
				ui++
			default:
				// The modification carries the new state, which lives on
				// the lower side.
				emit(&lower[li], SourceModify)
				li++
				ui++
			}
		}
	}

	for _, ops := range out {
		sort.Slice(ops, func(i, j int) bool { return ops[i].Vid < ops[j].Vid })
	}
	return out
}
