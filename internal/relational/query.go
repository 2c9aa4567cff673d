package relational

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/blockrel/blockrel/internal/entity"
	"github.com/blockrel/blockrel/internal/errors"
	"github.com/blockrel/blockrel/internal/observability"
)

// TypeRegion keys a batch of ids by entity type and causality region.
type TypeRegion struct {
	EntityType      string
	CausalityRegion int32
}

// OpKind distinguishes the operations FindChanges reports.
type OpKind int

const (
	OpSet OpKind = iota
	OpRemove
)

// EntityOperation is one change visible at a block: either the entity was
// set to Data, or it was removed.
type EntityOperation struct {
	Kind OpKind
	Key  entity.Key
	Data entity.Entity
}

// dataColumns returns the columns a select list covers; full-text columns
// are storage artifacts, not attributes, and are skipped.
func (t *Table) dataColumns() []*Column {
	cols := make([]*Column, 0, len(t.Columns))
	for i := range t.Columns {
		if t.Columns[i].IsFulltext() {
			continue
		}
		cols = append(cols, &t.Columns[i])
	}
	return cols
}

// selectList renders the quoted column list for a select against t,
// including the causality-region column when the table has one.
func (t *Table) selectList(cols []*Column) string {
	names := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		names = append(names, c.Name.Quoted())
	}
	if t.HasCausalityRegion {
		names = append(names, VerbatimName(CausalityRegionColumn).Quoted())
	}
	return strings.Join(names, ", ")
}

// scanEntity decodes the current row of rows into an Entity; the row must
// have been selected with selectList(cols).
func (t *Table) scanEntity(rows *sql.Rows, cols []*Column) (entity.Entity, error) {
	n := len(cols)
	if t.HasCausalityRegion {
		n++
	}
	raw := make([]interface{}, n)
	ptrs := make([]interface{}, n)
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, errors.Wrap(errors.ErrCategoryQuery, errors.CodeUnexpected,
			fmt.Sprintf("scanning row of %s", t.Name), err)
	}
	e := make(entity.Entity, len(cols))
	for i, c := range cols {
		v, err := c.decodeValue(raw[i])
		if err != nil {
			return nil, err
		}
		if v != nil {
			e[c.Field] = v
		}
	}
	if t.HasCausalityRegion {
		if cr, ok := raw[len(cols)].(int64); ok {
			e[CausalityRegionColumn] = cr
		}
	}
	return e, nil
}

// keyOf derives the entity key from a decoded entity.
func (t *Table) keyOf(e entity.Entity) (entity.Key, error) {
	id, err := e.ID()
	if err != nil {
		return entity.Key{}, errors.Internal("entity of type %s: %v", t.Object, err)
	}
	return entity.Key{
		EntityType:      t.Object,
		ID:              id,
		CausalityRegion: entity.CausalityRegionOf(e),
	}, nil
}

// Find selects the single version of the keyed entity whose validity range
// contains block. A miss returns nil without error.
func (l *Layout) Find(ctx context.Context, conn Conn, key entity.Key, block int32) (entity.Entity, error) {
	table, err := l.TableForEntity(key.EntityType)
	if err != nil {
		return nil, err
	}
	cols := table.dataColumns()
	id, err := table.idBind(key.ID)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("select %s from %s where %q = ? and %s and %s",
		table.selectList(cols), table.QualifiedName.Quoted(), PrimaryKeyColumn,
		table.atBlock(block), table.causalityCondition(key.CausalityRegion))

	rows, err := conn.QueryContext(ctx, query, id)
	if err != nil {
		return nil, errors.ResolutionFailure(err, query)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	e, err := table.scanEntity(rows, cols)
	if err != nil {
		return nil, err
	}
	return e, rows.Err()
}

// FindMany looks up many entities at once, one batched statement per
// (entity type, causality region), with the id list chunked so no statement
// exceeds the bind parameter limit. Finding two versions of the same entity
// at one block would violate the versioning invariant, so that case is a
// hard integrity failure.
func (l *Layout) FindMany(ctx context.Context, conn Conn, ids map[TypeRegion][]string, block int32) (map[entity.Key]entity.Entity, error) {
	out := make(map[entity.Key]entity.Entity)
	for tr, idList := range ids {
		if len(idList) == 0 {
			continue
		}
		table, err := l.TableForEntity(tr.EntityType)
		if err != nil {
			return nil, err
		}
		for start := 0; start < len(idList); start += maxBindParams {
			end := start + maxBindParams
			if end > len(idList) {
				end = len(idList)
			}
			if err := table.findManyChunk(ctx, conn, tr, idList[start:end], block, out); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// findManyChunk runs one FindMany statement and merges its rows into out.
// The duplicate check spans chunks since out is shared across them.
func (t *Table) findManyChunk(ctx context.Context, conn Conn, tr TypeRegion, ids []string, block int32, out map[entity.Key]entity.Entity) error {
	cols := t.dataColumns()
	binds := make([]interface{}, len(ids))
	marks := make([]string, len(ids))
	var err error
	for i, id := range ids {
		if binds[i], err = t.idBind(id); err != nil {
			return err
		}
		marks[i] = "?"
	}
	query := fmt.Sprintf("select %s from %s where %q in (%s) and %s and %s",
		t.selectList(cols), t.QualifiedName.Quoted(), PrimaryKeyColumn,
		strings.Join(marks, ", "), t.atBlock(block), t.causalityCondition(tr.CausalityRegion))

	rows, err := conn.QueryContext(ctx, query, binds...)
	if err != nil {
		return errors.ResolutionFailure(err, query)
	}
	defer rows.Close()
	for rows.Next() {
		e, err := t.scanEntity(rows, cols)
		if err != nil {
			return err
		}
		key, err := t.keyOf(e)
		if err != nil {
			return err
		}
		if _, dup := out[key]; dup {
			return errors.New(errors.ErrCategoryLayout, errors.CodeDuplicateInResult,
				fmt.Sprintf("duplicate entity %s in result set, block = %d", key, block))
		}
		out[key] = e
	}
	return rows.Err()
}

// DerivedQuery describes a reverse lookup: find entities of EntityType
// whose Field holds the id of a parent entity.
type DerivedQuery struct {
	EntityType      string
	Field           string
	ParentID        string
	CausalityRegion int32
}

// FindDerived returns the entities matching a derived (back-reference)
// relationship at block, excluding keys the caller already knows.
func (l *Layout) FindDerived(ctx context.Context, conn Conn, dq *DerivedQuery, block int32, excluded []entity.Key) (map[entity.Key]entity.Entity, error) {
	table, err := l.TableForEntity(dq.EntityType)
	if err != nil {
		return nil, err
	}
	column, err := table.ColumnForField(dq.Field)
	if err != nil {
		return nil, err
	}
	cols := table.dataColumns()

	parent, err := column.encodeValue(derivedBindValue(column, dq.ParentID))
	if err != nil {
		return nil, err
	}
	binds := []interface{}{parent}
	cond := fmt.Sprintf("%s = ?", column.Name.Quoted())
	if len(excluded) > 0 {
		marks := make([]string, 0, len(excluded))
		for _, key := range excluded {
			id, err := table.idBind(key.ID)
			if err != nil {
				return nil, err
			}
			binds = append(binds, id)
			marks = append(marks, "?")
		}
		cond += fmt.Sprintf(" and %q not in (%s)", PrimaryKeyColumn, strings.Join(marks, ", "))
	}
	query := fmt.Sprintf("select %s from %s where %s and %s and %s",
		table.selectList(cols), table.QualifiedName.Quoted(), cond,
		table.atBlock(block), table.causalityCondition(dq.CausalityRegion))

	rows, err := conn.QueryContext(ctx, query, binds...)
	if err != nil {
		return nil, errors.ResolutionFailure(err, query)
	}
	defer rows.Close()
	out := make(map[entity.Key]entity.Entity)
	for rows.Next() {
		e, err := table.scanEntity(rows, cols)
		if err != nil {
			return nil, err
		}
		key, err := table.keyOf(e)
		if err != nil {
			return nil, err
		}
		out[key] = e
	}
	return out, rows.Err()
}

// derivedBindValue converts the canonical parent id into the value the
// reference column stores.
func derivedBindValue(column *Column, parentID string) interface{} {
	switch column.Type.Kind {
	case KindBytes:
		if b, err := decodeHex(parentID); err == nil {
			return b
		}
		return parentID
	case KindInt8:
		var i int64
		if _, err := fmt.Sscan(parentID, &i); err == nil {
			return i
		}
		return parentID
	default:
		return parentID
	}
}

// FindChanges reports every change visible at exactly one block: every
// version opened at the block becomes a Set, and every version closed at
// the block that was not also replaced becomes a Remove. The
// proof-of-indexing table is excluded.
func (l *Layout) FindChanges(ctx context.Context, conn Conn, block int32) ([]EntityOperation, error) {
	var changes []EntityOperation
	processed := make(map[entity.Key]bool)

	for _, table := range l.tablesInOrder() {
		if string(table.Name) == PoiTable {
			continue
		}
		cols := table.dataColumns()
		query := fmt.Sprintf("select %s from %s where %q = %d",
			table.selectList(cols), table.QualifiedName.Quoted(), table.blockColumn(), block)
		rows, err := conn.QueryContext(ctx, query)
		if err != nil {
			return nil, errors.ResolutionFailure(err, query)
		}
		err = func() error {
			defer rows.Close()
			for rows.Next() {
				e, err := table.scanEntity(rows, cols)
				if err != nil {
					return err
				}
				key, err := table.keyOf(e)
				if err != nil {
					return err
				}
				processed[key] = true
				changes = append(changes, EntityOperation{Kind: OpSet, Key: key, Data: e})
			}
			return rows.Err()
		}()
		if err != nil {
			return nil, err
		}
	}

	for _, table := range l.tablesInOrder() {
		if string(table.Name) == PoiTable || table.Immutable {
			continue
		}
		crCol := "0"
		if table.HasCausalityRegion {
			crCol = VerbatimName(CausalityRegionColumn).Quoted()
		}
		query := fmt.Sprintf("select %q, %s from %s where %q = %d",
			PrimaryKeyColumn, crCol, table.QualifiedName.Quoted(), BlockRangeUpperColumn, block)
		rows, err := conn.QueryContext(ctx, query)
		if err != nil {
			return nil, errors.ResolutionFailure(err, query)
		}
		err = func() error {
			defer rows.Close()
			for rows.Next() {
				var rawID interface{}
				var cr int64
				if err := rows.Scan(&rawID, &cr); err != nil {
					return errors.Wrap(errors.ErrCategoryQuery, errors.CodeUnexpected,
						"scanning deletion candidate", err)
				}
				id, err := table.decodeID(rawID)
				if err != nil {
					return err
				}
				key := entity.Key{EntityType: table.Object, ID: id, CausalityRegion: int32(cr)}
				// A row whose range closed at this block may just have been
				// replaced by a new version opened at the same block; that
				// is an update, not a deletion.
				if !processed[key] {
					changes = append(changes, EntityOperation{Kind: OpRemove, Key: key})
				}
			}
			return rows.Err()
		}()
		if err != nil {
			return nil, err
		}
	}
	return changes, nil
}

// PreparedStatement is a fully built filter/order/pagination statement
// produced by the external query builder; the layout only executes it and
// decodes its rows against the entity type's table.
type PreparedStatement struct {
	EntityType string
	SQL        string
	Binds      []interface{}
}

// QueryOptions tunes one Query call.
type QueryOptions struct {
	// Timeout bounds the statement's execution; zero means no limit.
	Timeout time.Duration
	// Trace requests an execution trace in the result.
	Trace bool
	// LogTiming logs the statement text (truncated) and elapsed time.
	LogTiming bool
	// Stats, when set, receives the statement's timing keyed by its
	// fingerprint.
	Stats *observability.QueryStats
}

// Trace describes one executed query for diagnostics.
type Trace struct {
	Query       string
	Fingerprint uint64
	Elapsed     time.Duration
	EntityCount int
}

const maxLoggedQueryLen = 20 * 1024

// Query executes a pre-built statement and decodes the result rows. A
// full-text syntax error surfaces as a dedicated condition; every other
// database error becomes a resolution failure carrying the statement text.
func (l *Layout) Query(ctx context.Context, conn Conn, stmt *PreparedStatement, opts QueryOptions) ([]entity.Entity, *Trace, error) {
	table, err := l.TableForEntity(stmt.EntityType)
	if err != nil {
		return nil, nil, err
	}
	cols := table.dataColumns()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	rows, err := conn.QueryContext(ctx, stmt.SQL, stmt.Binds...)
	if err != nil {
		return nil, nil, translateQueryError(err, stmt.SQL)
	}
	defer rows.Close()

	var out []entity.Entity
	for rows.Next() {
		e, err := table.scanEntity(rows, cols)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, translateQueryError(err, stmt.SQL)
	}
	elapsed := time.Since(start)
	opts.Stats.RecordQuery(observability.Fingerprint(stmt.SQL), elapsed, len(out))

	var trace *Trace
	if opts.Trace || opts.LogTiming {
		text := strings.ReplaceAll(stmt.SQL, "\n", "\t")
		if len(text) > maxLoggedQueryLen {
			text = text[:maxLoggedQueryLen] + " ..."
		}
		if opts.Trace {
			trace = &Trace{
				Query:       text,
				Fingerprint: observability.Fingerprint(stmt.SQL),
				Elapsed:     elapsed,
				EntityCount: len(out),
			}
		}
		if opts.LogTiming {
			log.Printf("[LAYOUT] query timing (SQL): query=%s time_ms=%d entity_count=%d",
				text, elapsed.Milliseconds(), len(out))
		}
	}
	return out, trace, nil
}

// translateQueryError maps backing-engine errors onto the error taxonomy.
func translateQueryError(err error, statement string) error {
	msg := err.Error()
	if strings.Contains(msg, "fts5: syntax error") || strings.Contains(msg, "malformed MATCH expression") {
		return errors.FulltextSyntax(msg)
	}
	if err == context.DeadlineExceeded || strings.Contains(msg, context.DeadlineExceeded.Error()) {
		return errors.Wrap(errors.ErrCategoryQuery, errors.CodeExecutionTimeout, "query timed out", err)
	}
	return errors.ResolutionFailure(err, statement)
}
