package relational

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/blockrel/blockrel/internal/entity"
	"github.com/blockrel/blockrel/internal/errors"
	"github.com/blockrel/blockrel/internal/observability"
)

// maxBindParams is the backing statement's maximum parameter count; write
// batches are chunked so no statement exceeds it. Chunking exists purely to
// respect statement size limits: chunks are issued sequentially, and a
// failure partway through leaves earlier chunks committed. Callers that
// need all-or-nothing semantics wrap the call in an outer transaction.
const maxBindParams = 999

// deleteChunkSize bounds how many ids a single clamp statement may carry;
// each id is one bind parameter.
const deleteChunkSize = maxBindParams

// EntityVersion is one new version of an entity to be written.
type EntityVersion struct {
	Key  entity.Key
	Data entity.Entity
	// Block is the lower bound of the version's validity range.
	Block int32
	// End, when set, writes the version already closed at that block.
	// Only meaningful for mutable tables.
	End *int32
}

// Clamp closes the open version of Key at Block.
type Clamp struct {
	Key   entity.Key
	Block int32
}

// RowGroup is a batch of writes against one entity type: versions to
// insert and open versions to clamp.
type RowGroup struct {
	EntityType string
	Rows       []EntityVersion
	Clamps     []Clamp
}

// HasClamps reports whether the group closes any versions.
func (g *RowGroup) HasClamps() bool {
	return len(g.Clamps) > 0
}

// IDs returns the distinct entity ids the group touches, in first-seen
// order.
func (g *RowGroup) IDs() []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, row := range g.Rows {
		add(row.Key.ID)
	}
	for _, clamp := range g.Clamps {
		add(clamp.Key.ID)
	}
	return ids
}

type clampGroup struct {
	block  int32
	region int32
	ids    []string
}

// clampsByBlock groups the clamp operations by (block, causality region)
// in ascending block order so each group becomes one statement.
func (g *RowGroup) clampsByBlock() []clampGroup {
	type groupKey struct {
		block  int32
		region int32
	}
	grouped := make(map[groupKey][]string)
	for _, clamp := range g.Clamps {
		k := groupKey{clamp.Block, clamp.Key.CausalityRegion}
		grouped[k] = append(grouped[k], clamp.Key.ID)
	}
	out := make([]clampGroup, 0, len(grouped))
	for k, ids := range grouped {
		out = append(out, clampGroup{block: k.block, region: k.region, ids: ids})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].block != out[j].block {
			return out[i].block < out[j].block
		}
		return out[i].region < out[j].region
	})
	return out
}

// insertColumns returns the columns one insert row binds: the table's data
// columns plus the validity-range columns and, when present, the causality
// region.
func (t *Table) insertColumns() ([]*Column, []string) {
	cols := t.dataColumns()
	names := make([]string, 0, len(cols)+3)
	for _, c := range cols {
		names = append(names, c.Name.Quoted())
	}
	if t.Immutable {
		names = append(names, VerbatimName(BlockColumn).Quoted())
	} else {
		names = append(names, VerbatimName(BlockRangeLowerColumn).Quoted(),
			VerbatimName(BlockRangeUpperColumn).Quoted())
	}
	if t.HasCausalityRegion {
		names = append(names, VerbatimName(CausalityRegionColumn).Quoted())
	}
	return cols, names
}

// insertChunkSize returns how many rows fit into one insert statement
// without exceeding the bind parameter limit.
func (t *Table) insertChunkSize() int {
	_, names := t.insertColumns()
	size := maxBindParams / len(names)
	if size < 1 {
		size = 1
	}
	return size
}

// chunkDetails summarizes a chunk for write-failure annotation: row count,
// affected block range, and the ids when the chunk is small.
func chunkDetails(chunk []EntityVersion) (int32, string) {
	count := len(chunk)
	first, last := chunk[0].Block, chunk[0].Block
	for _, row := range chunk {
		if row.Block < first {
			first = row.Block
		}
		if row.Block > last {
			last = row.Block
		}
	}
	ids := ""
	if count < 20 {
		parts := make([]string, count)
		for i, row := range chunk {
			parts[i] = row.Key.String()
		}
		ids = fmt.Sprintf(" with ids [%s]", strings.Join(parts, ", "))
	}
	var details string
	if first == last {
		details = fmt.Sprintf("insert %d rows%s", count, ids)
	} else {
		details = fmt.Sprintf("insert %d rows at blocks [%d, %d]%s", count, first, last, ids)
	}
	return last, details
}

// Insert writes a batch of new versions, chunked to respect the backing
// statement's maximum parameter count.
func (l *Layout) Insert(ctx context.Context, conn Conn, group *RowGroup, stopwatch *observability.Stopwatch) error {
	table, err := l.TableForEntity(group.EntityType)
	if err != nil {
		return err
	}
	section := stopwatch.Start("insert_modification_insert_query")
	defer section.End()

	chunkSize := table.insertChunkSize()
	for start := 0; start < len(group.Rows); start += chunkSize {
		end := start + chunkSize
		if end > len(group.Rows) {
			end = len(group.Rows)
		}
		chunk := group.Rows[start:end]
		if err := table.insertChunk(ctx, conn, chunk); err != nil {
			block, details := chunkDetails(chunk)
			return errors.WriteFailure(err, table.Object, block, details)
		}
	}
	return nil
}

func (t *Table) insertChunk(ctx context.Context, conn Conn, chunk []EntityVersion) error {
	if len(chunk) == 0 {
		// Empty chunks would produce invalid SQL.
		return nil
	}
	cols, names := t.insertColumns()
	rowMarks := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ") + ")"

	var binds []interface{}
	marks := make([]string, 0, len(chunk))
	for _, row := range chunk {
		for _, c := range cols {
			v, err := c.encodeValue(row.Data[c.Field])
			if err != nil {
				return err
			}
			binds = append(binds, v)
		}
		if t.Immutable {
			binds = append(binds, row.Block)
		} else {
			upper := BlockMax
			if row.End != nil {
				upper = *row.End
			}
			binds = append(binds, row.Block, upper)
		}
		if t.HasCausalityRegion {
			binds = append(binds, row.Key.CausalityRegion)
		}
		marks = append(marks, rowMarks)
	}
	query := fmt.Sprintf("insert into %s (%s) values %s",
		t.QualifiedName.Quoted(), strings.Join(names, ", "), strings.Join(marks, ", "))
	_, err := conn.ExecContext(ctx, query, binds...)
	return err
}

// clampChunk closes the open versions of the given ids at block.
func (t *Table) clampChunk(ctx context.Context, conn Conn, ids []string, region, block int32) (int64, error) {
	binds := make([]interface{}, 0, len(ids))
	marks := make([]string, 0, len(ids))
	for _, id := range ids {
		bind, err := t.idBind(id)
		if err != nil {
			return 0, err
		}
		binds = append(binds, bind)
		marks = append(marks, "?")
	}
	query := fmt.Sprintf("update %s set %q = %d where %q in (%s) and %q = %d and %s",
		t.QualifiedName.Quoted(), BlockRangeUpperColumn, block,
		PrimaryKeyColumn, strings.Join(marks, ", "),
		BlockRangeUpperColumn, BlockMax,
		t.causalityCondition(region))
	res, err := conn.ExecContext(ctx, query, binds...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Update clamps the open versions the group closes, then inserts the
// replacement versions; it returns the number of rows inserted. Immutable
// entity types can never be updated.
func (l *Layout) Update(ctx context.Context, conn Conn, group *RowGroup, stopwatch *observability.Stopwatch) (int, error) {
	table, err := l.TableForEntity(group.EntityType)
	if err != nil {
		return 0, err
	}
	if table.Immutable && group.HasClamps() {
		return 0, errors.ImmutableViolation(group.EntityType, strings.Join(group.IDs(), ", "))
	}

	clampSection := stopwatch.Start("update_modification_clamp_range_query")
	for _, cg := range group.clampsByBlock() {
		if _, err := table.clampInChunks(ctx, conn, cg); err != nil {
			clampSection.End()
			return 0, err
		}
	}
	clampSection.End()

	insertSection := stopwatch.Start("update_modification_insert_query")
	defer insertSection.End()
	count := 0
	chunkSize := table.insertChunkSize()
	for start := 0; start < len(group.Rows); start += chunkSize {
		end := start + chunkSize
		if end > len(group.Rows) {
			end = len(group.Rows)
		}
		chunk := group.Rows[start:end]
		if err := table.insertChunk(ctx, conn, chunk); err != nil {
			block, details := chunkDetails(chunk)
			return count, errors.WriteFailure(err, table.Object, block, details)
		}
		count += len(chunk)
	}
	return count, nil
}

// Delete clamps the open versions of the group's keys at the given blocks,
// in id sub-batches to bound statement size; it returns the number of
// versions closed. Deleting from an immutable table is an error.
func (l *Layout) Delete(ctx context.Context, conn Conn, group *RowGroup, stopwatch *observability.Stopwatch) (int, error) {
	if !group.HasClamps() {
		// Nothing to do
		return 0, nil
	}
	table, err := l.TableForEntity(group.EntityType)
	if err != nil {
		return 0, err
	}
	if table.Immutable {
		return 0, errors.ImmutableViolation(group.EntityType, strings.Join(group.IDs(), ", "))
	}

	section := stopwatch.Start("delete_modification_clamp_range_query")
	defer section.End()
	count := 0
	for _, cg := range group.clampsByBlock() {
		n, err := table.clampInChunks(ctx, conn, cg)
		count += n
		if err != nil {
			return count, err
		}
	}
	return count, nil
}

// clampInChunks closes the group's ids in bind-limit sized sub-batches and
// returns the total number of versions closed.
func (t *Table) clampInChunks(ctx context.Context, conn Conn, cg clampGroup) (int, error) {
	count := 0
	for start := 0; start < len(cg.ids); start += deleteChunkSize {
		end := start + deleteChunkSize
		if end > len(cg.ids) {
			end = len(cg.ids)
		}
		chunk := cg.ids[start:end]
		n, err := t.clampChunk(ctx, conn, chunk, cg.region, cg.block)
		if err != nil {
			return count, errors.WriteFailure(err, t.Object, cg.block, clampDetails(chunk))
		}
		count += int(n)
	}
	return count, nil
}

func clampDetails(ids []string) string {
	if len(ids) < 20 {
		return fmt.Sprintf("clamp ids [%s]", strings.Join(ids, ", "))
	}
	return fmt.Sprintf("clamp %d ids", len(ids))
}
