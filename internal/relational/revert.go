package relational

import (
	"context"
	"fmt"

	"github.com/blockrel/blockrel/internal/catalog"
	"github.com/blockrel/blockrel/internal/errors"
)

// RevertBlock reverts block and every block above it. Afterwards only
// entity versions inserted or updated at blocks strictly below block
// remain. It returns the amount by which the deployment's entity count
// needs to be adjusted.
func (l *Layout) RevertBlock(ctx context.Context, conn Conn, block int32) (int, error) {
	count := 0
	for _, table := range l.tablesInOrder() {
		// Remove all versions whose entire validity range lies at or
		// beyond block: pure insertions that must be undone.
		removed, err := table.revertRemove(ctx, conn, block)
		if err != nil {
			return 0, err
		}
		// Make the versions current that existed at block - 1 but are not
		// current anymore; those were updated or deleted at block.
		// Immutable tables have no closing events to undo.
		unclamped := map[string]bool{}
		if !table.Immutable {
			if unclamped, err = table.revertUnclamp(ctx, conn, block); err != nil {
				return 0, err
			}
		}
		// We can tell which operation is being undone by
		//   id in (removed - unclamped)  => insert (we now deleted)
		//   id in (removed & unclamped)  => update (we reversed it)
		//   id in (unclamped - removed)  => delete (we now inserted)
		for id := range removed {
			if !unclamped[id] {
				count--
			}
		}
		for id := range unclamped {
			if !removed[id] {
				count++
			}
		}
	}
	return count, nil
}

// revertRemove deletes every version whose validity range starts at or
// after block and returns the affected entity ids.
func (t *Table) revertRemove(ctx context.Context, conn Conn, block int32) (map[string]bool, error) {
	query := fmt.Sprintf("delete from %s where %q >= %d returning %q",
		t.QualifiedName.Quoted(), t.blockColumn(), block, PrimaryKeyColumn)
	return t.collectIDs(ctx, conn, query)
}

// revertUnclamp reopens every version whose range was closed exactly at
// block, i.e. the pre-images that an update or delete at block clamped.
func (t *Table) revertUnclamp(ctx context.Context, conn Conn, block int32) (map[string]bool, error) {
	query := fmt.Sprintf("update %s set %q = %d where %q = %d returning %q",
		t.QualifiedName.Quoted(), BlockRangeUpperColumn, BlockMax,
		BlockRangeUpperColumn, block, PrimaryKeyColumn)
	return t.collectIDs(ctx, conn, query)
}

func (t *Table) collectIDs(ctx context.Context, conn Conn, query string) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.ResolutionFailure(err, query)
	}
	defer rows.Close()
	ids := make(map[string]bool)
	for rows.Next() {
		var raw interface{}
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Wrap(errors.ErrCategoryWrite, errors.CodeUnexpected,
				fmt.Sprintf("scanning reverted id of %s", t.Name), err)
		}
		id, err := t.decodeID(raw)
		if err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// RevertMetadata deletes the auxiliary bookkeeping data created at or
// after block. For metadata, reversion always means deletion, since the
// data subject to reversion is only ever created, never updated.
func (l *Layout) RevertMetadata(ctx context.Context, conn Conn, block int32) error {
	return catalog.RevertDataSources(ctx, conn, l.Site, block)
}
