package relational

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/blockrel/blockrel/internal/errors"
	"github.com/blockrel/blockrel/internal/schema"
)

// Bucket is one aggregation time bucket, the half-open interval
// [Start, End) with End - Start equal to the rollup interval. Bucket
// boundaries are aligned to multiples of the interval since the Unix
// epoch.
type Bucket struct {
	Start time.Time
	End   time.Time
}

// bucketsIn returns the buckets whose end time falls into (last, now],
// in ascending order. An empty result means no bucket has closed between
// the two times.
func bucketsIn(interval time.Duration, last, now time.Time) []Bucket {
	iv := interval.Microseconds()
	if iv <= 0 {
		return nil
	}
	lastUs := last.UnixMicro()
	nowUs := now.UnixMicro()
	var buckets []Bucket
	for end := (lastUs/iv + 1) * iv; end <= nowUs; end += iv {
		buckets = append(buckets, Bucket{
			Start: time.UnixMicro(end - iv).UTC(),
			End:   time.UnixMicro(end).UTC(),
		})
	}
	return buckets
}

// Rollup aggregates a timeseries source table into an aggregation table,
// one bucket at a time.
type Rollup struct {
	Interval    time.Duration
	Aggregation schema.Aggregation

	source *Table
	target *Table

	// prebuilt select-list fragments, resolved once at construction
	timestampColumn SQLName
	dimColumns      []dimColumn
	exprColumns     []exprColumn
}

type dimColumn struct {
	source SQLName
	target SQLName
}

type exprColumn struct {
	target SQLName
	fn     schema.AggregateFunc
	source SQLName // unset for count
}

// newRollups builds one Rollup per aggregation mapping, in the schema's
// ascending interval order.
func newRollups(l *Layout, s *schema.Schema) ([]*Rollup, error) {
	aggs := s.Aggregations()
	rollups := make([]*Rollup, 0, len(aggs))
	for _, agg := range aggs {
		rollup, err := newRollup(l, agg)
		if err != nil {
			return nil, err
		}
		rollups = append(rollups, rollup)
	}
	return rollups, nil
}

func newRollup(l *Layout, agg schema.Aggregation) (*Rollup, error) {
	source, err := l.TableForEntity(agg.SourceType)
	if err != nil {
		return nil, err
	}
	target, err := l.TableForEntity(agg.AggType)
	if err != nil {
		return nil, err
	}
	if !source.Immutable || !target.Immutable {
		return nil, errors.Internal("aggregation %s: source and aggregation tables must be immutable", agg.AggType)
	}
	// Bucket rows get synthetic sequential int ids; anything else would
	// need a per-group id scheme the insert statement cannot express.
	if target.PrimaryKey().Type.Kind != KindInt8 {
		return nil, errors.Internal("aggregation %s: the id of an aggregation must be an Int8", agg.AggType)
	}
	tsCol, err := source.ColumnForField("timestamp")
	if err != nil {
		return nil, err
	}
	if _, err := target.ColumnForField("timestamp"); err != nil {
		return nil, err
	}

	r := &Rollup{
		Interval:        agg.Interval,
		Aggregation:     agg,
		source:          source,
		target:          target,
		timestampColumn: tsCol.Name,
	}
	for _, dim := range agg.Dimensions {
		sc, err := source.ColumnForField(dim)
		if err != nil {
			return nil, err
		}
		tc, err := target.ColumnForField(dim)
		if err != nil {
			return nil, err
		}
		r.dimColumns = append(r.dimColumns, dimColumn{source: sc.Name, target: tc.Name})
	}
	for _, expr := range agg.Expressions {
		tc, err := target.ColumnForField(expr.Name)
		if err != nil {
			return nil, err
		}
		ec := exprColumn{target: tc.Name, fn: expr.Func}
		if expr.Func != schema.AggCount {
			sc, err := source.ColumnForField(expr.Source)
			if err != nil {
				return nil, err
			}
			ec.source = sc.Name
		}
		r.exprColumns = append(r.exprColumns, ec)
	}
	return r, nil
}

// insertSQL renders the statement filling one bucket. Bucket bounds and
// the block number are inlined since they also appear inside the
// correlated subqueries that first and last expand to.
func (r *Rollup) insertSQL(bucket Bucket, block int32) string {
	startUs := bucket.Start.UnixMicro()
	endUs := bucket.End.UnixMicro()
	inBucket := r.inBucket("", startUs, endUs)

	insertCols := []string{
		SQLName(PrimaryKeyColumn).Quoted(),
		r.timestampColumn.Quoted(),
		VerbatimName(BlockColumn).Quoted(),
	}
	selectCols := []string{
		// Aggregation rows never get deleted, so max(id) only ever grows
		// and the generated ids stay unique.
		fmt.Sprintf("(select coalesce(max(%q), 0) from %s) + row_number() over (order by %s)",
			SQLName(PrimaryKeyColumn), r.target.QualifiedName.Quoted(), r.groupList()),
		fmt.Sprintf("%d", startUs),
		fmt.Sprintf("%d", block),
	}
	for _, dim := range r.dimColumns {
		insertCols = append(insertCols, dim.target.Quoted())
		selectCols = append(selectCols, dim.source.Quoted())
	}
	for _, expr := range r.exprColumns {
		insertCols = append(insertCols, expr.target.Quoted())
		selectCols = append(selectCols, r.aggregateSQL(expr, startUs, endUs))
	}

	var groupBy string
	if len(r.dimColumns) > 0 {
		groupBy = fmt.Sprintf(" group by %s", r.groupList())
	}
	return fmt.Sprintf("insert into %s (%s) select %s from %s where %s%s",
		r.target.QualifiedName.Quoted(),
		strings.Join(insertCols, ", "),
		strings.Join(selectCols, ", "),
		r.source.QualifiedName.Quoted(),
		inBucket, groupBy)
}

// inBucket renders the bucket window condition on the timestamp column,
// optionally qualified with a table alias.
func (r *Rollup) inBucket(qualifier string, startUs, endUs int64) string {
	col := r.timestampColumn.Quoted()
	if qualifier != "" {
		col = qualifier + "." + col
	}
	return fmt.Sprintf("%s >= %d and %s < %d", col, startUs, col, endUs)
}

func (r *Rollup) groupList() string {
	if len(r.dimColumns) == 0 {
		return "1"
	}
	names := make([]string, len(r.dimColumns))
	for i, dim := range r.dimColumns {
		names[i] = dim.source.Quoted()
	}
	return strings.Join(names, ", ")
}

// aggregateSQL renders one aggregate expression over the bucket. first and
// last have no backing aggregate function and become correlated subqueries
// ordered by vid, which follows insertion order within the bucket.
func (r *Rollup) aggregateSQL(expr exprColumn, startUs, endUs int64) string {
	switch expr.fn {
	case schema.AggSum:
		return fmt.Sprintf("sum(%s)", expr.source.Quoted())
	case schema.AggMax:
		return fmt.Sprintf("max(%s)", expr.source.Quoted())
	case schema.AggMin:
		return fmt.Sprintf("min(%s)", expr.source.Quoted())
	case schema.AggCount:
		return "count(*)"
	case schema.AggFirst, schema.AggLast:
		order := "asc"
		if expr.fn == schema.AggLast {
			order = "desc"
		}
		// The alias lets the dimension equalities reach the outer scan,
		// which keeps its original table name.
		conds := []string{r.inBucket("src", startUs, endUs)}
		for _, dim := range r.dimColumns {
			conds = append(conds, fmt.Sprintf("src.%s = %s.%s",
				dim.source.Quoted(), r.source.QualifiedName.Quoted(), dim.source.Quoted()))
		}
		return fmt.Sprintf("(select src.%s from %s as src where %s order by src.%q %s limit 1)",
			expr.source.Quoted(), r.source.QualifiedName.Quoted(),
			strings.Join(conds, " and "), VidColumn, order)
	default:
		panic(fmt.Sprintf("unknown aggregate function %q", expr.fn))
	}
}

// insert materializes one bucket at the given block.
func (r *Rollup) insert(ctx context.Context, conn Conn, bucket Bucket, block int32) error {
	query := r.insertSQL(bucket, block)
	if _, err := conn.ExecContext(ctx, query); err != nil {
		return errors.WriteFailure(err, r.target.Object, block,
			fmt.Sprintf("rollup bucket [%s, %s)", bucket.Start.Format(time.RFC3339), bucket.End.Format(time.RFC3339)))
	}
	return nil
}

// BlockTime pairs a block number with its timestamp.
type BlockTime struct {
	Block int32
	Time  time.Time
}

// Rollup fills, for each supplied (block, time) pair in order, the next
// closed bucket of every aggregation. Only the first bucket per rollup and
// pair is materialized; later buckets for the same pair hold no data since
// there were no writes between consecutive supplied block times, and they
// are picked up on the next pair. Rollups run in ascending interval order,
// so once an interval yields no bucket none of the larger ones can and the
// pair is done. This can delay a bucket's visibility when the chain skips
// many blocks at once, but never loses data.
//
// lastRollup is the resume point, normally the value LastRollup reported
// before a restart; zero means no rollup has ever run and the smallest
// supplied time is used instead.
func (l *Layout) Rollup(ctx context.Context, conn Conn, lastRollup time.Time, blockTimes []BlockTime) error {
	if len(l.rollups) == 0 || len(blockTimes) == 0 {
		return nil
	}
	last := lastRollup
	if last.IsZero() {
		last = blockTimes[0].Time
		for _, bt := range blockTimes[1:] {
			if bt.Time.Before(last) {
				last = bt.Time
			}
		}
	}
	for _, bt := range blockTimes {
		for _, rollup := range l.rollups {
			buckets := bucketsIn(rollup.Interval, last, bt.Time)
			if len(buckets) == 0 {
				break
			}
			if err := rollup.insert(ctx, conn, buckets[0], bt.Block); err != nil {
				return err
			}
		}
		last = bt.Time
	}
	return nil
}

// LastRollup reports the end time of the latest fully materialized bucket
// across all aggregations, or false if no rollup has ever run. Every call
// to Rollup writes a row for every aggregation, so the maximum bucket
// timestamp plus its interval is the correct resume point.
func (l *Layout) LastRollup(ctx context.Context, conn Conn) (time.Time, bool, error) {
	var best time.Time
	found := false
	for _, rollup := range l.rollups {
		query := fmt.Sprintf("select max(%s) from %s",
			rollup.timestampColumn.Quoted(), rollup.target.QualifiedName.Quoted())
		var maxUs sql.NullInt64
		if err := conn.QueryRowContext(ctx, query).Scan(&maxUs); err != nil {
			return time.Time{}, false, errors.ResolutionFailure(err, query)
		}
		if !maxUs.Valid {
			continue
		}
		end := time.UnixMicro(maxUs.Int64).UTC().Add(rollup.Interval)
		if !found || end.After(best) {
			best = end
			found = true
		}
	}
	return best, found, nil
}
