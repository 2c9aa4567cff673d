package relational

import (
	"context"
	"testing"
	"time"

	"github.com/blockrel/blockrel/internal/entity"
)

func TestBucketsIn(t *testing.T) {
	hour := time.Hour
	at := func(h, m int) time.Time {
		return time.Date(2026, 3, 1, h, m, 0, 0, time.UTC)
	}

	// No bucket closes between two times inside the same hour.
	if got := bucketsIn(hour, at(10, 15), at(10, 45)); len(got) != 0 {
		t.Errorf("bucketsIn(10:15, 10:45) = %v, want none", got)
	}
	// Equal times never yield a bucket.
	if got := bucketsIn(hour, at(10, 15), at(10, 15)); len(got) != 0 {
		t.Errorf("bucketsIn(10:15, 10:15) = %v, want none", got)
	}

	got := bucketsIn(hour, at(10, 30), at(12, 45))
	if len(got) != 2 {
		t.Fatalf("bucketsIn(10:30, 12:45) = %v, want 2 buckets", got)
	}
	if !got[0].Start.Equal(at(10, 0)) || !got[0].End.Equal(at(11, 0)) {
		t.Errorf("first bucket = %v, want [10:00, 11:00)", got[0])
	}
	if !got[1].Start.Equal(at(11, 0)) || !got[1].End.Equal(at(12, 0)) {
		t.Errorf("second bucket = %v, want [11:00, 12:00)", got[1])
	}

	// A bucket ending exactly at now is closed and included.
	got = bucketsIn(hour, at(10, 30), at(11, 0))
	if len(got) != 1 || !got[0].End.Equal(at(11, 0)) {
		t.Errorf("bucketsIn(10:30, 11:00) = %v, want the bucket ending 11:00", got)
	}
	// A bucket ending exactly at last is already filled and excluded.
	if got := bucketsIn(hour, at(11, 0), at(11, 30)); len(got) != 0 {
		t.Errorf("bucketsIn(11:00, 11:30) = %v, want none", got)
	}
}

func tokenRow(id int64, ts time.Time, token, amount, price string) entity.Entity {
	return entity.Entity{
		"id":        id,
		"timestamp": ts,
		"token":     token,
		"amount":    amount,
		"price":     price,
	}
}

func insertTokenData(t *testing.T, layout *Layout, db Conn, block int32, rows ...entity.Entity) {
	t.Helper()
	group := &RowGroup{EntityType: "TokenData"}
	for _, row := range rows {
		id, err := row.ID()
		if err != nil {
			t.Fatalf("row id: %v", err)
		}
		group.Rows = append(group.Rows, EntityVersion{
			Key:   entity.Key{EntityType: "TokenData", ID: id},
			Data:  row,
			Block: block,
		})
	}
	if err := layout.Insert(context.Background(), db, group, nil); err != nil {
		t.Fatalf("Insert token data: %v", err)
	}
}

func TestLayout_Rollup(t *testing.T) {
	layout, db := testLayout(t)
	ctx := context.Background()
	at := func(h, m int) time.Time {
		return time.Date(2026, 3, 1, h, m, 0, 0, time.UTC)
	}

	insertTokenData(t, layout, db, 1, tokenRow(1, at(10, 15), "ETH", "1", "100"))
	insertTokenData(t, layout, db, 2, tokenRow(2, at(10, 45), "ETH", "2", "110"))
	insertTokenData(t, layout, db, 3,
		tokenRow(3, at(11, 20), "ETH", "3", "120"),
		tokenRow(4, at(11, 20), "BTC", "5", "900"))

	// Before any rollup there is no resume point.
	if _, ok, err := layout.LastRollup(ctx, db); err != nil || ok {
		t.Fatalf("LastRollup before rollup = (%v, %v), want none", ok, err)
	}

	// The first two pairs close no bucket; the third closes [10:00, 11:00)
	// and materializes it at block 3.
	err := layout.Rollup(ctx, db, time.Time{}, []BlockTime{
		{Block: 1, Time: at(10, 15)},
		{Block: 2, Time: at(10, 45)},
		{Block: 3, Time: at(11, 20)},
	})
	if err != nil {
		t.Fatalf("Rollup: %v", err)
	}

	stats, _ := layout.TableForEntity("TokenStats")
	var volume, first, last float64
	var trades, block, ts int64
	row := db.QueryRowContext(ctx,
		`select "volume", "trades", "first_price", "last_price", "block$", "timestamp" from `+
			stats.QualifiedName.Quoted()+` where "token" = 'ETH'`)
	if err := row.Scan(&volume, &trades, &first, &last, &block, &ts); err != nil {
		t.Fatalf("reading aggregation row: %v", err)
	}
	if volume != 3 || trades != 2 {
		t.Errorf("volume/trades = %v/%v, want 3/2", volume, trades)
	}
	if first != 100 || last != 110 {
		t.Errorf("first/last price = %v/%v, want 100/110", first, last)
	}
	if block != 3 {
		t.Errorf("rollup block = %d, want 3", block)
	}
	if got := time.UnixMicro(ts).UTC(); !got.Equal(at(10, 0)) {
		t.Errorf("bucket timestamp = %v, want 10:00", got)
	}
	// BTC only traded at 11:20, after the bucket closed; no row for it yet.
	var n int
	if err := db.QueryRowContext(ctx,
		`select count(*) from `+stats.QualifiedName.Quoted()+` where "token" = 'BTC'`).Scan(&n); err != nil {
		t.Fatalf("counting BTC rows: %v", err)
	}
	if n != 0 {
		t.Errorf("BTC rows = %d, want 0", n)
	}

	// The resume point is the end of the materialized bucket.
	lastRollup, ok, err := layout.LastRollup(ctx, db)
	if err != nil || !ok {
		t.Fatalf("LastRollup = (%v, %v), want a time", ok, err)
	}
	if !lastRollup.Equal(at(11, 0)) {
		t.Errorf("LastRollup = %v, want 11:00", lastRollup)
	}

	// Resuming from there fills the next bucket, now including BTC.
	err = layout.Rollup(ctx, db, lastRollup, []BlockTime{{Block: 4, Time: at(12, 5)}})
	if err != nil {
		t.Fatalf("Rollup resume: %v", err)
	}
	row = db.QueryRowContext(ctx,
		`select "volume", "trades", "first_price", "last_price" from `+
			stats.QualifiedName.Quoted()+` where "token" = 'BTC'`)
	if err := row.Scan(&volume, &trades, &first, &last); err != nil {
		t.Fatalf("reading BTC aggregation row: %v", err)
	}
	if volume != 5 || trades != 1 || first != 900 || last != 900 {
		t.Errorf("BTC bucket = %v/%v/%v/%v, want 5/1/900/900", volume, trades, first, last)
	}

	// Generated aggregation ids are unique.
	if err := db.QueryRowContext(ctx,
		`select count(*) - count(distinct "id") from `+stats.QualifiedName.Quoted()).Scan(&n); err != nil {
		t.Fatalf("checking id uniqueness: %v", err)
	}
	if n != 0 {
		t.Errorf("found %d duplicate aggregation ids", n)
	}
}
