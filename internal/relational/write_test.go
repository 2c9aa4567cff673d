package relational

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/blockrel/blockrel/internal/entity"
	"github.com/blockrel/blockrel/internal/errors"
)

func TestRowGroup_IDs(t *testing.T) {
	group := &RowGroup{
		EntityType: "Thing",
		Rows: []EntityVersion{
			{Key: thingKey("one"), Block: 10},
			{Key: thingKey("two"), Block: 10},
			{Key: thingKey("one"), Block: 12},
		},
		Clamps: []Clamp{
			{Key: thingKey("one"), Block: 12},
			{Key: thingKey("three"), Block: 12},
		},
	}
	if got, want := group.IDs(), []string{"one", "two", "three"}; !reflect.DeepEqual(got, want) {
		t.Errorf("IDs = %v, want %v", got, want)
	}
}

func TestRowGroup_ClampsByBlock(t *testing.T) {
	regionKey := func(id string, region int32) entity.Key {
		k := thingKey(id)
		k.CausalityRegion = region
		return k
	}
	group := &RowGroup{
		EntityType: "Thing",
		Clamps: []Clamp{
			{Key: thingKey("c"), Block: 12},
			{Key: thingKey("a"), Block: 10},
			{Key: regionKey("b", 1), Block: 10},
			{Key: thingKey("d"), Block: 10},
		},
	}
	groups := group.clampsByBlock()
	if len(groups) != 3 {
		t.Fatalf("got %d groups, want 3", len(groups))
	}
	// Ascending by block, then by region.
	if groups[0].block != 10 || groups[0].region != 0 {
		t.Errorf("groups[0] = %+v, want block 10 region 0", groups[0])
	}
	if !reflect.DeepEqual(groups[0].ids, []string{"a", "d"}) {
		t.Errorf("groups[0].ids = %v, want [a d]", groups[0].ids)
	}
	if groups[1].block != 10 || groups[1].region != 1 {
		t.Errorf("groups[1] = %+v, want block 10 region 1", groups[1])
	}
	if groups[2].block != 12 {
		t.Errorf("groups[2] = %+v, want block 12", groups[2])
	}
}

func TestTable_InsertChunkSize(t *testing.T) {
	layout, _ := testLayout(t)
	thing := mustTable(t, layout, "Thing")

	_, names := thing.insertColumns()
	want := maxBindParams / len(names)
	if got := thing.insertChunkSize(); got != want {
		t.Errorf("insertChunkSize = %d, want %d", got, want)
	}
	if got := thing.insertChunkSize(); got*len(names) > maxBindParams {
		t.Errorf("chunk of %d rows exceeds the bind parameter limit", got)
	}
}

func TestChunkDetails(t *testing.T) {
	chunk := []EntityVersion{
		{Key: thingKey("one"), Block: 12},
		{Key: thingKey("two"), Block: 10},
	}
	last, details := chunkDetails(chunk)
	if last != 12 {
		t.Errorf("last block = %d, want 12", last)
	}
	if !strings.Contains(details, "insert 2 rows at blocks [10, 12]") {
		t.Errorf("details = %q", details)
	}
	if !strings.Contains(details, "Thing[one]") || !strings.Contains(details, "Thing[two]") {
		t.Errorf("small chunks should list ids: %q", details)
	}

	_, details = chunkDetails(chunk[:1])
	if !strings.Contains(details, "insert 1 rows") || strings.Contains(details, "blocks [") {
		t.Errorf("single-block details = %q", details)
	}
}

func TestLayout_InsertBatch(t *testing.T) {
	layout, db := testLayout(t)
	ctx := context.Background()

	// More rows than fit in one statement, to exercise chunking.
	thing := mustTable(t, layout, "Thing")
	n := thing.insertChunkSize() + 3
	group := &RowGroup{EntityType: "Thing"}
	for i := 0; i < n; i++ {
		id := "batch-" + string(rune('a'+i%26)) + string(rune('a'+(i/26)%26)) + string(rune('a'+i/676))
		data := thingV1()
		data["id"] = id
		group.Rows = append(group.Rows, EntityVersion{Key: thingKey(id), Data: data, Block: 5})
	}
	if err := layout.Insert(ctx, db, group, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx,
		`select count(*) from "sgd1_thing" where "block_range_lower" = 5`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != n {
		t.Errorf("inserted %d rows, want %d", count, n)
	}
}

func TestLayout_UpdateClampCount(t *testing.T) {
	layout, db := testLayout(t)
	ctx := context.Background()

	group := &RowGroup{
		EntityType: "Thing",
		Rows:       []EntityVersion{{Key: thingKey("one"), Data: thingV1(), Block: 10}},
	}
	if err := layout.Insert(ctx, db, group, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	v2 := thingV1()
	v2["count"] = int32(7)
	update := &RowGroup{
		EntityType: "Thing",
		Rows:       []EntityVersion{{Key: thingKey("one"), Data: v2, Block: 12}},
		Clamps:     []Clamp{{Key: thingKey("one"), Block: 12}},
	}
	inserted, err := layout.Update(ctx, db, update, nil)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if inserted != 1 {
		t.Errorf("Update inserted %d rows, want 1", inserted)
	}

	// Clamping an id with no open version affects nothing but is not an
	// error; the count only reflects inserts.
	orphan := &RowGroup{
		EntityType: "Thing",
		Rows:       []EntityVersion{{Key: thingKey("ghost"), Data: mustGhost(), Block: 14}},
		Clamps:     []Clamp{{Key: thingKey("ghost"), Block: 14}},
	}
	if _, err := layout.Update(ctx, db, orphan, nil); err != nil {
		t.Fatalf("Update with no open version: %v", err)
	}
}

func mustGhost() entity.Entity {
	data := thingV1()
	data["id"] = "ghost"
	return data
}

func TestLayout_DeleteChunksByBindLimit(t *testing.T) {
	layout, db := testLayout(t)
	ctx := context.Background()

	// More clamps at one block than a single statement may bind; each id is
	// one bind parameter, so the clamp must split into sub-batches.
	n := maxBindParams + 5
	insert := &RowGroup{EntityType: "Thing"}
	remove := &RowGroup{EntityType: "Thing"}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("bulk-%d", i)
		data := thingV1()
		data["id"] = id
		insert.Rows = append(insert.Rows, EntityVersion{Key: thingKey(id), Data: data, Block: 5})
		remove.Clamps = append(remove.Clamps, Clamp{Key: thingKey(id), Block: 20})
	}
	if err := layout.Insert(ctx, db, insert, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	closed, err := layout.Delete(ctx, db, remove, nil)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if closed != n {
		t.Errorf("Delete closed %d versions, want %d", closed, n)
	}
	var open int
	if err := db.QueryRowContext(ctx,
		fmt.Sprintf(`select count(*) from "sgd1_thing" where "block_range_upper" = %d`, BlockMax)).Scan(&open); err != nil {
		t.Fatal(err)
	}
	if open != 0 {
		t.Errorf("%d versions still open after delete", open)
	}
}

func TestLayout_DeleteNoClamps(t *testing.T) {
	layout, db := testLayout(t)

	group := &RowGroup{EntityType: "Thing"}
	n, err := layout.Delete(context.Background(), db, group, nil)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n != 0 {
		t.Errorf("Delete with no clamps removed %d, want 0", n)
	}
}

func TestLayout_WriteUnknownType(t *testing.T) {
	layout, db := testLayout(t)

	group := &RowGroup{EntityType: "NoSuch"}
	if err := layout.Insert(context.Background(), db, group, nil); errors.GetCode(err) != errors.CodeUnknownTable {
		t.Errorf("Insert on unknown type: err = %v, want CodeUnknownTable", err)
	}
}
