package relational

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/blockrel/blockrel/internal/entity"
	"github.com/blockrel/blockrel/internal/errors"
	"github.com/blockrel/blockrel/internal/observability"
)

func insertThing(t *testing.T, layout *Layout, db Conn, id string, block int32, account []byte) {
	t.Helper()
	data := thingV1()
	data["id"] = id
	data["account"] = account
	group := &RowGroup{
		EntityType: "Thing",
		Rows:       []EntityVersion{{Key: thingKey(id), Data: data, Block: block}},
	}
	if err := layout.Insert(context.Background(), db, group, nil); err != nil {
		t.Fatalf("inserting %s: %v", id, err)
	}
}

func TestLayout_FindDerived(t *testing.T) {
	layout, db := testLayout(t)
	ctx := context.Background()

	parent := []byte{0x01, 0x02}
	insertThing(t, layout, db, "one", 10, parent)
	insertThing(t, layout, db, "two", 10, parent)
	insertThing(t, layout, db, "three", 10, []byte{0x03, 0x03})

	dq := &DerivedQuery{EntityType: "Thing", Field: "account", ParentID: "0x0102"}
	found, err := layout.FindDerived(ctx, db, dq, 20, nil)
	if err != nil {
		t.Fatalf("FindDerived: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("found %d entities, want 2", len(found))
	}
	if _, ok := found[thingKey("one")]; !ok {
		t.Error("one should be in the result")
	}
	if _, ok := found[thingKey("three")]; ok {
		t.Error("three references another parent")
	}

	// Exclusions drop keys the caller already has.
	found, err = layout.FindDerived(ctx, db, dq, 20, []entity.Key{thingKey("one")})
	if err != nil {
		t.Fatalf("FindDerived with exclusions: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("found %d entities, want 1", len(found))
	}
	if _, ok := found[thingKey("two")]; !ok {
		t.Error("two should remain after excluding one")
	}

	// Before the entities existed, nothing matches.
	found, err = layout.FindDerived(ctx, db, dq, 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 0 {
		t.Errorf("found %d entities at block 5, want 0", len(found))
	}

	if _, err := layout.FindDerived(ctx, db,
		&DerivedQuery{EntityType: "Thing", Field: "noSuch", ParentID: "x"}, 20, nil); errors.GetCode(err) != errors.CodeUnknownField {
		t.Errorf("unknown field: err = %v, want CodeUnknownField", err)
	}
}

func TestLayout_QueryRecordsStats(t *testing.T) {
	layout, db := testLayout(t)
	ctx := context.Background()

	insertThing(t, layout, db, "one", 10, []byte{0x01})
	insertThing(t, layout, db, "two", 10, []byte{0x02})

	thing := mustTable(t, layout, "Thing")
	stmt := &PreparedStatement{
		EntityType: "Thing",
		SQL: fmt.Sprintf("select %s from %s where %s",
			thing.selectList(thing.dataColumns()), thing.QualifiedName.Quoted(), thing.atBlock(20)),
	}

	stats := observability.NewQueryStats(time.Hour)
	for i := 0; i < 3; i++ {
		if _, _, err := layout.Query(ctx, db, stmt, QueryOptions{Stats: stats}); err != nil {
			t.Fatalf("Query: %v", err)
		}
	}

	if stats.Len() != 1 {
		t.Fatalf("Len = %d, want 1 statement shape", stats.Len())
	}
	top := stats.TopByTotal(1)
	if top[0].Count != 3 {
		t.Errorf("Count = %d, want 3", top[0].Count)
	}
	if top[0].Entities != 6 {
		t.Errorf("Entities = %d, want 6", top[0].Entities)
	}
	if top[0].Fingerprint != observability.Fingerprint(stmt.SQL) {
		t.Error("stats keyed by the wrong fingerprint")
	}
}

func TestTranslateQueryError(t *testing.T) {
	if err := translateQueryError(fmt.Errorf("fts5: syntax error near \"(\""), "q"); errors.GetCode(err) != errors.CodeFulltextSyntax {
		t.Errorf("fts5 error: got %v", err)
	}
	timeout := translateQueryError(context.DeadlineExceeded, "q")
	if errors.GetCode(timeout) != errors.CodeExecutionTimeout {
		t.Errorf("deadline error: got %v", timeout)
	}
	if !errors.IsRetryable(timeout) {
		t.Error("timeouts are retryable")
	}
	if err := translateQueryError(fmt.Errorf("no such table: x"), "q"); errors.GetCode(err) != errors.CodeResolutionFailure {
		t.Errorf("generic error: got %v", err)
	}
}
