package relational

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/blockrel/blockrel/internal/entity"
)

func vr(block int32, entityType, id string, vid int64) versionRow {
	return versionRow{
		Block:      block,
		EntityType: entityType,
		ID:         id,
		Vid:        vid,
		Entity:     entity.Entity{"id": id},
	}
}

func TestMergeVersionBounds(t *testing.T) {
	lower := []versionRow{
		vr(10, "Thing", "one", 1),
		vr(12, "Thing", "one", 2),
		vr(12, "Thing", "two", 3),
	}
	upper := []versionRow{
		vr(12, "Thing", "one", 1),
		vr(15, "Thing", "two", 3),
	}

	out := mergeVersionBounds(lower, upper)

	if len(out[10]) != 1 || out[10][0].Kind != SourceCreate {
		t.Errorf("block 10 = %v, want one Create", out[10])
	}
	// At block 12 both bound streams hold Thing[one]: that is a
	// modification carrying the new state; Thing[two] only opens.
	if len(out[12]) != 2 {
		t.Fatalf("block 12 has %d ops, want 2", len(out[12]))
	}
	if out[12][0].Kind != SourceModify || out[12][0].Vid != 2 {
		t.Errorf("block 12 first op = %+v, want Modify with vid 2", out[12][0])
	}
	if out[12][1].Kind != SourceCreate || out[12][1].Vid != 3 {
		t.Errorf("block 12 second op = %+v, want Create with vid 3", out[12][1])
	}
	if len(out[15]) != 1 || out[15][0].Kind != SourceDelete {
		t.Errorf("block 15 = %v, want one Delete", out[15])
	}
}

func TestMergeVersionBounds_VidOrderWithinBlock(t *testing.T) {
	// Rows arrive sorted by (block, type, id); the output must be sorted
	// by vid instead, which reflects write order within the block.
	lower := []versionRow{
		vr(10, "Thing", "a", 5),
		vr(10, "Thing", "b", 2),
		vr(10, "Thing", "c", 9),
	}
	out := mergeVersionBounds(lower, nil)
	ops := out[10]
	if len(ops) != 3 {
		t.Fatalf("got %d ops, want 3", len(ops))
	}
	for i := 1; i < len(ops); i++ {
		if ops[i-1].Vid > ops[i].Vid {
			t.Errorf("ops out of vid order: %d before %d", ops[i-1].Vid, ops[i].Vid)
		}
	}
}

// TestProperty_MergeMatchesNaiveDiff checks the sorted merge against a
// naive map-based classification over a small fixed key universe.
func TestProperty_MergeMatchesNaiveDiff(t *testing.T) {
	universe := make([]versionRow, 0, 12)
	vid := int64(1)
	for _, block := range []int32{5, 7} {
		for _, typ := range []string{"A", "B"} {
			for _, id := range []string{"x", "y", "z"} {
				universe = append(universe, vr(block, typ, id, vid))
				vid++
			}
		}
	}

	pick := func(mask int) []versionRow {
		var out []versionRow
		for i, row := range universe {
			if mask&(1<<i) != 0 {
				out = append(out, row)
			}
		}
		return out
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("merge classifies every key like a naive diff", prop.ForAll(
		func(lowerMask, upperMask int) bool {
			lower, upper := pick(lowerMask), pick(upperMask)
			got := mergeVersionBounds(lower, upper)

			type rowKey struct {
				block int32
				typ   string
				id    string
			}
			want := make(map[rowKey]SourceOpKind)
			for _, row := range lower {
				want[rowKey{row.Block, row.EntityType, row.ID}] = SourceCreate
			}
			for _, row := range upper {
				k := rowKey{row.Block, row.EntityType, row.ID}
				if _, ok := want[k]; ok {
					want[k] = SourceModify
				} else {
					want[k] = SourceDelete
				}
			}

			total := 0
			for block, ops := range got {
				for _, op := range ops {
					id := fmt.Sprint(op.Entity["id"])
					kind, ok := want[rowKey{block, op.EntityType, id}]
					if !ok || kind != op.Kind {
						return false
					}
					total++
				}
			}
			return total == len(want)
		},
		gen.IntRange(0, 1<<12-1),
		gen.IntRange(0, 1<<12-1),
	))

	properties.TestingRun(t)
}

func TestLayout_FindRange(t *testing.T) {
	layout, db := testLayout(t)
	ctx := context.Background()

	if err := layout.Insert(ctx, db, &RowGroup{
		EntityType: "Thing",
		Rows:       []EntityVersion{{Key: thingKey("one"), Data: thingV1(), Block: 10}},
	}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	v2 := thingV1()
	v2["name"] = "second"
	if _, err := layout.Update(ctx, db, &RowGroup{
		EntityType: "Thing",
		Rows:       []EntityVersion{{Key: thingKey("one"), Data: v2, Block: 12}},
		Clamps:     []Clamp{{Key: thingKey("one"), Block: 12}},
	}, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}
	two := thingV1()
	two["id"] = "two"
	if err := layout.Insert(ctx, db, &RowGroup{
		EntityType: "Thing",
		Rows:       []EntityVersion{{Key: thingKey("two"), Data: two, Block: 12}},
	}, nil); err != nil {
		t.Fatalf("Insert two: %v", err)
	}
	if _, err := layout.Delete(ctx, db, &RowGroup{
		EntityType: "Thing",
		Clamps:     []Clamp{{Key: thingKey("one"), Block: 15}},
	}, nil); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	// An immutable entity inside the window is always a creation.
	if err := layout.Insert(ctx, db, &RowGroup{
		EntityType: "BlockHeader",
		Rows: []EntityVersion{{
			Key:   entity.Key{EntityType: "BlockHeader", ID: "0xabcd"},
			Data:  entity.Entity{"id": []byte{0xab, 0xcd}, "number": big.NewInt(12)},
			Block: 12,
		}},
	}, nil); err != nil {
		t.Fatalf("Insert header: %v", err)
	}

	out, err := layout.FindRange(ctx, db, []string{"Thing", "BlockHeader"}, entity.DefaultCausalityRegion, 11, 20)
	if err != nil {
		t.Fatalf("FindRange: %v", err)
	}

	if len(out) != 2 {
		t.Fatalf("FindRange covers %d blocks, want 2: %v", len(out), out)
	}
	// Block 10 lies before the window and must not appear.
	if _, ok := out[10]; ok {
		t.Error("block 10 must not be part of [11, 20)")
	}

	ops12 := out[12]
	if len(ops12) != 3 {
		t.Fatalf("block 12 has %d ops, want 3: %v", len(ops12), ops12)
	}
	kinds := map[string]SourceOpKind{}
	for _, op := range ops12 {
		id, _ := op.Entity.ID()
		kinds[op.EntityType+"/"+id] = op.Kind
	}
	if kinds["Thing/one"] != SourceModify {
		t.Errorf("Thing[one] at 12 = %v, want Modify", kinds["Thing/one"])
	}
	if kinds["Thing/two"] != SourceCreate {
		t.Errorf("Thing[two] at 12 = %v, want Create", kinds["Thing/two"])
	}
	if kinds["BlockHeader/0xabcd"] != SourceCreate {
		t.Errorf("BlockHeader at 12 = %v, want Create", kinds["BlockHeader/0xabcd"])
	}
	// The modification carries the new state.
	for _, op := range ops12 {
		if op.Kind == SourceModify && op.Entity["name"] != "second" {
			t.Errorf("Modify entity = %v, want the second version", op.Entity)
		}
	}

	ops15 := out[15]
	if len(ops15) != 1 || ops15[0].Kind != SourceDelete {
		t.Fatalf("block 15 = %v, want one Delete", ops15)
	}
	// The deletion carries the last state the entity had.
	if ops15[0].Entity["name"] != "second" {
		t.Errorf("Delete entity = %v, want the second version", ops15[0].Entity)
	}
}
