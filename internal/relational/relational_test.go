package relational

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/blockrel/blockrel/internal/catalog"
	"github.com/blockrel/blockrel/internal/schema"
)

// testSchema builds the schema most tests run against: a mutable type with
// a bit of every column shape, an immutable type, a timeseries source with
// an hourly aggregation, and an enum.
func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	def := schema.Definition{
		EntityTypes: []schema.EntityType{
			{
				Name: "Thing",
				Fields: []schema.Field{
					{Name: "id", Type: schema.FieldType{Base: schema.TypeString, NonNull: true}},
					{Name: "name", Type: schema.FieldType{Base: schema.TypeString, NonNull: true}},
					{Name: "count", Type: schema.FieldType{Base: schema.TypeInt}},
					{Name: "owner", Type: schema.FieldType{Base: schema.TypeBytes}},
					{Name: "supply", Type: schema.FieldType{Base: schema.TypeBigInt}},
					{Name: "tags", Type: schema.FieldType{Base: schema.TypeString, IsList: true}},
					{Name: "color", Type: schema.FieldType{Base: "Color"}},
					{Name: "account", Type: schema.FieldType{Base: "Account"}},
				},
			},
			{
				Name: "Account",
				Fields: []schema.Field{
					{Name: "id", Type: schema.FieldType{Base: schema.TypeBytes, NonNull: true}},
					{Name: "balance", Type: schema.FieldType{Base: schema.TypeBigInt, NonNull: true}},
				},
			},
			{
				Name:      "BlockHeader",
				Immutable: true,
				Fields: []schema.Field{
					{Name: "id", Type: schema.FieldType{Base: schema.TypeBytes, NonNull: true}},
					{Name: "number", Type: schema.FieldType{Base: schema.TypeBigInt, NonNull: true}},
				},
			},
			{
				Name:       "TokenData",
				Immutable:  true,
				Timeseries: true,
				Fields: []schema.Field{
					{Name: "id", Type: schema.FieldType{Base: schema.TypeInt8, NonNull: true}},
					{Name: "timestamp", Type: schema.FieldType{Base: schema.TypeTimestamp, NonNull: true}},
					{Name: "token", Type: schema.FieldType{Base: schema.TypeString, NonNull: true}},
					{Name: "amount", Type: schema.FieldType{Base: schema.TypeBigDecimal, NonNull: true}},
					{Name: "price", Type: schema.FieldType{Base: schema.TypeBigDecimal, NonNull: true}},
				},
			},
			{
				Name:      "TokenStats",
				Immutable: true,
				Fields: []schema.Field{
					{Name: "id", Type: schema.FieldType{Base: schema.TypeInt8, NonNull: true}},
					{Name: "timestamp", Type: schema.FieldType{Base: schema.TypeTimestamp, NonNull: true}},
					{Name: "token", Type: schema.FieldType{Base: schema.TypeString, NonNull: true}},
					{Name: "volume", Type: schema.FieldType{Base: schema.TypeBigDecimal}},
					{Name: "trades", Type: schema.FieldType{Base: schema.TypeInt8}},
					{Name: "firstPrice", Type: schema.FieldType{Base: schema.TypeBigDecimal}},
					{Name: "lastPrice", Type: schema.FieldType{Base: schema.TypeBigDecimal}},
				},
			},
		},
		Enums: map[string][]string{
			"Color": {"blue", "red", "yellow"},
		},
		Aggregations: []schema.Aggregation{
			{
				Interval:   time.Hour,
				SourceType: "TokenData",
				AggType:    "TokenStats",
				Dimensions: []string{"token"},
				Expressions: []schema.Expression{
					{Name: "volume", Func: schema.AggSum, Source: "amount"},
					{Name: "trades", Func: schema.AggCount},
					{Name: "firstPrice", Func: schema.AggFirst, Source: "price"},
					{Name: "lastPrice", Func: schema.AggLast, Source: "price"},
				},
			},
		},
	}
	s, err := schema.New(def)
	if err != nil {
		t.Fatalf("failed to build test schema: %v", err)
	}
	return s
}

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "relational_test_*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpFile.Close()

	db, err := sql.Open("sqlite3", tmpFile.Name()+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
		os.Remove(tmpFile.Name())
	})
	return db
}

// testLayout creates a fresh deployment with testSchema's tables in a
// temporary database.
func testLayout(t *testing.T) (*Layout, *sql.DB) {
	t.Helper()
	db := testDB(t)
	ctx := context.Background()

	site, err := catalog.CreateSite(ctx, db, "QmTestDeployment", 0)
	if err != nil {
		t.Fatalf("failed to create site: %v", err)
	}
	layout, err := CreateRelationalSchema(ctx, db, site, testSchema(t), nil)
	if err != nil {
		t.Fatalf("failed to create relational schema: %v", err)
	}
	return layout, db
}
