// Package catalog manages deployment metadata: which deployments exist,
// what namespace their tables live in, the stored schema document, and the
// per-table flags (account-like, history retention) that query planning
// reads back.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"github.com/blockrel/blockrel/internal/errors"
	"github.com/blockrel/blockrel/internal/schema"
)

// Conn is the blocking statement executor catalog operations run against.
// Both *sql.DB and *sql.Tx satisfy it.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Site identifies where one deployment's tables live.
type Site struct {
	// ID is the numeric key of the deployment row.
	ID int64
	// Deployment is the stable external identifier of the deployment.
	Deployment string
	// Namespace is the prefix under which all of the deployment's tables
	// are created.
	Namespace string
}

const metaDDL = `
create table if not exists blockrel_deployments (
	id              integer primary key autoincrement,
	deployment      text not null unique,
	namespace       text not null unique,
	schema_doc      blob,
	history_blocks  integer not null default 2147483647,
	use_bytes_prefix integer not null default 1,
	use_poi         integer not null default 1,
	created_at      integer not null
);
create table if not exists blockrel_table_stats (
	namespace       text not null,
	table_name      text not null,
	is_account_like integer not null default 0,
	primary key (namespace, table_name)
);
create table if not exists blockrel_text_columns (
	namespace   text not null,
	table_name  text not null,
	column_name text not null,
	primary key (namespace, table_name, column_name)
);
create table if not exists blockrel_causality_entities (
	namespace   text not null,
	entity_type text not null,
	primary key (namespace, entity_type)
);
create table if not exists blockrel_data_sources (
	namespace  text not null,
	block      integer not null,
	name       text not null,
	param      blob,
	created_at integer not null
);
create index if not exists blockrel_data_sources_block
	on blockrel_data_sources(namespace, block);
`

// EnsureMetaTables creates the catalog's own bookkeeping tables.
func EnsureMetaTables(ctx context.Context, conn Conn) error {
	for _, stmt := range splitStatements(metaDDL) {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(errors.ErrCategoryCatalog, errors.CodeUnexpected,
				"creating catalog tables", err)
		}
	}
	return nil
}

func splitStatements(ddl string) []string {
	var out []string
	for _, stmt := range strings.Split(ddl, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// CreateSite registers a new deployment and assigns it a namespace. If
// deployment is empty a fresh UUID is minted for it; a non-positive
// historyBlocks disables history pruning.
func CreateSite(ctx context.Context, conn Conn, deployment string, historyBlocks int32) (*Site, error) {
	if err := EnsureMetaTables(ctx, conn); err != nil {
		return nil, err
	}
	if deployment == "" {
		deployment = uuid.NewString()
	}
	if historyBlocks <= 0 {
		// Zero means no pruning horizon; store the open-bound sentinel so
		// layouts built fresh and layouts refreshed from the catalog agree.
		historyBlocks = 2147483647
	}
	res, err := conn.ExecContext(ctx,
		`insert into blockrel_deployments(deployment, namespace, history_blocks, created_at)
		 values (?, ?, ?, ?)`,
		deployment, "pending", historyBlocks, time.Now().Unix())
	if err != nil {
		return nil, errors.Wrap(errors.ErrCategoryCatalog, errors.CodeUnexpected,
			fmt.Sprintf("registering deployment %q", deployment), err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCategoryCatalog, errors.CodeUnexpected,
			"reading deployment id", err)
	}
	namespace := fmt.Sprintf("sgd%d", id)
	if _, err := conn.ExecContext(ctx,
		`update blockrel_deployments set namespace = ? where id = ?`, namespace, id); err != nil {
		return nil, errors.Wrap(errors.ErrCategoryCatalog, errors.CodeUnexpected,
			"assigning namespace", err)
	}
	return &Site{ID: id, Deployment: deployment, Namespace: namespace}, nil
}

// FindSite looks up the site for a deployment identifier.
func FindSite(ctx context.Context, conn Conn, deployment string) (*Site, error) {
	site := &Site{Deployment: deployment}
	err := conn.QueryRowContext(ctx,
		`select id, namespace from blockrel_deployments where deployment = ?`, deployment).
		Scan(&site.ID, &site.Namespace)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrCategoryCatalog, errors.CodeDeploymentNotFound,
			fmt.Sprintf("deployment %q does not exist", deployment))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCategoryCatalog, errors.CodeUnexpected,
			fmt.Sprintf("looking up deployment %q", deployment), err)
	}
	return site, nil
}

// Catalog reports the catalog-derived flags one Layout is built against.
type Catalog struct {
	Site *Site

	// UseBytesPrefix controls whether byte-array columns are compared and
	// indexed by prefix. Older deployments indexed full values; query
	// generation has to match that.
	UseBytesPrefix bool

	// UsePOI controls whether the deployment carries a proof-of-indexing
	// table.
	UsePOI bool

	// EntitiesWithCausalityRegion lists the entity types whose tables carry
	// an explicit causality_region column.
	EntitiesWithCausalityRegion map[string]bool

	// textColumns records columns that predate enum support and were
	// created as plain text even though their field is an enum.
	textColumns map[string]map[string]bool
}

// New builds an in-memory catalog with default flags, detached from any
// database. Used for rendering table definitions without a deployment.
func New(site *Site) *Catalog {
	return &Catalog{
		Site:                        site,
		UseBytesPrefix:              true,
		UsePOI:                      true,
		EntitiesWithCausalityRegion: map[string]bool{},
		textColumns:                 map[string]map[string]bool{},
	}
}

// ForCreation builds the catalog state for a brand-new deployment. There
// are no pre-existing columns, so the text-column escape hatch is empty.
func ForCreation(ctx context.Context, conn Conn, site *Site, entitiesWithCausalityRegion map[string]bool) (*Catalog, error) {
	if err := EnsureMetaTables(ctx, conn); err != nil {
		return nil, err
	}
	if entitiesWithCausalityRegion == nil {
		entitiesWithCausalityRegion = map[string]bool{}
	}
	for et := range entitiesWithCausalityRegion {
		if _, err := conn.ExecContext(ctx,
			`insert or ignore into blockrel_causality_entities(namespace, entity_type) values (?, ?)`,
			site.Namespace, et); err != nil {
			return nil, errors.Wrap(errors.ErrCategoryCatalog, errors.CodeUnexpected,
				"recording causality entities", err)
		}
	}
	return &Catalog{
		Site:                        site,
		UseBytesPrefix:              true,
		UsePOI:                      true,
		EntitiesWithCausalityRegion: entitiesWithCausalityRegion,
		textColumns:                 map[string]map[string]bool{},
	}, nil
}

// Load reads the catalog state for an existing deployment.
func Load(ctx context.Context, conn Conn, site *Site) (*Catalog, error) {
	c := &Catalog{
		Site:                        site,
		EntitiesWithCausalityRegion: map[string]bool{},
		textColumns:                 map[string]map[string]bool{},
	}
	var useBytesPrefix, usePOI int
	err := conn.QueryRowContext(ctx,
		`select use_bytes_prefix, use_poi from blockrel_deployments where id = ?`, site.ID).
		Scan(&useBytesPrefix, &usePOI)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCategoryCatalog, errors.CodeUnexpected,
			fmt.Sprintf("loading deployment flags for %q", site.Deployment), err)
	}
	c.UseBytesPrefix = useBytesPrefix != 0
	c.UsePOI = usePOI != 0

	rows, err := conn.QueryContext(ctx,
		`select entity_type from blockrel_causality_entities where namespace = ?`, site.Namespace)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCategoryCatalog, errors.CodeUnexpected,
			"loading causality entities", err)
	}
	defer rows.Close()
	for rows.Next() {
		var et string
		if err := rows.Scan(&et); err != nil {
			return nil, errors.Wrap(errors.ErrCategoryCatalog, errors.CodeUnexpected,
				"scanning causality entity", err)
		}
		c.EntitiesWithCausalityRegion[et] = true
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCategoryCatalog, errors.CodeUnexpected,
			"iterating causality entities", err)
	}

	textRows, err := conn.QueryContext(ctx,
		`select table_name, column_name from blockrel_text_columns where namespace = ?`, site.Namespace)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCategoryCatalog, errors.CodeUnexpected,
			"loading text columns", err)
	}
	defer textRows.Close()
	for textRows.Next() {
		var table, column string
		if err := textRows.Scan(&table, &column); err != nil {
			return nil, errors.Wrap(errors.ErrCategoryCatalog, errors.CodeUnexpected,
				"scanning text column", err)
		}
		if c.textColumns[table] == nil {
			c.textColumns[table] = map[string]bool{}
		}
		c.textColumns[table][column] = true
	}
	return c, textRows.Err()
}

// IsExistingTextColumn reports whether the named column was created as
// plain text before enum columns existed. Such columns stay text forever.
func (c *Catalog) IsExistingTextColumn(table, column string) bool {
	return c.textColumns[table][column]
}

// RegisterTextColumn records a legacy text column; used by migration
// tooling and tests.
func RegisterTextColumn(ctx context.Context, conn Conn, site *Site, table, column string) error {
	_, err := conn.ExecContext(ctx,
		`insert or ignore into blockrel_text_columns(namespace, table_name, column_name) values (?, ?, ?)`,
		site.Namespace, table, column)
	if err != nil {
		return errors.Wrap(errors.ErrCategoryCatalog, errors.CodeUnexpected,
			"registering text column", err)
	}
	return nil
}

// AccountLike returns the set of table names flagged account-like.
func AccountLike(ctx context.Context, conn Conn, site *Site) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx,
		`select table_name from blockrel_table_stats where namespace = ? and is_account_like = 1`,
		site.Namespace)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCategoryCatalog, errors.CodeUnexpected,
			"loading account-like flags", err)
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(errors.ErrCategoryCatalog, errors.CodeUnexpected,
				"scanning account-like flag", err)
		}
		out[name] = true
	}
	return out, rows.Err()
}

// SetAccountLike flips the account-like flag for one table.
func SetAccountLike(ctx context.Context, conn Conn, site *Site, table string, accountLike bool) error {
	flag := 0
	if accountLike {
		flag = 1
	}
	_, err := conn.ExecContext(ctx,
		`insert into blockrel_table_stats(namespace, table_name, is_account_like)
		 values (?, ?, ?)
		 on conflict(namespace, table_name) do update set is_account_like = excluded.is_account_like`,
		site.Namespace, table, flag)
	if err != nil {
		return errors.Wrap(errors.ErrCategoryCatalog, errors.CodeUnexpected,
			"setting account-like flag", err)
	}
	return nil
}

// HistoryBlocks returns the deployment's history retention horizon.
func HistoryBlocks(ctx context.Context, conn Conn, site *Site) (int32, error) {
	var blocks int32
	err := conn.QueryRowContext(ctx,
		`select history_blocks from blockrel_deployments where id = ?`, site.ID).Scan(&blocks)
	if err != nil {
		return 0, errors.Wrap(errors.ErrCategoryCatalog, errors.CodeUnexpected,
			"loading history blocks", err)
	}
	return blocks, nil
}

// SetHistoryBlocks updates the deployment's history retention horizon.
func SetHistoryBlocks(ctx context.Context, conn Conn, site *Site, blocks int32) error {
	_, err := conn.ExecContext(ctx,
		`update blockrel_deployments set history_blocks = ? where id = ?`, blocks, site.ID)
	if err != nil {
		return errors.Wrap(errors.ErrCategoryCatalog, errors.CodeUnexpected,
			"setting history blocks", err)
	}
	return nil
}

// SaveSchema persists the schema document for the deployment, compressed
// with snappy.
func SaveSchema(ctx context.Context, conn Conn, site *Site, s *schema.Schema) error {
	doc, err := json.Marshal(s.Definition())
	if err != nil {
		return errors.Wrap(errors.ErrCategoryCatalog, errors.CodeCorruptSchema,
			"encoding schema document", err)
	}
	blob := snappy.Encode(nil, doc)
	if _, err := conn.ExecContext(ctx,
		`update blockrel_deployments set schema_doc = ? where id = ?`, blob, site.ID); err != nil {
		return errors.Wrap(errors.ErrCategoryCatalog, errors.CodeUnexpected,
			"storing schema document", err)
	}
	return nil
}

// LoadSchema reads back the deployment's stored schema document.
func LoadSchema(ctx context.Context, conn Conn, site *Site) (*schema.Schema, error) {
	var blob []byte
	err := conn.QueryRowContext(ctx,
		`select schema_doc from blockrel_deployments where id = ?`, site.ID).Scan(&blob)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCategoryCatalog, errors.CodeUnexpected,
			"loading schema document", err)
	}
	if len(blob) == 0 {
		return nil, errors.New(errors.ErrCategoryCatalog, errors.CodeCorruptSchema,
			fmt.Sprintf("deployment %q has no stored schema", site.Deployment))
	}
	doc, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCategoryCatalog, errors.CodeCorruptSchema,
			"decompressing schema document", err)
	}
	var def schema.Definition
	if err := json.Unmarshal(doc, &def); err != nil {
		return nil, errors.Wrap(errors.ErrCategoryCatalog, errors.CodeCorruptSchema,
			"decoding schema document", err)
	}
	return schema.New(def)
}

// InsertDataSource appends one dynamic data-source record. The records are
// append-only; revert deletes them outright.
func InsertDataSource(ctx context.Context, conn Conn, site *Site, block int32, name string, param []byte) error {
	_, err := conn.ExecContext(ctx,
		`insert into blockrel_data_sources(namespace, block, name, param, created_at)
		 values (?, ?, ?, ?, ?)`,
		site.Namespace, block, name, param, time.Now().Unix())
	if err != nil {
		return errors.Wrap(errors.ErrCategoryCatalog, errors.CodeUnexpected,
			"recording data source", err)
	}
	return nil
}

// RevertDataSources deletes all bookkeeping rows created at or after block.
func RevertDataSources(ctx context.Context, conn Conn, site *Site, block int32) error {
	_, err := conn.ExecContext(ctx,
		`delete from blockrel_data_sources where namespace = ? and block >= ?`,
		site.Namespace, block)
	if err != nil {
		return errors.Wrap(errors.ErrCategoryCatalog, errors.CodeUnexpected,
			"reverting data sources", err)
	}
	return nil
}
