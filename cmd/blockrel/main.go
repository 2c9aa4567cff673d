// Package main implements the blockrel admin binary. It manages
// deployments in a blockrel store: creating their relational schema,
// printing the generated table definitions, truncating and reverting.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/blockrel/blockrel/internal/catalog"
	"github.com/blockrel/blockrel/internal/config"
	"github.com/blockrel/blockrel/internal/relational"
	"github.com/blockrel/blockrel/internal/schema"
)

var (
	version = "dev"
	commit  = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, "blockrel - versioned relational storage for block-indexed data\n\n")
	fmt.Fprintf(os.Stderr, "Usage: blockrel <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  create       Create a deployment and its tables from a schema file\n")
	fmt.Fprintf(os.Stderr, "  ddl          Print the table definitions a schema file generates\n")
	fmt.Fprintf(os.Stderr, "  truncate     Empty all tables of a deployment\n")
	fmt.Fprintf(os.Stderr, "  revert       Revert a deployment to just before a block\n")
	fmt.Fprintf(os.Stderr, "  last-rollup  Print the resume point of a deployment's rollups\n")
	fmt.Fprintf(os.Stderr, "  version      Show version information\n\n")
	fmt.Fprintf(os.Stderr, "Common options:\n")
	fmt.Fprintf(os.Stderr, "  -config      Path to configuration file (YAML or JSON)\n")
	fmt.Fprintf(os.Stderr, "  -db          SQLite database path (overrides config)\n\n")
	fmt.Fprintf(os.Stderr, "Environment Variables:\n")
	fmt.Fprintf(os.Stderr, "  BLOCKREL_DATA_DIR    Base directory for data files\n")
	fmt.Fprintf(os.Stderr, "  BLOCKREL_STORE_PATH  SQLite database path\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx := context.Background()
	var err error
	switch os.Args[1] {
	case "create":
		err = runCreate(ctx, os.Args[2:])
	case "ddl":
		err = runDDL(ctx, os.Args[2:])
	case "truncate":
		err = runTruncate(ctx, os.Args[2:])
	case "revert":
		err = runRevert(ctx, os.Args[2:])
	case "last-rollup":
		err = runLastRollup(ctx, os.Args[2:])
	case "version":
		fmt.Printf("blockrel version %s (commit: %s)\n", version, commit)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("blockrel %s: %v", os.Args[1], err)
	}
}

// commonFlags registers the options every command shares and returns the
// destinations for their values.
func commonFlags(fs *flag.FlagSet) (configFile, dbPath *string) {
	configFile = fs.String("config", "", "Path to configuration file (YAML or JSON)")
	dbPath = fs.String("db", "", "SQLite database path (overrides config)")
	return
}

func loadConfig(configFile, dbPath string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", cfg.Store.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", cfg.Store.Path, err)
	}
	return db, nil
}

// loadSchemaFile reads a JSON schema definition and validates it.
func loadSchemaFile(path string) (*schema.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema file: %w", err)
	}
	var def schema.Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing schema file %s: %w", path, err)
	}
	return schema.New(def)
}

// loadLayout rebuilds the layout of an existing deployment from the
// catalog, including the persisted account-like flags and history horizon.
func loadLayout(ctx context.Context, db *sql.DB, deployment string) (*relational.Layout, error) {
	return relational.LoadLayout(ctx, db, deployment)
}

func runCreate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	configFile, dbPath := commonFlags(fs)
	deployment := fs.String("deployment", "", "Deployment identifier (generated if empty)")
	schemaFile := fs.String("schema", "", "Path to the JSON schema definition")
	historyBlocks := fs.Int("history-blocks", 0, "History retention horizon in blocks (0 uses the config default)")
	fs.Parse(args)

	if *schemaFile == "" {
		return fmt.Errorf("-schema is required")
	}
	cfg, err := loadConfig(*configFile, *dbPath)
	if err != nil {
		return err
	}
	s, err := loadSchemaFile(*schemaFile)
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	blocks := int32(*historyBlocks)
	if blocks == 0 {
		blocks = cfg.Store.DefaultHistoryBlocks
	}
	site, err := catalog.CreateSite(ctx, db, *deployment, blocks)
	if err != nil {
		return err
	}
	layout, err := relational.CreateRelationalSchema(ctx, db, site, s, nil)
	if err != nil {
		return err
	}
	log.Printf("created deployment %s in namespace %s with %d tables",
		site.Deployment, site.Namespace, len(layout.Tables))
	return nil
}

func runDDL(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ddl", flag.ExitOnError)
	configFile, dbPath := commonFlags(fs)
	deployment := fs.String("deployment", "", "Existing deployment to print definitions for")
	schemaFile := fs.String("schema", "", "Schema file to print definitions for (instead of -deployment)")
	namespace := fs.String("namespace", "sgd1", "Namespace to render schema-file definitions under")
	fs.Parse(args)

	if *schemaFile != "" {
		// No deployment needed; render under a synthetic site.
		s, err := loadSchemaFile(*schemaFile)
		if err != nil {
			return err
		}
		site := &catalog.Site{ID: 1, Namespace: *namespace}
		cat := catalog.New(site)
		layout, err := relational.NewLayout(site, s, cat)
		if err != nil {
			return err
		}
		printDDL(layout)
		return nil
	}
	if *deployment == "" {
		return fmt.Errorf("one of -schema or -deployment is required")
	}
	cfg, err := loadConfig(*configFile, *dbPath)
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	layout, err := loadLayout(ctx, db, *deployment)
	if err != nil {
		return err
	}
	printDDL(layout)
	return nil
}

func printDDL(layout *relational.Layout) {
	for _, stmt := range layout.DDL() {
		fmt.Println(stmt + ";")
	}
}

func runTruncate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("truncate", flag.ExitOnError)
	configFile, dbPath := commonFlags(fs)
	deployment := fs.String("deployment", "", "Deployment to truncate")
	fs.Parse(args)

	if *deployment == "" {
		return fmt.Errorf("-deployment is required")
	}
	cfg, err := loadConfig(*configFile, *dbPath)
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	layout, err := loadLayout(ctx, db, *deployment)
	if err != nil {
		return err
	}
	if err := layout.Truncate(ctx, db); err != nil {
		return err
	}
	log.Printf("truncated %d tables of deployment %s", len(layout.Tables), *deployment)
	return nil
}

func runRevert(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("revert", flag.ExitOnError)
	configFile, dbPath := commonFlags(fs)
	deployment := fs.String("deployment", "", "Deployment to revert")
	block := fs.Int("block", -1, "First block to revert; the deployment ends up as of block-1")
	fs.Parse(args)

	if *deployment == "" {
		return fmt.Errorf("-deployment is required")
	}
	if *block < 0 {
		return fmt.Errorf("-block is required")
	}
	cfg, err := loadConfig(*configFile, *dbPath)
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	layout, err := loadLayout(ctx, db, *deployment)
	if err != nil {
		return err
	}

	// The revert and its metadata cleanup must land together.
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	started := time.Now()
	delta, err := layout.RevertBlock(ctx, tx, int32(*block))
	if err != nil {
		tx.Rollback()
		return err
	}
	if err := layout.RevertMetadata(ctx, tx, int32(*block)); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Printf("reverted deployment %s to block %d (entity count delta %+d) in %s",
		*deployment, *block-1, delta, time.Since(started))
	return nil
}

func runLastRollup(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("last-rollup", flag.ExitOnError)
	configFile, dbPath := commonFlags(fs)
	deployment := fs.String("deployment", "", "Deployment to inspect")
	fs.Parse(args)

	if *deployment == "" {
		return fmt.Errorf("-deployment is required")
	}
	cfg, err := loadConfig(*configFile, *dbPath)
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	layout, err := loadLayout(ctx, db, *deployment)
	if err != nil {
		return err
	}
	last, ok, err := layout.LastRollup(ctx, db)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("no rollup has run yet")
		return nil
	}
	fmt.Println(last.Format(time.RFC3339))
	return nil
}
