package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"woosync/internal/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// DB wraps the SQLite handle holding all sync state: per-kind sync
// record tables, the webhook event log, the task tree and tenant
// configuration.
type DB struct {
	*sql.DB
	logger *zerolog.Logger
}

// syncTables maps entity kind to its sync-record table. All tables
// share an identical shape.
var syncTables = map[string]string{
	models.KindProduct:        "product_sync",
	models.KindCategory:       "category_sync",
	models.KindTag:            "tag_sync",
	models.KindAttribute:      "attribute_sync",
	models.KindAttributeValue: "attribute_value_sync",
}

// TableForKind resolves the sync table for an entity kind.
func TableForKind(kind string) (string, error) {
	table, ok := syncTables[kind]
	if !ok {
		return "", fmt.Errorf("unknown entity kind: %s", kind)
	}
	return table, nil
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = path + "?_busy_timeout=5000&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("Database initialized")
	return &DB{DB: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS instances (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            name TEXT NOT NULL,
            active BOOLEAN NOT NULL DEFAULT 1,
            source_url TEXT NOT NULL DEFAULT '',
            source_db TEXT NOT NULL DEFAULT '',
            source_username TEXT NOT NULL DEFAULT '',
            source_password TEXT NOT NULL DEFAULT '',
            sink_url TEXT NOT NULL DEFAULT '',
            sink_key TEXT NOT NULL DEFAULT '',
            sink_secret TEXT NOT NULL DEFAULT '',
            webhook_secret TEXT NOT NULL DEFAULT '',
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE TABLE IF NOT EXISTS webhook_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            event_id TEXT UNIQUE NOT NULL,
            payload_hash TEXT NOT NULL,
            event_type TEXT NOT NULL,
            tenant_id INTEGER NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            retry_count INTEGER NOT NULL DEFAULT 0,
            error_message TEXT NOT NULL DEFAULT '',
            received_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            processed_at DATETIME
        )`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_events_payload_hash ON webhook_events(payload_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_events_status ON webhook_events(status)`,

		`CREATE TABLE IF NOT EXISTS task_records (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            task_id TEXT UNIQUE NOT NULL,
            parent_task_id TEXT,
            task_name TEXT NOT NULL,
            tenant_id INTEGER NOT NULL DEFAULT 0,
            args TEXT NOT NULL DEFAULT '{}',
            status TEXT NOT NULL DEFAULT 'pending',
            result TEXT,
            error_message TEXT NOT NULL DEFAULT '',
            retry_count INTEGER NOT NULL DEFAULT 0,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            started_at DATETIME,
            completed_at DATETIME
        )`,
		`CREATE INDEX IF NOT EXISTS idx_task_records_parent ON task_records(parent_task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_task_records_status ON task_records(status)`,

		`CREATE TABLE IF NOT EXISTS price_rules (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            tenant_id INTEGER NOT NULL,
            source_pricelist_id INTEGER NOT NULL,
            price_type TEXT NOT NULL,
            meta_key TEXT NOT NULL DEFAULT '',
            active BOOLEAN NOT NULL DEFAULT 0,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            UNIQUE(tenant_id, source_pricelist_id)
        )`,
	}

	for _, table := range syncTables {
		queries = append(queries,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
                id INTEGER PRIMARY KEY AUTOINCREMENT,
                source_id INTEGER NOT NULL,
                sink_id INTEGER,
                tenant_id INTEGER NOT NULL,
                name TEXT NOT NULL DEFAULT '',
                created BOOLEAN NOT NULL DEFAULT 0,
                updated BOOLEAN NOT NULL DEFAULT 0,
                skipped BOOLEAN NOT NULL DEFAULT 0,
                error BOOLEAN NOT NULL DEFAULT 0,
                needs_sync BOOLEAN NOT NULL DEFAULT 0,
                message TEXT NOT NULL DEFAULT '',
                error_details TEXT NOT NULL DEFAULT '',
                source_write_date DATETIME,
                last_synced_at DATETIME,
                created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
                updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
                UNIQUE(source_id, tenant_id)
            )`, table),
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_sink_tenant ON %s(sink_id, tenant_id) WHERE sink_id IS NOT NULL`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_error ON %s(error)`, table, table),
		)
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}
