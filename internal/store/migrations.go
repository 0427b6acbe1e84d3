package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS vineyard_blocks (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    variety TEXT,
    acreage REAL NOT NULL DEFAULT 0 CHECK (acreage >= 0),
    geometry TEXT
);

CREATE TABLE IF NOT EXISTS labor_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    field_id TEXT,
    worker TEXT,
    task TEXT,
    log_date TEXT,
    hours_worked REAL,
    hourly_rate REAL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS inventory_items (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    category TEXT,
    unit TEXT,
    unit_cost REAL
);

CREATE TABLE IF NOT EXISTS inventory_transactions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id INTEGER REFERENCES inventory_items(id),
    transaction_type TEXT NOT NULL,
    quantity REAL,
    transaction_date TEXT,
    notes TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS field_yield_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    field_id TEXT NOT NULL,
    year INTEGER NOT NULL,
    harvest_date TEXT,
    tons REAL,
    price_per_ton REAL,
    brix REAL,
    ph REAL,
    acidity REAL
);

CREATE INDEX IF NOT EXISTS idx_labor_date ON labor_logs(log_date);
CREATE INDEX IF NOT EXISTS idx_tx_item ON inventory_transactions(item_id, transaction_date);
CREATE INDEX IF NOT EXISTS idx_yield_field_year ON field_yield_history(field_id, year);
`,
	},
	{
		Version:     2,
		Description: "Add spray applications, irrigation events and harvest samples",
		SQL: `
CREATE TABLE IF NOT EXISTS spray_applications (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    field_id TEXT,
    product TEXT,
    application_date TEXT,
    rate_per_acre REAL,
    acres_treated REAL
);

CREATE TABLE IF NOT EXISTS irrigation_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    field_id TEXT,
    event_date TEXT,
    duration_hours REAL,
    total_water_gallons REAL,
    source TEXT NOT NULL DEFAULT 'manual'
);

CREATE TABLE IF NOT EXISTS harvest_samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    field_id TEXT NOT NULL,
    sample_date TEXT,
    brix REAL,
    ph REAL,
    acidity REAL
);

CREATE INDEX IF NOT EXISTS idx_spray_date ON spray_applications(application_date);
CREATE INDEX IF NOT EXISTS idx_irrigation_date ON irrigation_events(event_date);
CREATE INDEX IF NOT EXISTS idx_samples_field ON harvest_samples(field_id, sample_date);
`,
	},
	{
		Version:     3,
		Description: "Add NDVI run audit and latest samples",
		SQL: `
CREATE TABLE IF NOT EXISTS ndvi_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL UNIQUE,
    year INTEGER NOT NULL,
    fingerprint TEXT,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    fields INTEGER,
    months INTEGER,
    total_queries INTEGER,
    completed_queries INTEGER,
    failed_queries INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE TABLE IF NOT EXISTS ndvi_samples (
    run_id TEXT NOT NULL REFERENCES ndvi_runs(run_id),
    field_id TEXT NOT NULL,
    year INTEGER NOT NULL,
    month INTEGER NOT NULL,
    mean_ndvi REAL,
    min_ndvi REAL,
    max_ndvi REAL,
    stddev_ndvi REAL,
    range_from DATETIME,
    range_to DATETIME,
    PRIMARY KEY (run_id, field_id, month)
);

CREATE INDEX IF NOT EXISTS idx_ndvi_runs_year ON ndvi_runs(year, started_at);
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Printf("migrations: applying %d - %s", m.Version, m.Description)

		tx, err := s.db.BeginTx(context.Background(), nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		log.Printf("migrations: completed %d", m.Version)
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
