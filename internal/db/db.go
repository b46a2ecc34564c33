package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type DB struct {
	conn *sql.DB
}

func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Single connection: in-process readers such as the dashboard wait for an
	// open transaction to finish; other processes such as the curator use the
	// file concurrently via WAL.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	return &DB{conn: db}, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cases (
		case_id TEXT PRIMARY KEY,
		status TEXT NOT NULL CHECK(status IN (
			'NEW', 'PENDING_RESOURCE', 'PROCESSING', 'COMPLETED', 'FAILED'
		)),
		current_step TEXT,
		resource_index INTEGER,
		progress INTEGER NOT NULL DEFAULT 0,
		correlation_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		terminal_at DATETIME,
		error_kind TEXT,
		error_message TEXT,
		parked_step TEXT,
		parked_at DATETIME,
		FOREIGN KEY (resource_index) REFERENCES gpu_resources(gpu_index)
	);

	CREATE TABLE IF NOT EXISTS case_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		case_id TEXT NOT NULL,
		ts DATETIME NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		step TEXT,
		cause TEXT NOT NULL,
		FOREIGN KEY (case_id) REFERENCES cases(case_id)
	);

	CREATE TABLE IF NOT EXISTS gpu_resources (
		gpu_index INTEGER PRIMARY KEY,
		gpu_id TEXT NOT NULL,
		state TEXT NOT NULL CHECK(state IN ('FREE', 'RESERVED')),
		owner_case_id TEXT,
		utilization REAL NOT NULL DEFAULT 0.0,
		memory_used INTEGER NOT NULL DEFAULT 0,
		memory_total INTEGER NOT NULL DEFAULT 0,
		temperature REAL NOT NULL DEFAULT 0.0,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scanned_cases (
		case_id TEXT PRIMARY KEY,
		discovered_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);
	CREATE INDEX IF NOT EXISTS idx_cases_parked ON cases(parked_at) WHERE status = 'PENDING_RESOURCE';
	CREATE INDEX IF NOT EXISTS idx_history_case ON case_history(case_id);
	`

	_, err := d.conn.Exec(schema)
	if err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}

	return nil
}

func (d *DB) Exec(query string, args ...any) (sql.Result, error) {
	return d.conn.Exec(query, args...)
}

func (d *DB) QueryRow(query string, args ...any) *sql.Row {
	return d.conn.QueryRow(query, args...)
}

func (d *DB) Query(query string, args ...any) (*sql.Rows, error) {
	return d.conn.Query(query, args...)
}

func (d *DB) Begin() (*sql.Tx, error) {
	return d.conn.Begin()
}
