// Package regionalstate implements a bitemporal regional-state store over
// embedded SQLite. Every ingested telemetry reading is appended to a
// history log carrying both valid_time (the reading's own timestamp) and
// system_time (ingestion wall-clock), so "as of T" is a plain
// system_time <= T range scan over node_readings.
//
// A second table, node_current, holds exactly one mutable row per node:
// the latest telemetry plus the reservation/revision pair the
// reservation primitive's compare-and-set operates against. Splitting the
// two means the append-only history never needs an UPDATE, and the CAS
// path never needs to scan history.
package regionalstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no CGO required

	"github.com/arc-pbc-co/arcnet/internal/domain"
)

// Store is the regional-state store: bitemporal ingestion of node
// telemetry plus the query surface the scheduler, reservation primitive,
// and regional aggregator depend on.
type Store struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/regional-state.db.
// WAL mode, single-writer pool (SQLite's own concurrency model), 5s busy
// timeout.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("regionalstate: create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "regional-state.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("regionalstate: open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("regionalstate: ping sqlite: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("regionalstate: migrate: %w", err)
	}
	return s, nil
}

// Close cleanly shuts down the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity, used by the health checker.
func (s *Store) Ping() error {
	return s.db.Ping()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS node_readings (
			node_id          TEXT NOT NULL,
			geozone_id       TEXT NOT NULL,
			valid_time       INTEGER NOT NULL,
			system_time      INTEGER NOT NULL,
			telemetry_json   TEXT NOT NULL,
			PRIMARY KEY (node_id, system_time)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_node_system
			ON node_readings(node_id, system_time DESC)`,
		`CREATE TABLE IF NOT EXISTS node_current (
			node_id          TEXT PRIMARY KEY,
			geozone_id       TEXT NOT NULL,
			last_seen        INTEGER NOT NULL,
			telemetry_json   TEXT NOT NULL,
			energy_source    TEXT NOT NULL,
			battery_level    REAL NOT NULL,
			gpu_utilization  REAL NOT NULL,
			models_loaded    TEXT NOT NULL,
			reservation_json TEXT,
			revision         INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_current_geozone
			ON node_current(geozone_id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// Ingest applies a batch of telemetry readings: each becomes a new
// node_readings history row, and node_current is upserted with the latest
// telemetry while leaving reservation/revision untouched (those are
// mutated exclusively by the reservation primitive's CAS). One batch
// lands in one transaction; a failure rolls the whole batch back so the
// caller never commits a partial cycle.
func (s *Store) Ingest(ctx context.Context, readings []domain.NodeTelemetry, systemTime time.Time) error {
	if len(readings) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("regionalstate: begin ingest tx: %w", err)
	}
	defer tx.Rollback()

	for _, t := range readings {
		telemetryJSON, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("regionalstate: marshal telemetry %s: %w", t.ID, err)
		}
		modelsJSON, err := json.Marshal(t.ModelsLoaded)
		if err != nil {
			return fmt.Errorf("regionalstate: marshal models_loaded %s: %w", t.ID, err)
		}
		geozone := t.GeozoneID()

		_, err = tx.ExecContext(ctx,
			`INSERT INTO node_readings (node_id, geozone_id, valid_time, system_time, telemetry_json)
			 VALUES (?, ?, ?, ?, ?)`,
			t.ID, geozone, t.Timestamp.UnixNano(), systemTime.UnixNano(), telemetryJSON,
		)
		if err != nil {
			return fmt.Errorf("regionalstate: insert reading %s: %w", t.ID, err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO node_current
				(node_id, geozone_id, last_seen, telemetry_json, energy_source,
				 battery_level, gpu_utilization, models_loaded, reservation_json, revision)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, 0)
			 ON CONFLICT(node_id) DO UPDATE SET
				geozone_id=excluded.geozone_id,
				last_seen=excluded.last_seen,
				telemetry_json=excluded.telemetry_json,
				energy_source=excluded.energy_source,
				battery_level=excluded.battery_level,
				gpu_utilization=excluded.gpu_utilization,
				models_loaded=excluded.models_loaded`,
			t.ID, geozone, systemTime.UnixNano(), telemetryJSON,
			string(t.EnergySource), t.BatteryLevel, t.GPUUtilization, modelsJSON,
		)
		if err != nil {
			return fmt.Errorf("regionalstate: upsert current %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("regionalstate: commit ingest tx: %w", err)
	}
	return nil
}
