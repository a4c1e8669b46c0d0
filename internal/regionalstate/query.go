package regionalstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arc-pbc-co/arcnet/internal/domain"
)

// Candidate is one row of a find-available result: a live node document
// plus the values the scheduler scores on.
type Candidate struct {
	Document domain.NodeDocument
}

// FindAvailableOptions parameterizes find-available: geozone prefix
// match, minimum required battery, optional model filter, and whether
// to bypass the staleness cutoff.
type FindAvailableOptions struct {
	GeozonePrefix string
	ModelID       string // empty means no model filter
	MinBattery    float64
	IncludeStale  bool
}

// FindAvailable returns the current document per node matching
// geozonePrefix, live (unless IncludeStale), with battery_level >=
// MinBattery and, if ModelID is set, with that model already loaded —
// ordered ascending by GPU utilization and then by node id for a
// deterministic tie-break, which is also the order the scheduler walks
// candidates in.
func (s *Store) FindAvailable(ctx context.Context, opts FindAvailableOptions, now time.Time) ([]Candidate, error) {
	docs, err := s.currentByGeozonePrefix(ctx, opts.GeozonePrefix)
	if err != nil {
		return nil, fmt.Errorf("regionalstate: find-available: %w", err)
	}

	var out []Candidate
	for _, doc := range docs {
		if !opts.IncludeStale && !doc.IsLive(now) {
			continue
		}
		if doc.Telemetry.BatteryLevel < opts.MinBattery {
			continue
		}
		if opts.ModelID != "" && !containsModel(doc.Telemetry.ModelsLoaded, opts.ModelID) {
			continue
		}
		out = append(out, Candidate{Document: doc})
	}

	sortCandidates(out)
	return out, nil
}

func containsModel(loaded []string, modelID string) bool {
	for _, m := range loaded {
		if m == modelID {
			return true
		}
	}
	return false
}

func sortCandidates(c []Candidate) {
	// Small n per geozone in practice; insertion sort keeps this readable
	// and avoids pulling in sort for a handful of comparisons.
	for i := 1; i < len(c); i++ {
		j := i
		for j > 0 && less(c[j], c[j-1]) {
			c[j], c[j-1] = c[j-1], c[j]
			j--
		}
	}
}

func less(a, b Candidate) bool {
	if a.Document.Telemetry.GPUUtilization != b.Document.Telemetry.GPUUtilization {
		return a.Document.Telemetry.GPUUtilization < b.Document.Telemetry.GPUUtilization
	}
	return a.Document.Telemetry.ID < b.Document.Telemetry.ID
}

// NodesByGeohashPrefix returns the current document for every node whose
// geohash (not the coarser geozone) starts with prefix.
func (s *Store) NodesByGeohashPrefix(ctx context.Context, prefix string) ([]domain.NodeDocument, error) {
	docs, err := s.currentByGeozonePrefix(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("regionalstate: nodes-by-geohash-prefix: %w", err)
	}
	var out []domain.NodeDocument
	for _, d := range docs {
		if hasPrefix(d.Telemetry.Geohash, prefix) {
			out = append(out, d)
		}
	}
	return out, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// EnergySourceCounts aggregates live nodes in geozonePrefix by energy
// source — the input to RegionalSummary.CountByEnergySource.
func (s *Store) EnergySourceCounts(ctx context.Context, geozonePrefix string, now time.Time) (map[domain.EnergySource]int, error) {
	docs, err := s.currentByGeozonePrefix(ctx, geozonePrefix)
	if err != nil {
		return nil, fmt.Errorf("regionalstate: energy-source-counts: %w", err)
	}
	counts := make(map[domain.EnergySource]int)
	for _, d := range docs {
		if !d.IsLive(now) {
			continue
		}
		counts[d.Telemetry.EnergySource]++
	}
	return counts, nil
}

// Get is the point lookup by node id — the current document, regardless
// of staleness (callers apply their own freshness policy).
func (s *Store) Get(ctx context.Context, nodeID string) (domain.NodeDocument, bool, error) {
	doc, err := s.currentOne(ctx, nodeID)
	if err == sql.ErrNoRows {
		return domain.NodeDocument{}, false, nil
	}
	if err != nil {
		return domain.NodeDocument{}, false, fmt.Errorf("regionalstate: get %s: %w", nodeID, err)
	}
	return doc, true, nil
}

// AsOf returns the telemetry reading for nodeID with system_time <= asOf —
// the store's "as of T" query, backed directly by the bitemporal log. The
// returned document carries no reservation, since reservations are not
// retained historically.
func (s *Store) AsOf(ctx context.Context, nodeID string, asOf time.Time) (domain.NodeDocument, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT telemetry_json, system_time, geozone_id
		 FROM node_readings
		 WHERE node_id = ? AND system_time <= ?
		 ORDER BY system_time DESC LIMIT 1`,
		nodeID, asOf.UnixNano())

	var telemetryJSON, geozoneID string
	var systemTimeNanos int64
	if err := row.Scan(&telemetryJSON, &systemTimeNanos, &geozoneID); err != nil {
		if err == sql.ErrNoRows {
			return domain.NodeDocument{}, false, nil
		}
		return domain.NodeDocument{}, false, fmt.Errorf("regionalstate: as-of %s: %w", nodeID, err)
	}

	var telemetry domain.NodeTelemetry
	if err := json.Unmarshal([]byte(telemetryJSON), &telemetry); err != nil {
		return domain.NodeDocument{}, false, fmt.Errorf("regionalstate: unmarshal as-of %s: %w", nodeID, err)
	}
	return domain.NodeDocument{
		Telemetry: telemetry,
		LastSeen:  time.Unix(0, systemTimeNanos),
		GeozoneID: geozoneID,
	}, true, nil
}

// History returns every reading for nodeID with system_time in
// [from, to], oldest first — the store's "history from T1 to T2" query.
func (s *Store) History(ctx context.Context, nodeID string, from, to time.Time) ([]domain.NodeDocument, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT telemetry_json, system_time, geozone_id
		 FROM node_readings
		 WHERE node_id = ? AND system_time >= ? AND system_time <= ?
		 ORDER BY system_time ASC`,
		nodeID, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("regionalstate: history %s: %w", nodeID, err)
	}
	defer rows.Close()

	var out []domain.NodeDocument
	for rows.Next() {
		var telemetryJSON, geozoneID string
		var systemTimeNanos int64
		if err := rows.Scan(&telemetryJSON, &systemTimeNanos, &geozoneID); err != nil {
			return nil, fmt.Errorf("regionalstate: scan history row for %s: %w", nodeID, err)
		}
		var telemetry domain.NodeTelemetry
		if err := json.Unmarshal([]byte(telemetryJSON), &telemetry); err != nil {
			return nil, fmt.Errorf("regionalstate: unmarshal history row for %s: %w", nodeID, err)
		}
		out = append(out, domain.NodeDocument{
			Telemetry: telemetry,
			LastSeen:  time.Unix(0, systemTimeNanos),
			GeozoneID: geozoneID,
		})
	}
	return out, rows.Err()
}

// DistinctGeozones returns every geozone id with at least one known node
// — the aggregator's fan-out list for per-geozone summaries.
func (s *Store) DistinctGeozones(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT geozone_id FROM node_current ORDER BY geozone_id`)
	if err != nil {
		return nil, fmt.Errorf("regionalstate: distinct-geozones: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var geozoneID string
		if err := rows.Scan(&geozoneID); err != nil {
			return nil, fmt.Errorf("regionalstate: scan distinct-geozone: %w", err)
		}
		out = append(out, geozoneID)
	}
	return out, rows.Err()
}

// ─── node_current helpers, shared with reservation.go ──────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func scanCurrent(s scanner) (domain.NodeDocument, error) {
	var telemetryJSON string
	var reservationJSON sql.NullString
	var revision int64
	var lastSeenNanos int64
	var geozoneID string

	if err := s.Scan(&telemetryJSON, &reservationJSON, &revision, &lastSeenNanos, &geozoneID); err != nil {
		return domain.NodeDocument{}, err
	}

	var telemetry domain.NodeTelemetry
	if err := json.Unmarshal([]byte(telemetryJSON), &telemetry); err != nil {
		return domain.NodeDocument{}, fmt.Errorf("unmarshal telemetry: %w", err)
	}

	doc := domain.NodeDocument{
		Telemetry: telemetry,
		LastSeen:  time.Unix(0, lastSeenNanos),
		GeozoneID: geozoneID,
		Revision:  revision,
	}
	if reservationJSON.Valid && reservationJSON.String != "" {
		var res domain.Reservation
		if err := json.Unmarshal([]byte(reservationJSON.String), &res); err != nil {
			return domain.NodeDocument{}, fmt.Errorf("unmarshal reservation: %w", err)
		}
		doc.Reservation = &res
	}
	return doc, nil
}

func (s *Store) currentOne(ctx context.Context, nodeID string) (domain.NodeDocument, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT telemetry_json, reservation_json, revision, last_seen, geozone_id
		 FROM node_current WHERE node_id = ?`, nodeID)
	return scanCurrent(row)
}

func (s *Store) currentByGeozonePrefix(ctx context.Context, geozonePrefix string) ([]domain.NodeDocument, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT telemetry_json, reservation_json, revision, last_seen, geozone_id
		 FROM node_current WHERE geozone_id LIKE ? || '%'`, geozonePrefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.NodeDocument
	for rows.Next() {
		doc, err := scanCurrent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}
