package regionalstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arc-pbc-co/arcnet/internal/domain"
)

// CurrentReservation reads the node's current document for the reservation
// primitive's step 1/4 (read, then re-read-to-confirm). Returns
// domain.ErrNodeNotFound if the node has never reported telemetry.
func (s *Store) CurrentReservation(ctx context.Context, nodeID string) (domain.NodeDocument, error) {
	doc, err := s.currentOne(ctx, nodeID)
	if err == sql.ErrNoRows {
		return domain.NodeDocument{}, domain.ErrNodeNotFound
	}
	if err != nil {
		return domain.NodeDocument{}, fmt.Errorf("regionalstate: read current %s: %w", nodeID, err)
	}
	return doc, nil
}

// CompareAndSetReservation writes newReservation (nil clears it) iff the
// node's row is still at expectedRevision — a revision-scoped conditional
// UPDATE rather than a whole-document CAS, so concurrent readers never
// need to hold the full document to retry. Returns ok=false without
// error when the row has moved on to a different revision (the caller
// re-reads and retries).
func (s *Store) CompareAndSetReservation(ctx context.Context, nodeID string, expectedRevision int64, newReservation *domain.Reservation) (ok bool, newRevision int64, err error) {
	var resJSON any
	if newReservation != nil {
		b, err := json.Marshal(newReservation)
		if err != nil {
			return false, 0, fmt.Errorf("regionalstate: marshal reservation for %s: %w", nodeID, err)
		}
		resJSON = string(b)
	}

	nextRevision := expectedRevision + 1
	res, err := s.db.ExecContext(ctx,
		`UPDATE node_current SET reservation_json = ?, revision = ?
		 WHERE node_id = ? AND revision = ?`,
		resJSON, nextRevision, nodeID, expectedRevision,
	)
	if err != nil {
		return false, 0, fmt.Errorf("regionalstate: cas reservation %s: %w", nodeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("regionalstate: cas reservation %s rows affected: %w", nodeID, err)
	}
	if n == 0 {
		return false, 0, nil
	}
	return true, nextRevision, nil
}

// SweepExpiredReservations clears every reservation whose expires-at has
// already passed as of now — a background safety net for crashed
// holders. Candidates are found with a plain query, then cleared
// one at a time through the same revision-scoped CAS the reservation
// primitive uses, so a sweep never clobbers a reservation some other
// caller just renewed or replaced.
func (s *Store) SweepExpiredReservations(ctx context.Context, now time.Time) (int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, reservation_json, revision FROM node_current WHERE reservation_json IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("regionalstate: sweep query candidates: %w", err)
	}

	type candidate struct {
		nodeID   string
		revision int64
	}
	var candidates []candidate
	for rows.Next() {
		var nodeID, resJSON string
		var revision int64
		if err := rows.Scan(&nodeID, &resJSON, &revision); err != nil {
			rows.Close()
			return 0, fmt.Errorf("regionalstate: sweep scan candidate: %w", err)
		}
		var res domain.Reservation
		if err := json.Unmarshal([]byte(resJSON), &res); err != nil {
			continue
		}
		if !res.Active(now) {
			candidates = append(candidates, candidate{nodeID: nodeID, revision: revision})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("regionalstate: sweep iterate candidates: %w", err)
	}
	rows.Close()

	var cleared int64
	for _, c := range candidates {
		ok, _, err := s.CompareAndSetReservation(ctx, c.nodeID, c.revision, nil)
		if err != nil {
			return cleared, fmt.Errorf("regionalstate: sweep clear %s: %w", c.nodeID, err)
		}
		if ok {
			cleared++
		}
	}
	return cleared, nil
}
