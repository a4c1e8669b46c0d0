package regionalstate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/arc-pbc-co/arcnet/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func reading(id, geohash string, battery, gpuUtil float64) domain.NodeTelemetry {
	return domain.NodeTelemetry{
		ID:             id,
		Timestamp:      time.Now(),
		Geohash:        geohash,
		EnergySource:   domain.EnergySolar,
		BatteryLevel:   battery,
		GPUUtilization: gpuUtil,
		ModelsLoaded:   []string{"llama-70b"},
		SchemaVersion:  domain.CurrentNodeTelemetrySchemaVersion,
	}
}

func TestOpenCreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(filepath.Join(dir, "regional-state.db")); os.IsNotExist(err) {
		t.Error("regional-state.db should exist")
	}
}

func TestIngestAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	nodeID := uuid.NewString()
	if err := s.Ingest(ctx, []domain.NodeTelemetry{reading(nodeID, "9q8yyk", 0.7, 0.2)}, now); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	doc, found, err := s.Get(ctx, nodeID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("expected node to be found after ingest")
	}
	if doc.GeozoneID != "9q8" {
		t.Fatalf("GeozoneID = %q, want 9q8", doc.GeozoneID)
	}
	if !doc.IsLive(now) {
		t.Fatal("expected freshly ingested node to be live")
	}
}

func TestFindAvailableOrderingAndStaleness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	busy := reading(uuid.NewString(), "9q8yyk", 0.9, 0.8)
	idle := reading(uuid.NewString(), "9q8yym", 0.9, 0.1)
	stale := reading(uuid.NewString(), "9q8yyx", 0.9, 0.05)

	if err := s.Ingest(ctx, []domain.NodeTelemetry{busy, idle}, now); err != nil {
		t.Fatalf("Ingest live: %v", err)
	}
	if err := s.Ingest(ctx, []domain.NodeTelemetry{stale}, now.Add(-time.Minute)); err != nil {
		t.Fatalf("Ingest stale: %v", err)
	}

	candidates, err := s.FindAvailable(ctx, FindAvailableOptions{
		GeozonePrefix: "9q8",
		MinBattery:    0.5,
	}, now)
	if err != nil {
		t.Fatalf("FindAvailable: %v", err)
	}

	if len(candidates) != 2 {
		t.Fatalf("got %d candidates, want 2 (stale node excluded)", len(candidates))
	}
	if candidates[0].Document.Telemetry.ID != idle.ID {
		t.Fatalf("expected idle node (lower gpu utilization) first, got %s", candidates[0].Document.Telemetry.ID)
	}
}

func TestFindAvailableMinBatteryFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	low := reading(uuid.NewString(), "9q8yyk", 0.1, 0.2)
	if err := s.Ingest(ctx, []domain.NodeTelemetry{low}, now); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	candidates, err := s.FindAvailable(ctx, FindAvailableOptions{GeozonePrefix: "9q8", MinBattery: 0.5}, now)
	if err != nil {
		t.Fatalf("FindAvailable: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("got %d candidates, want 0 (below min battery)", len(candidates))
	}
}

func TestEnergySourceCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	solar := reading(uuid.NewString(), "9q8yyk", 0.8, 0.2)
	battery := reading(uuid.NewString(), "9q8yym", 0.8, 0.2)
	battery.EnergySource = domain.EnergyBattery

	if err := s.Ingest(ctx, []domain.NodeTelemetry{solar, battery}, now); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	counts, err := s.EnergySourceCounts(ctx, "9q8", now)
	if err != nil {
		t.Fatalf("EnergySourceCounts: %v", err)
	}
	if counts[domain.EnergySolar] != 1 || counts[domain.EnergyBattery] != 1 {
		t.Fatalf("counts = %v, want 1 solar and 1 battery", counts)
	}
}

func TestAsOfAndHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	nodeID := uuid.NewString()

	t0 := time.Now().Add(-time.Hour)
	t1 := t0.Add(10 * time.Minute)
	t2 := t0.Add(20 * time.Minute)

	r0 := reading(nodeID, "9q8yyk", 0.9, 0.1)
	r1 := reading(nodeID, "9q8yyk", 0.7, 0.3)
	r2 := reading(nodeID, "9q8yyk", 0.5, 0.5)

	if err := s.Ingest(ctx, []domain.NodeTelemetry{r0}, t0); err != nil {
		t.Fatalf("Ingest r0: %v", err)
	}
	if err := s.Ingest(ctx, []domain.NodeTelemetry{r1}, t1); err != nil {
		t.Fatalf("Ingest r1: %v", err)
	}
	if err := s.Ingest(ctx, []domain.NodeTelemetry{r2}, t2); err != nil {
		t.Fatalf("Ingest r2: %v", err)
	}

	asOfT1, found, err := s.AsOf(ctx, nodeID, t1)
	if err != nil {
		t.Fatalf("AsOf: %v", err)
	}
	if !found {
		t.Fatal("expected a reading as of t1")
	}
	if asOfT1.Telemetry.BatteryLevel != 0.7 {
		t.Fatalf("as-of t1 battery = %v, want 0.7", asOfT1.Telemetry.BatteryLevel)
	}

	history, err := s.History(ctx, nodeID, t0, t2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("got %d history rows, want 3", len(history))
	}
	if history[0].Telemetry.BatteryLevel != 0.9 || history[2].Telemetry.BatteryLevel != 0.5 {
		t.Fatalf("history not in ascending system_time order: %+v", history)
	}
}

func TestCompareAndSetReservationRejectsStaleRevision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	nodeID := uuid.NewString()
	if err := s.Ingest(ctx, []domain.NodeTelemetry{reading(nodeID, "9q8yyk", 0.9, 0.1)}, time.Now()); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	res := &domain.Reservation{RequestID: "req-1", CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}
	ok, rev, err := s.CompareAndSetReservation(ctx, nodeID, 0, res)
	if err != nil {
		t.Fatalf("CompareAndSetReservation: %v", err)
	}
	if !ok || rev != 1 {
		t.Fatalf("ok=%v rev=%d, want ok=true rev=1", ok, rev)
	}

	// Retry against the now-stale revision 0 must fail without error.
	ok2, _, err := s.CompareAndSetReservation(ctx, nodeID, 0, res)
	if err != nil {
		t.Fatalf("CompareAndSetReservation (stale): %v", err)
	}
	if ok2 {
		t.Fatal("expected stale-revision CAS to fail")
	}
}

func TestSweepExpiredReservations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	nodeID := uuid.NewString()
	if err := s.Ingest(ctx, []domain.NodeTelemetry{reading(nodeID, "9q8yyk", 0.9, 0.1)}, time.Now()); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	expired := &domain.Reservation{RequestID: "req-1", CreatedAt: time.Now().Add(-time.Hour), ExpiresAt: time.Now().Add(-time.Minute)}
	if ok, _, err := s.CompareAndSetReservation(ctx, nodeID, 0, expired); err != nil || !ok {
		t.Fatalf("seed expired reservation: ok=%v err=%v", ok, err)
	}

	cleared, err := s.SweepExpiredReservations(ctx, time.Now())
	if err != nil {
		t.Fatalf("SweepExpiredReservations: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("cleared = %d, want 1", cleared)
	}

	doc, _, err := s.Get(ctx, nodeID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.Reservation != nil {
		t.Fatalf("expected reservation cleared, got %+v", doc.Reservation)
	}
}

func TestDistinctGeozones(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Ingest(ctx, []domain.NodeTelemetry{
		reading(uuid.NewString(), "9q8yyk", 0.9, 0.1),
		reading(uuid.NewString(), "9q9zzk", 0.5, 0.5),
		reading(uuid.NewString(), "9q8abc", 0.2, 0.8),
	}, time.Now()); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	zones, err := s.DistinctGeozones(ctx)
	if err != nil {
		t.Fatalf("DistinctGeozones: %v", err)
	}
	if len(zones) != 2 {
		t.Fatalf("got %d distinct geozones, want 2: %v", len(zones), zones)
	}
}
