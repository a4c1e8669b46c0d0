package reservation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arc-pbc-co/arcnet/internal/domain"
)

// fakeStore is a minimal casStore double driving the primitive through
// its failure taxonomy without a real SQLite-backed regional state store.
type fakeStore struct {
	docs map[string]domain.NodeDocument
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string]domain.NodeDocument)}
}

func (f *fakeStore) seed(nodeID string, res *domain.Reservation, revision int64) {
	f.docs[nodeID] = domain.NodeDocument{
		Telemetry:   domain.NodeTelemetry{ID: nodeID},
		Reservation: res,
		Revision:    revision,
	}
}

func (f *fakeStore) CurrentReservation(_ context.Context, nodeID string) (domain.NodeDocument, error) {
	doc, ok := f.docs[nodeID]
	if !ok {
		return domain.NodeDocument{}, domain.ErrNodeNotFound
	}
	return doc, nil
}

func (f *fakeStore) CompareAndSetReservation(_ context.Context, nodeID string, expectedRevision int64, newReservation *domain.Reservation) (bool, int64, error) {
	doc, ok := f.docs[nodeID]
	if !ok || doc.Revision != expectedRevision {
		return false, 0, nil
	}
	doc.Reservation = newReservation
	doc.Revision++
	f.docs[nodeID] = doc
	return true, doc.Revision, nil
}

func (f *fakeStore) SweepExpiredReservations(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for id, doc := range f.docs {
		if doc.Reservation != nil && !doc.Reservation.Active(now) {
			doc.Reservation = nil
			doc.Revision++
			f.docs[id] = doc
			n++
		}
	}
	return n, nil
}

func newPrimitive(store casStore) *Primitive {
	return &Primitive{store: store, now: time.Now}
}

func TestReserveNodeNotFound(t *testing.T) {
	p := newPrimitive(newFakeStore())
	err := p.Reserve(context.Background(), "missing-node", "req-1", time.Minute)
	if !errors.Is(err, domain.ErrNodeNotFound) {
		t.Fatalf("err = %v, want ErrNodeNotFound", err)
	}
}

func TestReserveSucceedsOnFreeNode(t *testing.T) {
	fs := newFakeStore()
	fs.seed("node-1", nil, 0)
	p := newPrimitive(fs)

	if err := p.Reserve(context.Background(), "node-1", "req-1", time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	doc := fs.docs["node-1"]
	if doc.Reservation == nil || doc.Reservation.RequestID != "req-1" {
		t.Fatalf("reservation not recorded: %+v", doc.Reservation)
	}
}

func TestReserveAlreadyReservedByAnother(t *testing.T) {
	fs := newFakeStore()
	fs.seed("node-1", &domain.Reservation{RequestID: "req-1", ExpiresAt: time.Now().Add(time.Minute)}, 0)
	p := newPrimitive(fs)

	err := p.Reserve(context.Background(), "node-1", "req-2", time.Minute)
	if !errors.Is(err, domain.ErrAlreadyReserved) {
		t.Fatalf("err = %v, want ErrAlreadyReserved", err)
	}
}

func TestReserveIsIdempotentForSameRequest(t *testing.T) {
	fs := newFakeStore()
	fs.seed("node-1", &domain.Reservation{RequestID: "req-1", ExpiresAt: time.Now().Add(time.Minute)}, 0)
	p := newPrimitive(fs)

	if err := p.Reserve(context.Background(), "node-1", "req-1", time.Minute); err != nil {
		t.Fatalf("Reserve (same owner retry): %v", err)
	}
}

func TestReserveExpiredReservationCanBeTakenOver(t *testing.T) {
	fs := newFakeStore()
	fs.seed("node-1", &domain.Reservation{RequestID: "req-1", ExpiresAt: time.Now().Add(-time.Minute)}, 0)
	p := newPrimitive(fs)

	if err := p.Reserve(context.Background(), "node-1", "req-2", time.Minute); err != nil {
		t.Fatalf("Reserve over expired: %v", err)
	}
	if fs.docs["node-1"].Reservation.RequestID != "req-2" {
		t.Fatalf("expected req-2 to hold the reservation")
	}
}

func TestReleaseRequiresOwnership(t *testing.T) {
	fs := newFakeStore()
	fs.seed("node-1", &domain.Reservation{RequestID: "req-1", ExpiresAt: time.Now().Add(time.Minute)}, 0)
	p := newPrimitive(fs)

	err := p.Release(context.Background(), "node-1", "req-2")
	if !errors.Is(err, domain.ErrNotOwner) {
		t.Fatalf("err = %v, want ErrNotOwner", err)
	}
}

func TestReleaseWithNoReservation(t *testing.T) {
	fs := newFakeStore()
	fs.seed("node-1", nil, 0)
	p := newPrimitive(fs)

	err := p.Release(context.Background(), "node-1", "req-1")
	if !errors.Is(err, domain.ErrNoReservation) {
		t.Fatalf("err = %v, want ErrNoReservation", err)
	}
}

func TestReleaseSucceeds(t *testing.T) {
	fs := newFakeStore()
	fs.seed("node-1", &domain.Reservation{RequestID: "req-1", ExpiresAt: time.Now().Add(time.Minute)}, 0)
	p := newPrimitive(fs)

	if err := p.Release(context.Background(), "node-1", "req-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if fs.docs["node-1"].Reservation != nil {
		t.Fatal("expected reservation cleared")
	}
}

func TestExtendRejectsAlreadyExpired(t *testing.T) {
	fs := newFakeStore()
	fs.seed("node-1", &domain.Reservation{RequestID: "req-1", ExpiresAt: time.Now().Add(-time.Second)}, 0)
	p := newPrimitive(fs)

	err := p.Extend(context.Background(), "node-1", "req-1", 30)
	if !errors.Is(err, domain.ErrAlreadyExpired) {
		t.Fatalf("err = %v, want ErrAlreadyExpired", err)
	}
}

func TestExtendPushesExpiryForward(t *testing.T) {
	fs := newFakeStore()
	original := time.Now().Add(time.Minute)
	fs.seed("node-1", &domain.Reservation{RequestID: "req-1", ExpiresAt: original}, 0)
	p := newPrimitive(fs)

	if err := p.Extend(context.Background(), "node-1", "req-1", 30); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	got := fs.docs["node-1"].Reservation.ExpiresAt
	if !got.After(original) {
		t.Fatalf("expiry %v did not move past original %v", got, original)
	}
}

func TestSweeperClearsExpiredReservations(t *testing.T) {
	fs := newFakeStore()
	fs.seed("node-1", &domain.Reservation{RequestID: "req-1", ExpiresAt: time.Now().Add(-time.Minute)}, 0)
	fs.seed("node-2", &domain.Reservation{RequestID: "req-2", ExpiresAt: time.Now().Add(time.Hour)}, 0)

	sw := NewSweeper(nil, 10*time.Millisecond)
	sw.store = fs // override the store field for this in-package test

	ctx, cancel := context.WithCancel(context.Background())
	if err := sw.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	sw.Stop()

	if fs.docs["node-1"].Reservation != nil {
		t.Fatal("expected node-1's expired reservation to be cleared")
	}
	if fs.docs["node-2"].Reservation == nil {
		t.Fatal("expected node-2's active reservation to survive the sweep")
	}
}
