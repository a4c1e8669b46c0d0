// Package reservation implements the system's only cross-component
// mutual exclusion. A node holds at most one active reservation at a
// time; correctness comes from the regional-state store's revision-scoped
// compare-and-set plus idempotent retry by the caller — there is no
// central lock service.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arc-pbc-co/arcnet/internal/domain"
	"github.com/arc-pbc-co/arcnet/internal/regionalstate"
)

// casStore is the subset of *regionalstate.Store the reservation
// primitive depends on — narrowed to a local interface so this package
// can be tested against a fake without pulling in SQLite.
type casStore interface {
	CurrentReservation(ctx context.Context, nodeID string) (domain.NodeDocument, error)
	CompareAndSetReservation(ctx context.Context, nodeID string, expectedRevision int64, newReservation *domain.Reservation) (ok bool, newRevision int64, err error)
	SweepExpiredReservations(ctx context.Context, now time.Time) (int64, error)
}

var _ casStore = (*regionalstate.Store)(nil)

// Primitive is the reservation service, bound to a single regional
// state store.
type Primitive struct {
	store casStore
	now   func() time.Time
}

// New constructs a reservation Primitive over store.
func New(store *regionalstate.Store) *Primitive {
	return &Primitive{store: store, now: time.Now}
}

// Reserve implements a 5-step compare-and-set algorithm:
//  1. read current document; missing node -> node-not-found
//  2. an active reservation held by someone else -> already-reserved
//  3. write the new reservation under the revision observed in step 1
//  4. re-read; if the written reservation isn't ours -> race-condition
//  5. else success
func (p *Primitive) Reserve(ctx context.Context, nodeID, requestID string, ttl time.Duration) error {
	now := p.now()

	doc, err := p.store.CurrentReservation(ctx, nodeID)
	if err != nil {
		if errors.Is(err, domain.ErrNodeNotFound) {
			return domain.ErrNodeNotFound
		}
		return fmt.Errorf("reservation: reserve %s: %w", nodeID, err)
	}

	if doc.Reservation.Active(now) && doc.Reservation.RequestID != requestID {
		return domain.ErrAlreadyReserved
	}

	newRes := &domain.Reservation{
		RequestID: requestID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	ok, _, err := p.store.CompareAndSetReservation(ctx, nodeID, doc.Revision, newRes)
	if err != nil {
		return fmt.Errorf("reservation: cas %s: %w", nodeID, err)
	}
	if !ok {
		return domain.ErrRaceCondition
	}

	// Re-read to confirm ownership (step 4) — guards against a second
	// writer landing a CAS against the same expected revision in the
	// narrow window between our write and this read (distinct callers can
	// observe the same pre-write revision if they read concurrently).
	confirm, err := p.store.CurrentReservation(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("reservation: confirm %s: %w", nodeID, err)
	}
	if confirm.Reservation == nil || confirm.Reservation.RequestID != requestID {
		return domain.ErrRaceCondition
	}
	return nil
}

// Release clears nodeID's reservation. Requires ownership; returns
// domain.ErrNotOwner if requestID does not hold the current reservation,
// and domain.ErrNoReservation if there is none to release.
func (p *Primitive) Release(ctx context.Context, nodeID, requestID string) error {
	doc, err := p.store.CurrentReservation(ctx, nodeID)
	if err != nil {
		if errors.Is(err, domain.ErrNodeNotFound) {
			return domain.ErrNodeNotFound
		}
		return fmt.Errorf("reservation: release %s: %w", nodeID, err)
	}
	if doc.Reservation == nil {
		return domain.ErrNoReservation
	}
	if doc.Reservation.RequestID != requestID {
		return domain.ErrNotOwner
	}

	ok, _, err := p.store.CompareAndSetReservation(ctx, nodeID, doc.Revision, nil)
	if err != nil {
		return fmt.Errorf("reservation: release cas %s: %w", nodeID, err)
	}
	if !ok {
		return domain.ErrRaceCondition
	}
	return nil
}

// Extend pushes nodeID's reservation expiry forward by extraSecs.
// Requires ownership and that the reservation has not already expired.
func (p *Primitive) Extend(ctx context.Context, nodeID, requestID string, extraSecs int) error {
	now := p.now()

	doc, err := p.store.CurrentReservation(ctx, nodeID)
	if err != nil {
		if errors.Is(err, domain.ErrNodeNotFound) {
			return domain.ErrNodeNotFound
		}
		return fmt.Errorf("reservation: extend %s: %w", nodeID, err)
	}
	if doc.Reservation == nil {
		return domain.ErrNoReservation
	}
	if doc.Reservation.RequestID != requestID {
		return domain.ErrNotOwner
	}
	if !doc.Reservation.Active(now) {
		return domain.ErrAlreadyExpired
	}

	extended := &domain.Reservation{
		RequestID: requestID,
		ExpiresAt: doc.Reservation.ExpiresAt.Add(time.Duration(extraSecs) * time.Second),
		CreatedAt: doc.Reservation.CreatedAt,
	}
	ok, _, err := p.store.CompareAndSetReservation(ctx, nodeID, doc.Revision, extended)
	if err != nil {
		return fmt.Errorf("reservation: extend cas %s: %w", nodeID, err)
	}
	if !ok {
		return domain.ErrRaceCondition
	}
	return nil
}

// Sweeper periodically clears expired reservations as a safety net for
// crashed holders. It is a component-value: call Start to launch the
// background loop, Stop to end it.
type Sweeper struct {
	store    casStore
	interval time.Duration
	now      func() time.Time
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper constructs a Sweeper that clears expired reservations every
// interval.
func NewSweeper(store *regionalstate.Store, interval time.Duration) *Sweeper {
	return &Sweeper{store: store, interval: interval, now: time.Now, stop: make(chan struct{}), done: make(chan struct{})}
}

// Start runs the sweep loop until ctx is canceled or Stop is called.
func (sw *Sweeper) Start(ctx context.Context) error {
	go sw.loop(ctx)
	return nil
}

// Stop ends the sweep loop and waits for it to exit.
func (sw *Sweeper) Stop() {
	close(sw.stop)
	<-sw.done
}

func (sw *Sweeper) loop(ctx context.Context) {
	defer close(sw.done)
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sw.stop:
			return
		case <-ticker.C:
			_, _ = sw.store.SweepExpiredReservations(ctx, sw.now())
		}
	}
}
