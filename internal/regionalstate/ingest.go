package regionalstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arc-pbc-co/arcnet/internal/domain"
	"github.com/arc-pbc-co/arcnet/internal/schema"
	"github.com/arc-pbc-co/arcnet/internal/transport"
)

// DefaultBatchWindow is how long the Ingestor accumulates telemetry
// readings before committing them as a single transaction.
const DefaultBatchWindow = 500 * time.Millisecond

// Ingestor is the telemetry ingestion loop: subscribes to the node
// telemetry topic, validates and migrates each reading through the
// schema registry, and batches valid readings into the store on a
// fixed window rather than one transaction per message. A message's
// handler does not return until the batch it landed in has been
// written; if that write fails the handler returns the error and the
// bus routes the message to the dead-letter stream. The message is not
// redelivered to this consumer.
type Ingestor struct {
	store       *Store
	bus         transport.Bus
	registry    *schema.Registry
	log         *zap.Logger
	batchWindow time.Duration

	mu  sync.Mutex
	buf []pendingReading
}

// pendingReading pairs a validated reading with the channel its
// handler is blocked on — closed (with the commit error, if any) once
// the batch containing it has been written to the store.
type pendingReading struct {
	reading domain.NodeTelemetry
	done    chan error
}

// NewIngestor constructs an Ingestor with the default batch window.
func NewIngestor(store *Store, bus transport.Bus, registry *schema.Registry, log *zap.Logger) *Ingestor {
	return &Ingestor{store: store, bus: bus, registry: registry, log: log, batchWindow: DefaultBatchWindow}
}

// Start runs the subscription and flush loops until ctx is canceled —
// the component-value lifecycle every long-running piece of this module
// follows.
func (in *Ingestor) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return in.bus.Subscribe(ctx, transport.TopicNodeTelemetry, "regionalstate-ingest", in.handle)
	})
	g.Go(func() error {
		in.flushLoop(ctx)
		return nil
	})
	return g.Wait()
}

// Stop is a no-op: both loops already return as soon as the ctx passed
// to Start is canceled. It exists so Ingestor satisfies
// supervisor.Component.
func (in *Ingestor) Stop() {}

// handle validates and migrates one delivered telemetry envelope,
// appends it to the pending batch, and then blocks until the batch
// containing it has been committed to the store (or the envelope
// itself was invalid). A non-nil error here, whether from a schema
// violation or a store failure, makes the bus route the message to the
// dead-letter stream instead of dropping it; it is not retried.
func (in *Ingestor) handle(ctx context.Context, msg transport.Message) error {
	var reading domain.NodeTelemetry
	if err := in.registry.DecodeCurrent(schema.EntityNodeTelemetry, msg.Value, &reading); err != nil {
		return fmt.Errorf("regionalstate: %w", err)
	}

	done := make(chan error, 1)
	in.mu.Lock()
	in.buf = append(in.buf, pendingReading{reading: reading, done: done})
	in.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *Ingestor) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(in.batchWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			in.flush(context.Background())
			return
		case <-ticker.C:
			in.flush(ctx)
		}
	}
}

func (in *Ingestor) flush(ctx context.Context) {
	in.mu.Lock()
	batch := in.buf
	in.buf = nil
	in.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	readings := make([]domain.NodeTelemetry, len(batch))
	for i, p := range batch {
		readings[i] = p.reading
	}

	err := in.store.Ingest(ctx, readings, time.Now())
	if err != nil {
		in.log.Warn("regionalstate: batch ingest failed", zap.Int("batch_size", len(batch)), zap.Error(err))
	}
	for _, p := range batch {
		p.done <- err
	}
}
