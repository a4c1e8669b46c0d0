// Package scheduler consumes InferenceRequests, ranks live nodes in the
// requester's geozone, and walks the ranking attempting reservations
// until one succeeds, the retry budget is exhausted, or a bounded number
// of attempts is spent. Requests that exhaust every candidate are
// republished with a decremented retry-budget header rather than held
// in-process, so a scheduler restart never loses a pending retry.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/arc-pbc-co/arcnet/internal/domain"
	"github.com/arc-pbc-co/arcnet/internal/regionalstate"
	"github.com/arc-pbc-co/arcnet/internal/schema"
	"github.com/arc-pbc-co/arcnet/internal/telemetry"
	"github.com/arc-pbc-co/arcnet/internal/transport"
)

// reserver is the subset of reservation.Primitive the scheduler depends
// on — narrowed to a local interface so this package is testable without
// a regional-state-store-backed Primitive.
type reserver interface {
	Reserve(ctx context.Context, nodeID, requestID string, ttl time.Duration) error
}

// finder is the subset of regionalstate.Store the scheduler consults for
// candidate search.
type finder interface {
	FindAvailable(ctx context.Context, opts regionalstate.FindAvailableOptions, now time.Time) ([]regionalstate.Candidate, error)
}

// Config configures the scheduler's candidate walk and reservation TTL.
type Config struct {
	Weights            Weights
	MinBattery         float64       // minimum battery fraction a candidate must report to be considered
	MaxReserveAttempts int           // bounded attempts before giving up and retrying/rejecting
	ReservationTTL     time.Duration
}

// DefaultConfig returns production scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Weights:            DefaultWeights(),
		MinBattery:         0.15,
		MaxReserveAttempts: 10,
		ReservationTTL:     2 * time.Minute,
	}
}

// Scheduler consumes inference requests and publishes exactly one
// dispatch command per successfully placed request.
type Scheduler struct {
	cfg      Config
	store    finder
	res      reserver
	bus      transport.Bus
	registry *schema.Registry
	log      *zap.Logger
}

// New constructs a Scheduler.
func New(cfg Config, store finder, res reserver, bus transport.Bus, registry *schema.Registry, log *zap.Logger) *Scheduler {
	return &Scheduler{cfg: cfg, store: store, res: res, bus: bus, registry: registry, log: log}
}

// Start subscribes to the inference-requests topic and runs until ctx is
// canceled — the component-value lifecycle every long-running piece of
// this module follows.
func (s *Scheduler) Start(ctx context.Context) error {
	return s.bus.Subscribe(ctx, transport.TopicInferenceRequests, "scheduler", s.handle)
}

// Stop is a no-op: Subscribe already returns as soon as the ctx passed
// to Start is canceled. It exists so Scheduler satisfies
// supervisor.Component.
func (s *Scheduler) Stop() {}

func (s *Scheduler) handle(ctx context.Context, msg transport.Message) error {
	return telemetry.Instrument(telemetry.SchedulerLatency, "scheduler.handle", func() error {
		return s.doHandle(ctx, msg)
	})
}

func (s *Scheduler) doHandle(ctx context.Context, msg transport.Message) error {
	var req domain.InferenceRequest
	if err := s.registry.DecodeCurrent(schema.EntityInferenceRequest, msg.Value, &req); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	budget := retryBudget(msg.Headers)

	candidates, err := s.store.FindAvailable(ctx, regionalstate.FindAvailableOptions{
		GeozonePrefix: domain.GeozoneOf(req.RequesterGeozone),
		ModelID:       req.ModelID,
		MinBattery:    s.cfg.MinBattery,
	}, time.Now())
	if err != nil {
		return fmt.Errorf("scheduler: find-available for %s: %w", req.ID, err)
	}

	ranked := RankCandidates(candidates, req, s.cfg.Weights)

	attempts := s.cfg.MaxReserveAttempts
	if attempts > len(ranked) {
		attempts = len(ranked)
	}

	for i := 0; i < attempts; i++ {
		nodeID := ranked[i].Document.Telemetry.ID
		err := s.res.Reserve(ctx, nodeID, req.ID, s.cfg.ReservationTTL)
		switch {
		case err == nil:
			telemetry.ReservationAttempts.WithLabelValues("success").Inc()
			return s.publishDispatch(ctx, req, nodeID)
		case errors.Is(err, domain.ErrAlreadyReserved), errors.Is(err, domain.ErrRaceCondition):
			telemetry.ReservationAttempts.WithLabelValues("contended").Inc()
			continue
		default:
			telemetry.ReservationAttempts.WithLabelValues("error").Inc()
			s.log.Warn("scheduler: reserve attempt failed", zap.String("node_id", nodeID), zap.Error(err))
			continue
		}
	}

	return s.publishRetryOrReject(ctx, req, budget)
}

func (s *Scheduler) publishDispatch(ctx context.Context, req domain.InferenceRequest, nodeID string) error {
	cmd := domain.DispatchCommand{
		CommandType: domain.DispatchCommandType,
		RequestID:   req.ID,
		NodeID:      nodeID,
		IssuedAt:    time.Now(),
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("scheduler: marshal dispatch command: %w", err)
	}
	topic := transport.TopicDispatchCommands + "." + domain.GeozoneOf(req.RequesterGeozone)
	if err := s.bus.Send(ctx, topic, req.ID, payload, map[string]string{
		transport.HeaderEntityType: "dispatch-command",
	}); err != nil {
		return err
	}
	telemetry.DispatchesPublished.Inc()
	return nil
}

// publishRetryOrReject republishes with a decremented retry-budget
// header if budget remains, else publishes to the rejected topic — the
// topic itself is the retry mechanism, so a scheduler restart never
// drops a request that's mid-retry.
func (s *Scheduler) publishRetryOrReject(ctx context.Context, req domain.InferenceRequest, budget int) error {
	raw, err := schema.Encode(schema.EntityInferenceRequest, req.SchemaVersion, req)
	if err != nil {
		return fmt.Errorf("scheduler: encode request for retry/reject: %w", err)
	}

	if budget <= 0 {
		s.log.Info("scheduler: retry budget exhausted, rejecting", zap.String("request_id", req.ID))
		telemetry.RequestsRejected.Inc()
		return s.bus.Send(ctx, rejectedTopic, req.ID, raw, map[string]string{
			transport.HeaderEntityType: schema.EntityInferenceRequest,
			domain.RetryBudgetHeader:   "0",
		})
	}

	return s.bus.Send(ctx, retryTopic, req.ID, raw, map[string]string{
		transport.HeaderEntityType: schema.EntityInferenceRequest,
		domain.RetryBudgetHeader:   strconv.Itoa(budget - 1),
	})
}

const (
	retryTopic    = transport.TopicInferenceRetry
	rejectedTopic = transport.TopicInferenceRejected
)

func retryBudget(headers map[string]string) int {
	raw, ok := headers[domain.RetryBudgetHeader]
	if !ok {
		return domain.DefaultRetryBudget
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return domain.DefaultRetryBudget
	}
	return n
}
