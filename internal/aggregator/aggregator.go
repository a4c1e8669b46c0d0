// Package aggregator implements a ticker-driven loop that composes
// per-geozone counts and averages from the regional state store and
// publishes a RegionalSummary for each known geozone.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arc-pbc-co/arcnet/internal/domain"
	"github.com/arc-pbc-co/arcnet/internal/regionalstate"
	"github.com/arc-pbc-co/arcnet/internal/telemetry"
	"github.com/arc-pbc-co/arcnet/internal/transport"
)

// healthStore is the subset of *regionalstate.Store the aggregator
// depends on.
type healthStore interface {
	Ping() error
	DistinctGeozones(ctx context.Context) ([]string, error)
	FindAvailable(ctx context.Context, opts regionalstate.FindAvailableOptions, now time.Time) ([]regionalstate.Candidate, error)
	EnergySourceCounts(ctx context.Context, geozonePrefix string, now time.Time) (map[domain.EnergySource]int, error)
}

var _ healthStore = (*regionalstate.Store)(nil)

// Config configures the Aggregator's fire interval.
type Config struct {
	Interval time.Duration
}

// DefaultConfig fires every 10s.
func DefaultConfig() Config {
	return Config{Interval: 10 * time.Second}
}

// Aggregator ticks on an interval, recomputing and republishing regional
// summaries.
type Aggregator struct {
	cfg   Config
	store healthStore
	bus   transport.Bus
	log   *zap.Logger
	stop  chan struct{}
	done  chan struct{}
}

// New constructs an Aggregator.
func New(cfg Config, store healthStore, bus transport.Bus, log *zap.Logger) *Aggregator {
	return &Aggregator{cfg: cfg, store: store, bus: bus, log: log, stop: make(chan struct{}), done: make(chan struct{})}
}

// Start launches the ticker loop and returns immediately; it runs until
// ctx is canceled or Stop is called.
func (a *Aggregator) Start(ctx context.Context) error {
	go a.loop(ctx)
	return nil
}

// Stop ends the loop and waits for it to exit.
func (a *Aggregator) Stop() {
	close(a.stop)
	<-a.done
}

func (a *Aggregator) loop(ctx context.Context) {
	defer close(a.done)
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-ticker.C:
			if err := a.tick(ctx); err != nil {
				a.log.Warn("aggregator: tick failed", zap.Error(err))
			}
		}
	}
}

// tick computes and publishes one RegionalSummary per known geozone.
// Gated on the regional-state store reporting healthy; a compute
// failure for one geozone is logged, not fatal to the tick or the
// ticker.
func (a *Aggregator) tick(ctx context.Context) error {
	if err := a.store.Ping(); err != nil {
		a.log.Warn("aggregator: skipping tick, store unhealthy", zap.Error(err))
		return nil
	}

	zones, err := a.store.DistinctGeozones(ctx)
	if err != nil {
		return fmt.Errorf("aggregator: list geozones: %w", err)
	}

	now := time.Now()
	for _, zone := range zones {
		summary, err := a.compute(ctx, zone, now)
		if err != nil {
			telemetry.AggregatorTickFailures.Inc()
			a.log.Warn("aggregator: compute failed for geozone", zap.String("geozone_id", zone), zap.Error(err))
			continue
		}
		telemetry.ActiveNodes.WithLabelValues(zone).Set(float64(summary.ActiveNodeCount))
		if err := a.publish(ctx, summary); err != nil {
			a.log.Warn("aggregator: publish failed for geozone", zap.String("geozone_id", zone), zap.Error(err))
		}
	}
	return nil
}

func (a *Aggregator) compute(ctx context.Context, geozoneID string, now time.Time) (domain.RegionalSummary, error) {
	candidates, err := a.store.FindAvailable(ctx, regionalstate.FindAvailableOptions{GeozonePrefix: geozoneID}, now)
	if err != nil {
		return domain.RegionalSummary{}, fmt.Errorf("find-available: %w", err)
	}

	counts, err := a.store.EnergySourceCounts(ctx, geozoneID, now)
	if err != nil {
		return domain.RegionalSummary{}, fmt.Errorf("energy-source-counts: %w", err)
	}

	summary := domain.RegionalSummary{
		GeozoneID:           geozoneID,
		CountByEnergySource: counts,
		ComputedAt:          now,
	}
	summary.ActiveNodeCount = len(candidates)

	var totalBattery, totalGPUUtil float64
	for _, c := range candidates {
		totalBattery += c.Document.Telemetry.BatteryLevel
		totalGPUUtil += c.Document.Telemetry.GPUUtilization
		if c.Document.Telemetry.GPUUtilization < 1.0 {
			summary.AvailableGPUCount++
		}
	}
	if len(candidates) > 0 {
		summary.AvgBatteryLevel = totalBattery / float64(len(candidates))
		summary.AvgGPUUtilization = totalGPUUtil / float64(len(candidates))
	}

	return summary, nil
}

func (a *Aggregator) publish(ctx context.Context, summary domain.RegionalSummary) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal regional summary: %w", err)
	}
	return a.bus.Send(ctx, transport.TopicRegionalSummaries, summary.GeozoneID, raw, map[string]string{
		transport.HeaderEntityType: "regional-summary",
	})
}
