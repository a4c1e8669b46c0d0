package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arc-pbc-co/arcnet/internal/aggregator"
	"github.com/arc-pbc-co/arcnet/internal/bridge"
	"github.com/arc-pbc-co/arcnet/internal/config"
	"github.com/arc-pbc-co/arcnet/internal/health"
	"github.com/arc-pbc-co/arcnet/internal/regionalstate"
	"github.com/arc-pbc-co/arcnet/internal/reservation"
	"github.com/arc-pbc-co/arcnet/internal/schema"
	"github.com/arc-pbc-co/arcnet/internal/scheduler"
	"github.com/arc-pbc-co/arcnet/internal/supervisor"
	"github.com/arc-pbc-co/arcnet/internal/transport"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ArcNet control-plane daemon",
	Long:  `Start regional state, reservations, the scheduler, the HPC/federated training bridge, and regional-summary aggregation.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("arcnetd: load config: %w", err)
	}

	log, err := newLogger(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("arcnetd: build logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := regionalstate.Open(cfg.RegionalState.DataDir)
	if err != nil {
		return fmt.Errorf("arcnetd: open regional state store: %w", err)
	}
	defer store.Close()

	busCfg := transport.DefaultRedisBusConfig(cfg.Transport.RedisAddr)
	busCfg.ConsumerName = consumerName(cfg.Node.ID)
	bus, err := transport.NewRedisBus(busCfg, log.Named("transport"))
	if err != nil {
		return fmt.Errorf("arcnetd: connect transport: %w", err)
	}
	defer bus.Close()

	registry := schema.NewRegistry()
	schema.RegisterArcNetDefaults(registry)

	ingestor := regionalstate.NewIngestor(store, bus, registry, log.Named("ingest"))

	res := reservation.New(store)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.MinBattery = cfg.Scheduler.MinBattery
	schedCfg.MaxReserveAttempts = cfg.Scheduler.MaxReserveAttempts
	schedCfg.Weights = scheduler.Weights{
		GeozoneMatch:   cfg.Scheduler.GeozoneWeight,
		EnergySource:   cfg.Scheduler.EnergySourceWeight,
		GPUUtilization: cfg.Scheduler.GPUUtilWeight,
		BatteryLevel:   cfg.Scheduler.BatteryWeight,
	}
	sched := scheduler.New(schedCfg, store, res, bus, registry, log.Named("scheduler"))

	tokenSrc := bridge.ClientCredentialsTokenSource{
		TokenURL:     cfg.Bridge.TokenURL,
		ClientID:     cfg.Bridge.ClientID,
		ClientSecret: cfg.Bridge.ClientSecret,
	}
	transferClient := bridge.NewHTTPTransferClient(bridge.DefaultHTTPClientConfig(cfg.Bridge.TransferAPIBaseURL), tokenSrc)
	orchCfg := bridge.OrchestratorConfig{
		ClassifierExtended: cfg.Bridge.ExtendedClassifier,
		DestEndpoint:       cfg.Bridge.DestEndpoint,
	}
	orch := bridge.New(orchCfg, bus, transferClient, registry, log.Named("bridge"))

	aggCfg := aggregator.DefaultConfig()
	if cfg.Aggregator.IntervalSecs > 0 {
		aggCfg.Interval = time.Duration(cfg.Aggregator.IntervalSecs) * time.Second
	}
	agg := aggregator.New(aggCfg, store, bus, log.Named("aggregator"))

	sweeper := reservation.NewSweeper(store, schedCfg.ReservationTTL/4)

	checker := health.NewChecker(store, bus, cfg.RegionalState.DataDir)
	checker.AddCheck(health.Check{Name: "transfer_api_circuit_breaker", CheckFn: transferClient.HealthCheck})
	go checker.Run(ctx)

	sup := supervisor.New(log)
	sup.Add("ingestor", ingestor)
	sup.Add("scheduler", sched)
	sup.Add("bridge", orch)
	sup.Add("aggregator", agg)
	sup.Add("reservation-sweeper", sweeper)

	if cfg.Telemetry.Enabled {
		go serveMetrics(cfg.Telemetry.Port, checker, log)
	}

	return sup.Run(ctx)
}

func serveMetrics(port int, checker *health.Checker, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !checker.IsHealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(checker.Statuses())
	})
	addr := fmt.Sprintf(":%d", port)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("arcnetd: metrics server exited", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if err := zcfg.Level.UnmarshalText([]byte(level)); err != nil {
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return zcfg.Build()
}

// consumerName returns the Redis consumer-group identity for this
// process: the configured node id, or a random one if the operator
// hasn't assigned one yet.
func consumerName(nodeID string) string {
	if nodeID != "" {
		return nodeID
	}
	return uuid.NewString()
}
