package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arc-pbc-co/arcnet/internal/domain"
	"github.com/arc-pbc-co/arcnet/internal/schema"
	"github.com/arc-pbc-co/arcnet/internal/telemetry"
	"github.com/arc-pbc-co/arcnet/internal/transport"
)

// OrchestratorConfig configures the orchestrator: where HPC transfers
// land, and which classifier rules apply.
type OrchestratorConfig struct {
	ClassifierExtended bool
	DestEndpoint       string
}

// DefaultOrchestratorConfig returns production defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{ClassifierExtended: false, DestEndpoint: "ornl-dtn://ingest"}
}

// Orchestrator is the bridge component: two concurrent consumers
// (submission, pending) feeding transfer-or-mesh decisions through one
// TransferClient.
type Orchestrator struct {
	cfg      OrchestratorConfig
	bus      transport.Bus
	client   TransferClient
	registry *schema.Registry
	log      *zap.Logger
}

// New constructs an Orchestrator.
func New(cfg OrchestratorConfig, bus transport.Bus, client TransferClient, registry *schema.Registry, log *zap.Logger) *Orchestrator {
	return &Orchestrator{cfg: cfg, bus: bus, client: client, registry: registry, log: log}
}

// Start runs the submission and pending loops until ctx is canceled or
// either loop returns a non-nil error, at which point errgroup cancels
// the other.
func (o *Orchestrator) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.bus.Subscribe(ctx, transport.TopicTrainingJobs, "bridge-submission", o.handleSubmission)
	})
	g.Go(func() error {
		return o.bus.Subscribe(ctx, transport.TopicBridgePending, "bridge-pending", o.handlePending)
	})
	return g.Wait()
}

// Stop is a no-op: both Subscribe loops already return as soon as the
// ctx passed to Start is canceled. It exists so Orchestrator satisfies
// supervisor.Component.
func (o *Orchestrator) Stop() {}

func (o *Orchestrator) handleSubmission(ctx context.Context, msg transport.Message) error {
	var job domain.TrainingJob
	if err := o.registry.DecodeCurrent(schema.EntityTrainingJob, msg.Value, &job); err != nil {
		return fmt.Errorf("bridge: %w", err)
	}

	class := Classify(job, Config{Extended: o.cfg.ClassifierExtended})
	telemetry.JobsClassified.WithLabelValues(string(class.Target), class.Reason).Inc()

	if class.Target == domain.TargetFederated {
		return o.publishToMesh(ctx, job, class)
	}
	return o.initiateTransfer(ctx, job, class)
}

func (o *Orchestrator) publishToMesh(ctx context.Context, job domain.TrainingJob, class Classification) error {
	raw, err := schema.Encode(schema.EntityTrainingJob, job.SchemaVersion, job)
	if err != nil {
		return fmt.Errorf("bridge: encode job for mesh: %w", err)
	}
	return o.bus.Send(ctx, transport.TopicMeshTraining, job.ID, raw, map[string]string{
		transport.HeaderEntityType: schema.EntityTrainingJob,
		"classification-target":   string(class.Target),
		"classification-reason":   class.Reason,
	})
}

// initiateTransfer calls the external transfer API (the client itself
// applies the 3-attempt doubling backoff), publishing a PendingJob on
// success or a terminal FailedJob on exhaustion.
func (o *Orchestrator) initiateTransfer(ctx context.Context, job domain.TrainingJob, class Classification) error {
	destPath := fmt.Sprintf("/ingest/%s", job.ID)
	res, err := o.client.Initiate(ctx, job.DatasetURI, o.cfg.DestEndpoint, job.DatasetURI, destPath, InitiateOptions{
		VerifyChecksum:     true,
		PreserveTimestamps: true,
		EncryptionRequired: true,
	})
	if err != nil {
		o.log.Warn("bridge: transfer initiation exhausted retries", zap.String("job_id", job.ID), zap.Error(err))
		return o.publishFailed(ctx, job.ID, "transfer-initiation-failed", err)
	}

	pending := domain.PendingJob{
		ID:              job.ID,
		Job:             job,
		TransferTaskID:  res.TaskID,
		DestinationPath: destPath,
		SubmittedAt:     time.Now(),
		RetryCount:      0,
		Status:          domain.PendingTransferring,
	}
	return o.publishPending(ctx, pending)
}

func (o *Orchestrator) handlePending(ctx context.Context, msg transport.Message) error {
	var pending domain.PendingJob
	if err := json.Unmarshal(msg.Value, &pending); err != nil {
		return fmt.Errorf("bridge: decode pending job: %w", err)
	}

	result, err := o.client.Poll(ctx, pending.TransferTaskID)
	if err != nil {
		o.log.Warn("bridge: poll failed, treating as transient", zap.String("job_id", pending.ID), zap.Error(err))
		return o.requeuePending(ctx, pending, "poll-error")
	}

	switch result.Status {
	case StatusSucceeded:
		return o.publishOrnlJob(ctx, pending, result)
	case StatusFailed:
		return o.publishFailed(ctx, pending.ID, "transfer-failed", fmt.Errorf("transfer failed: %s", result.NiceStatus))
	case StatusCanceled:
		return o.publishFailed(ctx, pending.ID, "transfer-canceled", fmt.Errorf("transfer canceled: %s", result.NiceStatus))
	default: // pending, active, unknown — all transient
		return o.requeuePending(ctx, pending, string(result.Status))
	}
}

// requeuePending re-publishes the PendingJob onto its own topic with an
// incremented retry count rather than scheduling an in-process timer —
// the pending-loop's own poll cadence provides the back-pressure.
func (o *Orchestrator) requeuePending(ctx context.Context, pending domain.PendingJob, status string) error {
	telemetry.TransferRetries.WithLabelValues(status).Inc()
	pending.RetryCount++
	return o.publishPending(ctx, pending)
}

func (o *Orchestrator) publishPending(ctx context.Context, pending domain.PendingJob) error {
	raw, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("bridge: marshal pending job: %w", err)
	}
	return o.bus.Send(ctx, transport.TopicBridgePending, pending.ID, raw, map[string]string{
		transport.HeaderEntityType: "pending-job",
	})
}

func (o *Orchestrator) publishOrnlJob(ctx context.Context, pending domain.PendingJob, result PollResult) error {
	class := Classify(pending.Job, Config{Extended: o.cfg.ClassifierExtended})
	ornl := domain.OrnlJob{
		Pending:             pending,
		BytesTransferred:    result.BytesTransferred,
		FilesTransferred:    result.FilesTransferred,
		TransferCompletedAt: time.Now(),
		Classification:      class.Target,
	}
	raw, err := json.Marshal(ornl)
	if err != nil {
		return fmt.Errorf("bridge: marshal ornl job: %w", err)
	}
	return o.bus.Send(ctx, transport.TopicOrnlIngress, pending.ID, raw, map[string]string{
		transport.HeaderEntityType: "ornl-job",
	})
}

func (o *Orchestrator) publishFailed(ctx context.Context, jobID, reason string, cause error) error {
	failed := domain.FailedJob{JobID: jobID, Reason: reason, Error: cause.Error()}
	raw, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("bridge: marshal failed job: %w", err)
	}
	return o.bus.Send(ctx, transport.TopicBridgeFailed, jobID, raw, map[string]string{
		transport.HeaderEntityType: "failed-job",
	})
}
