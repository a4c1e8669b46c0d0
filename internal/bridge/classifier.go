// Package bridge implements the boundary between the mesh's federated
// training path and the external HPC transfer path: a classifier that
// decides where a training job runs, and an orchestrator that carries
// it through submission, transfer, and completion.
package bridge

import "github.com/arc-pbc-co/arcnet/internal/domain"

// Thresholds the classifier applies to route a job to HPC.
const (
	datasetSizeThresholdGB  = 1000
	estimatedFLOPsThreshold = 1e18
	gpuMemoryThresholdGB    = 256
	checkpointSizeThresholdGB = 100
)

// Reasons the classifier records for observability.
const (
	ReasonExplicitOverride   = "explicit-override"
	ReasonDatasetThreshold   = "dataset-threshold"
	ReasonFLOPsThreshold     = "flops-threshold"
	ReasonGPUMemory          = "gpu-memory-threshold"
	ReasonCheckpointSize     = "checkpoint-size-threshold"
	ReasonHighBandwidth      = "requires-high-bandwidth"
	ReasonDefault            = "default"
)

// Config controls the classifier's optional extended rule set.
type Config struct {
	// Extended opts into the required-gpu-memory-gb, estimated-checkpoint-
	// size-gb, and requires-high-bandwidth triggers, left off by default
	// so routing stays predictable until an operator opts in.
	Extended bool
}

// DefaultConfig returns the base (non-extended) classifier behavior.
func DefaultConfig() Config {
	return Config{Extended: false}
}

// Classification is the classifier's full output: the routing decision
// plus the factors that drove it, kept around for observability even
// though only Target and Reason affect orchestrator behavior.
type Classification struct {
	Target  domain.ClassificationTarget
	Reason  string
	Factors map[string]any
}

// Classify is a pure function from TrainingJob to routing decision.
// Explicit target-override always wins; failing that, dataset
// size and estimated FLOPs thresholds route to hpc; the extended variant
// additionally honors GPU memory, checkpoint size, and a high-bandwidth
// flag; everything else defaults to federated.
func Classify(job domain.TrainingJob, cfg Config) Classification {
	factors := map[string]any{
		"dataset_size_gb":  job.DatasetSizeGB,
		"estimated_flops":  job.EstimatedFLOPs,
		"target_override":  job.TargetOverride,
	}
	if cfg.Extended {
		factors["required_gpu_memory_gb"] = job.RequiredGPUMemoryGB
		factors["estimated_checkpoint_size_gb"] = job.EstimatedCheckpointSizeGB
		factors["requires_high_bandwidth"] = job.RequiresHighBandwidth
	}

	switch job.TargetOverride {
	case domain.TargetHPC, domain.TargetFederated:
		return Classification{Target: job.TargetOverride, Reason: ReasonExplicitOverride, Factors: factors}
	}

	if job.DatasetSizeGB > datasetSizeThresholdGB {
		return Classification{Target: domain.TargetHPC, Reason: ReasonDatasetThreshold, Factors: factors}
	}
	if job.EstimatedFLOPs > estimatedFLOPsThreshold {
		return Classification{Target: domain.TargetHPC, Reason: ReasonFLOPsThreshold, Factors: factors}
	}

	if cfg.Extended {
		if job.RequiredGPUMemoryGB > gpuMemoryThresholdGB {
			return Classification{Target: domain.TargetHPC, Reason: ReasonGPUMemory, Factors: factors}
		}
		if job.EstimatedCheckpointSizeGB > checkpointSizeThresholdGB {
			return Classification{Target: domain.TargetHPC, Reason: ReasonCheckpointSize, Factors: factors}
		}
		if job.RequiresHighBandwidth {
			return Classification{Target: domain.TargetHPC, Reason: ReasonHighBandwidth, Factors: factors}
		}
	}

	return Classification{Target: domain.TargetFederated, Reason: ReasonDefault, Factors: factors}
}
