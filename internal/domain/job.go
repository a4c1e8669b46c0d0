package domain

import "time"

// ClassificationTarget is the outcome of the bridge classifier.
type ClassificationTarget string

const (
	TargetHPC       ClassificationTarget = "hpc"
	TargetFederated ClassificationTarget = "federated"
)

// TrainingJob is a submitted training workload awaiting classification.
// The extended-classifier fields are always present (so an opt-in config
// flag has something to read) but only consulted when that mode is on —
// see internal/bridge/classifier.go.
type TrainingJob struct {
	ID             string  `json:"id"`
	DatasetURI     string  `json:"dataset_uri"`
	DatasetSizeGB  float64 `json:"dataset_size_gb"` // >= 0
	EstimatedFLOPs float64 `json:"estimated_flops"` // >= 0
	CheckpointURI  string  `json:"checkpoint_uri,omitempty"`
	TargetOverride ClassificationTarget `json:"target_override,omitempty"` // "" | hpc | federated

	// Extended-classifier factors (opt-in).
	RequiredGPUMemoryGB        float64 `json:"required_gpu_memory_gb,omitempty"`
	EstimatedCheckpointSizeGB  float64 `json:"estimated_checkpoint_size_gb,omitempty"`
	RequiresHighBandwidth      bool    `json:"requires_high_bandwidth,omitempty"`

	SchemaVersion int `json:"schema_version"`
}

// CurrentTrainingJobSchemaVersion is the version consumers expect.
const CurrentTrainingJobSchemaVersion = 2

// PendingStatus is the only status a PendingJob can hold while it is in
// flight — terminal states become OrnlJob or FailedJob instead.
type PendingStatus string

const PendingTransferring PendingStatus = "transferring"

// PendingJob tracks an HPC transfer in progress. It is itself the message
// that rides the delay-queue topic (arc.bridge.pending) between polls.
type PendingJob struct {
	ID               string        `json:"id"`
	Job              TrainingJob   `json:"job"`
	TransferTaskID   string        `json:"transfer_task_id"`
	DestinationPath  string        `json:"destination_path"`
	SubmittedAt      time.Time     `json:"submitted_at"`
	RetryCount       int           `json:"retry_count"`
	Status           PendingStatus `json:"status"`
}

// OrnlJob is the terminal success envelope for an HPC transfer.
type OrnlJob struct {
	Pending              PendingJob           `json:"pending"`
	BytesTransferred     int64                `json:"bytes_transferred"`
	FilesTransferred     int                  `json:"files_transferred"`
	TransferCompletedAt  time.Time            `json:"transfer_completed_at"`
	Classification       ClassificationTarget `json:"classification"`
}

// FailedJob is the terminal failure envelope for either a training job or
// a pending transfer. Reason is a free-form tag (e.g.
// "transfer-initiation-failed", "transfer-failed", "transfer-canceled").
type FailedJob struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
	Error  string `json:"error"`
}
