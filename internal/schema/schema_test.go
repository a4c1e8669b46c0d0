package schema

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/arc-pbc-co/arcnet/internal/domain"
)

func newTestRegistry() *Registry {
	r := NewRegistry()
	RegisterArcNetDefaults(r)
	return r
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tel := domain.NodeTelemetry{
		ID:             uuid.NewString(),
		Geohash:        "9q8yyk",
		EnergySource:   domain.EnergySolar,
		BatteryLevel:   0.8,
		GPUUtilization: 0.2,
		SchemaVersion:  domain.CurrentNodeTelemetrySchemaVersion,
	}

	raw, err := Encode(EntityNodeTelemetry, tel.SchemaVersion, tel)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	env, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if env.EntityType != EntityNodeTelemetry {
		t.Fatalf("entity type = %q, want %q", env.EntityType, EntityNodeTelemetry)
	}
	if env.SchemaVersion != domain.CurrentNodeTelemetrySchemaVersion {
		t.Fatalf("schema version = %d, want %d", env.SchemaVersion, domain.CurrentNodeTelemetrySchemaVersion)
	}

	fields, err := RawFields(env)
	if err != nil {
		t.Fatalf("RawFields: %v", err)
	}
	if fields["geohash"] != "9q8yyk" {
		t.Fatalf("geohash round-trip = %v, want 9q8yyk", fields["geohash"])
	}
}

func TestDecodeEnvelopeMissingEntityType(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{"schema_version":1,"payload":{}}`)); err == nil {
		t.Fatal("expected error for envelope missing entity_type")
	}
}

// TestNodeTelemetryMigrationV1ToV2 checks that a v1 message migrated to
// v2 and then validated at v2 passes.
func TestNodeTelemetryMigrationV1ToV2(t *testing.T) {
	r := newTestRegistry()

	v1 := map[string]any{
		"id":                 uuid.NewString(),
		"geohash":            "9q8yyk",
		"energy_source":      "SOLAR", // v1 producers sent free-form case
		"battery_level":      0.55,
		"gpu_utilization":    0.1,
		"gpu_memory_free_gb": 4.0,
		"models_loaded":      []any{},
		"schema_version":     1,
	}

	migrated, err := r.Migrate(EntityNodeTelemetry, v1, 1, domain.CurrentNodeTelemetrySchemaVersion)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if migrated["energy_source"] != string(domain.EnergySolar) {
		t.Fatalf("energy_source = %v, want %q", migrated["energy_source"], domain.EnergySolar)
	}

	ok, errs := r.Validate(EntityNodeTelemetry, domain.CurrentNodeTelemetrySchemaVersion, migrated)
	if !ok {
		t.Fatalf("validate migrated v2 payload: %v", errs)
	}
}

func TestNodeTelemetryMigrationUnknownEnergySourceFallsBackToGrid(t *testing.T) {
	r := newTestRegistry()
	v1 := map[string]any{
		"id":                 uuid.NewString(),
		"geohash":            "9q8yyk",
		"energy_source":      "wind-turbine",
		"battery_level":      0.5,
		"gpu_utilization":    0.5,
		"gpu_memory_free_gb": 1.0,
		"models_loaded":      []any{},
		"schema_version":     1,
	}
	migrated, err := r.Migrate(EntityNodeTelemetry, v1, 1, 2)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if migrated["energy_source"] != string(domain.EnergyGrid) {
		t.Fatalf("energy_source = %v, want fallback %q", migrated["energy_source"], domain.EnergyGrid)
	}
}

func TestInferenceRequestMigrationV1ToV2(t *testing.T) {
	r := newTestRegistry()
	v1 := map[string]any{
		"id":                    uuid.NewString(),
		"model_id":              "llama-70b",
		"context_window_tokens": float64(4096),
		"priority":              float64(1),
		"max_latency_ms":        float64(500),
		"requester_geozone":     "9q8",
		"schema_version":        1,
	}
	migrated, err := r.Migrate(EntityInferenceRequest, v1, 1, domain.CurrentInferenceRequestSchemaVersion)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if migrated["priority"] != string(domain.PriorityCritical) {
		t.Fatalf("priority = %v, want %q", migrated["priority"], domain.PriorityCritical)
	}
	ok, errs := r.Validate(EntityInferenceRequest, domain.CurrentInferenceRequestSchemaVersion, migrated)
	if !ok {
		t.Fatalf("validate migrated v2 payload: %v", errs)
	}
}

func TestTrainingJobMigrationV1ToV2(t *testing.T) {
	r := newTestRegistry()
	v1 := map[string]any{
		"id":              uuid.NewString(),
		"dataset_uri":     "s3://bucket/dataset",
		"dataset_size_gb": int(120), // v1 producers sent an integer
		"estimated_flops": float64(1e15),
		"schema_version":  1,
	}
	migrated, err := r.Migrate(EntityTrainingJob, v1, 1, domain.CurrentTrainingJobSchemaVersion)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if _, ok := migrated["dataset_size_gb"].(float64); !ok {
		t.Fatalf("dataset_size_gb = %T, want float64", migrated["dataset_size_gb"])
	}
	ok, errs := r.Validate(EntityTrainingJob, domain.CurrentTrainingJobSchemaVersion, migrated)
	if !ok {
		t.Fatalf("validate migrated v2 payload: %v", errs)
	}
}

func TestMigrateDowngradeRejected(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Migrate(EntityNodeTelemetry, map[string]any{}, 2, 1); err == nil {
		t.Fatal("expected downgrade to be rejected")
	} else if !errors.Is(err, domain.ErrNoMigrationPath) {
		t.Fatalf("expected domain.ErrNoMigrationPath, got %v", err)
	}
}

func TestMigrateUnknownIntermediateStepRejected(t *testing.T) {
	r := NewRegistry() // deliberately unregistered
	if _, err := r.Migrate(EntityNodeTelemetry, map[string]any{}, 1, 2); err == nil {
		t.Fatal("expected missing migration step to be rejected")
	} else if !errors.Is(err, domain.ErrNoMigrationPath) {
		t.Fatalf("expected domain.ErrNoMigrationPath, got %v", err)
	}
}

func TestValidateUnknownPairReturnsError(t *testing.T) {
	r := NewRegistry()
	ok, errs := r.Validate(EntityNodeTelemetry, 99, map[string]any{})
	if ok || len(errs) == 0 {
		t.Fatal("expected validation failure for unregistered entity/version pair")
	}
}
