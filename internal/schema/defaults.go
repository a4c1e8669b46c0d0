package schema

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/arc-pbc-co/arcnet/internal/domain"
)

// RegisterArcNetDefaults wires up the registry with the entity shapes and
// migrations ArcNet's three versioned topics need: NodeTelemetry,
// InferenceRequest, and TrainingJob, each at v1 and v2, with v1 -> v2
// migrations and v2 validators.
func RegisterArcNetDefaults(r *Registry) {
	r.SetCurrentVersion(EntityNodeTelemetry, domain.CurrentNodeTelemetrySchemaVersion)
	r.SetCurrentVersion(EntityInferenceRequest, domain.CurrentInferenceRequestSchemaVersion)
	r.SetCurrentVersion(EntityTrainingJob, domain.CurrentTrainingJobSchemaVersion)

	registerNodeTelemetry(r)
	registerInferenceRequest(r)
	registerTrainingJob(r)
}

// ─── NodeTelemetry ──────────────────────────────────────────────────────────

func registerNodeTelemetry(r *Registry) {
	// v1 -> v2: string energy-source -> enum (case-folded, unknown -> grid).
	r.RegisterMigration(EntityNodeTelemetry, 1, func(f map[string]any) map[string]any {
		out := cloneFields(f)
		if s, ok := f["energy_source"].(string); ok {
			out["energy_source"] = string(domain.ParseEnergySource(s))
		} else {
			out["energy_source"] = string(domain.EnergyGrid)
		}
		out["schema_version"] = 2
		return out
	})

	r.RegisterValidator(EntityNodeTelemetry, domain.CurrentNodeTelemetrySchemaVersion, func(f map[string]any) []string {
		var errs []string
		if !isValidUUIDField(f["id"]) {
			errs = append(errs, "id must be a valid UUID")
		}
		if gh, ok := f["geohash"].(string); !ok || !domain.IsValidGeohash(gh) {
			errs = append(errs, fmt.Sprintf("geohash must be exactly %d characters", domain.GeohashLen))
		}
		if es, ok := f["energy_source"].(string); !ok || !domain.EnergySource(es).IsValid() {
			errs = append(errs, "energy_source must be one of solar, grid, battery")
		}
		errs = append(errs, checkUnitInterval(f, "battery_level")...)
		errs = append(errs, checkUnitInterval(f, "gpu_utilization")...)
		errs = append(errs, checkNonNegative(f, "gpu_memory_free_gb")...)
		if _, ok := f["models_loaded"].([]any); !ok {
			errs = append(errs, "models_loaded must be an array")
		}
		return errs
	})
}

// ─── InferenceRequest ───────────────────────────────────────────────────────

func registerInferenceRequest(r *Registry) {
	// v1 -> v2: integer priority 1|2|3 -> enum (unknown -> normal).
	r.RegisterMigration(EntityInferenceRequest, 1, func(f map[string]any) map[string]any {
		out := cloneFields(f)
		var v int
		switch p := f["priority"].(type) {
		case float64:
			v = int(p)
		case int:
			v = p
		}
		out["priority"] = string(domain.ParsePriority(v))
		out["schema_version"] = 2
		return out
	})

	r.RegisterValidator(EntityInferenceRequest, domain.CurrentInferenceRequestSchemaVersion, func(f map[string]any) []string {
		var errs []string
		if !isValidUUIDField(f["id"]) {
			errs = append(errs, "id must be a valid UUID")
		}
		if s, ok := f["model_id"].(string); !ok || s == "" {
			errs = append(errs, "model_id must be non-empty")
		}
		errs = append(errs, checkPositive(f, "context_window_tokens")...)
		errs = append(errs, checkPositive(f, "max_latency_ms")...)
		if p, ok := f["priority"].(string); !ok || !domain.Priority(p).IsValid() {
			errs = append(errs, "priority must be one of critical, normal, background")
		}
		if s, ok := f["requester_geozone"].(string); !ok || s == "" {
			errs = append(errs, "requester_geozone must be non-empty")
		}
		return errs
	})
}

// ─── TrainingJob ────────────────────────────────────────────────────────────

func registerTrainingJob(r *Registry) {
	// v1 -> v2: integer dataset-size-gb -> real.
	r.RegisterMigration(EntityTrainingJob, 1, func(f map[string]any) map[string]any {
		out := cloneFields(f)
		switch v := f["dataset_size_gb"].(type) {
		case float64:
			out["dataset_size_gb"] = v
		case int:
			out["dataset_size_gb"] = float64(v)
		}
		out["schema_version"] = 2
		return out
	})

	r.RegisterValidator(EntityTrainingJob, domain.CurrentTrainingJobSchemaVersion, func(f map[string]any) []string {
		var errs []string
		if !isValidUUIDField(f["id"]) {
			errs = append(errs, "id must be a valid UUID")
		}
		if s, ok := f["dataset_uri"].(string); !ok || s == "" {
			errs = append(errs, "dataset_uri must be non-empty")
		}
		errs = append(errs, checkNonNegative(f, "dataset_size_gb")...)
		errs = append(errs, checkNonNegative(f, "estimated_flops")...)
		if to, ok := f["target_override"]; ok && to != nil {
			if s, ok := to.(string); !ok || (s != "" && s != string(domain.TargetHPC) && s != string(domain.TargetFederated)) {
				errs = append(errs, "target_override must be hpc, federated, or empty")
			}
		}
		return errs
	})
}

// ─── Shared validation helpers ──────────────────────────────────────────────

func cloneFields(f map[string]any) map[string]any {
	out := make(map[string]any, len(f)+1)
	for k, v := range f {
		out[k] = v
	}
	return out
}

func isValidUUIDField(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

func checkUnitInterval(f map[string]any, key string) []string {
	n, ok := f[key].(float64)
	if !ok || n < 0 || n > 1 {
		return []string{fmt.Sprintf("%s must be in [0,1]", key)}
	}
	return nil
}

func checkNonNegative(f map[string]any, key string) []string {
	n, ok := f[key].(float64)
	if !ok || n < 0 {
		return []string{fmt.Sprintf("%s must be >= 0", key)}
	}
	return nil
}

func checkPositive(f map[string]any, key string) []string {
	switch n := f[key].(type) {
	case float64:
		if n <= 0 {
			return []string{fmt.Sprintf("%s must be > 0", key)}
		}
	default:
		return []string{fmt.Sprintf("%s must be a positive number", key)}
	}
	return nil
}
