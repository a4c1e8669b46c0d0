package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/arc-pbc-co/arcnet/internal/domain"
)

// ValidateFunc structurally and range-checks a decoded payload at a given
// version, returning a human-readable error per violation.
type ValidateFunc func(fields map[string]any) []string

// MigrateFunc composes a single vN -> vN+1 step. Migrations are
// registered pairwise and composed at lookup time to reach any target
// version from any older one.
type MigrateFunc func(fields map[string]any) map[string]any

type regKey struct {
	entityType string
	version    int
}

// Registry holds schema-envelope record shapes keyed by
// {entity-type, schema-version}, plus the migrations between versions.
type Registry struct {
	mu         sync.RWMutex
	validators map[regKey]ValidateFunc
	migrations map[string]map[int]MigrateFunc // entityType -> fromVersion -> migrate(fromVersion -> fromVersion+1)
	current    map[string]int                 // entityType -> version the consumer is compiled against
}

// NewRegistry returns an empty registry. Use RegisterArcNetDefaults to
// populate it with the current corpus's entity shapes and migrations.
func NewRegistry() *Registry {
	return &Registry{
		validators: make(map[regKey]ValidateFunc),
		migrations: make(map[string]map[int]MigrateFunc),
		current:    make(map[string]int),
	}
}

// RegisterValidator associates a structural check with {entityType, version}.
func (r *Registry) RegisterValidator(entityType string, version int, fn ValidateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[regKey{entityType, version}] = fn
}

// RegisterMigration associates a vN -> vN+1 step with entityType.
func (r *Registry) RegisterMigration(entityType string, fromVersion int, fn MigrateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.migrations[entityType] == nil {
		r.migrations[entityType] = make(map[int]MigrateFunc)
	}
	r.migrations[entityType][fromVersion] = fn
}

// SetCurrentVersion records the version the consumer is compiled against —
// the floor below which inbound messages must be migrated.
func (r *Registry) SetCurrentVersion(entityType string, version int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current[entityType] = version
}

// CurrentVersion returns the consumer floor for entityType, or 0 if unset.
func (r *Registry) CurrentVersion(entityType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current[entityType]
}

// Validate runs the registered structural + range checks for
// {entityType, version}. Returns ok=false and the violations if any check
// fails, or ok=false with a single "unknown schema" error if nothing was
// registered for that pair.
func (r *Registry) Validate(entityType string, version int, fields map[string]any) (ok bool, errs []string) {
	r.mu.RLock()
	fn, found := r.validators[regKey{entityType, version}]
	r.mu.RUnlock()
	if !found {
		return false, []string{fmt.Sprintf("no validator registered for %s v%d", entityType, version)}
	}
	violations := fn(fields)
	return len(violations) == 0, violations
}

// Migrate composes pairwise migrations from fromVersion up to targetVersion.
// Downgrades are unsupported — if fromVersion > targetVersion, or no
// migration step is registered for some intermediate version, it returns
// ErrNoMigrationPath.
func (r *Registry) Migrate(entityType string, fields map[string]any, fromVersion, targetVersion int) (map[string]any, error) {
	if fromVersion > targetVersion {
		return nil, fmt.Errorf("schema: downgrade %s v%d -> v%d: %w", entityType, fromVersion, targetVersion, domain.ErrNoMigrationPath)
	}
	if fromVersion == targetVersion {
		return fields, nil
	}

	r.mu.RLock()
	steps := r.migrations[entityType]
	r.mu.RUnlock()

	cur := fields
	for v := fromVersion; v < targetVersion; v++ {
		step, found := steps[v]
		if !found {
			return nil, fmt.Errorf("schema: migrate %s v%d -> v%d: %w", entityType, v, v+1, domain.ErrNoMigrationPath)
		}
		cur = step(cur)
	}
	return cur, nil
}

// DecodeCurrent decodes a wire envelope, migrates its payload up to the
// version the caller is compiled against, validates the result, and
// unmarshals it into out. Every consumer of a versioned topic should route
// inbound messages through this rather than unmarshaling the envelope
// payload directly, so older producers stay compatible without the
// consumer special-casing each prior version by hand.
func (r *Registry) DecodeCurrent(entityType string, data []byte, out any) error {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return err
	}
	if env.EntityType != entityType {
		return fmt.Errorf("schema: expected entity type %s, got %s", entityType, env.EntityType)
	}

	fields, err := RawFields(env)
	if err != nil {
		return err
	}

	target := r.CurrentVersion(entityType)
	migrated, err := r.Migrate(entityType, fields, env.SchemaVersion, target)
	if err != nil {
		return fmt.Errorf("schema: migrate %s: %w", entityType, err)
	}

	if ok, violations := r.Validate(entityType, target, migrated); !ok {
		return fmt.Errorf("schema: invalid %s: %v", entityType, violations)
	}

	raw, err := json.Marshal(migrated)
	if err != nil {
		return fmt.Errorf("schema: re-marshal migrated %s: %w", entityType, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("schema: decode migrated %s: %w", entityType, err)
	}
	return nil
}
