package database

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect/sql"
)

// CreateGINIndexes creates JSONB containment GIN indexes for PostgreSQL.
// Ent's schema DSL has no containment-index annotation, so these are applied
// as custom SQL after Ent's own schema migration runs.
func CreateGINIndexes(ctx context.Context, driver *sql.Driver) error {
	db := driver.DB()

	// GIN index over audit event payloads, for operator queries like
	// "find every event whose payload contains node_id = X".
	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_payload_gin
		ON audit_events USING gin(payload)`)
	if err != nil {
		return fmt.Errorf("failed to create audit event payload GIN index: %w", err)
	}

	// GIN index over service manifest descriptors, for resolving which
	// manifests declare a given execution descriptor variant.
	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_service_manifests_descriptors_gin
		ON service_manifests USING gin(descriptors)`)
	if err != nil {
		return fmt.Errorf("failed to create service manifest descriptors GIN index: %w", err)
	}

	return nil
}
