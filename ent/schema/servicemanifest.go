package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// ServiceManifest holds the schema for a persisted service registry entry —
// a user- or operator-added manifest layered on top of the YAML seed
// registry loaded at startup.
type ServiceManifest struct {
	ent.Schema
}

// Fields of the ServiceManifest.
func (ServiceManifest) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("manifest_id").
			Unique().
			Immutable(),
		field.String("service_id").
			Immutable(),
		field.String("service_version").
			Immutable(),
		field.JSON("compatible_tiers", []string{}).
			Comment("Subset of {central, linux, mcu, any}"),
		field.JSON("descriptors", []map[string]interface{}{}).
			Comment("Execution descriptors, one of the nine variants each"),
		field.JSON("node_requirements", map[string]interface{}{}).
			Optional().
			Comment("internet, vault, memory, physical protocol requirements"),
		field.Bool("reversible").
			Default(true),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

// Indexes of the ServiceManifest.
func (ServiceManifest) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("service_id", "service_version").
			Unique(),
	}
}
