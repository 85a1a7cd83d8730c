package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// DistributionSlice holds the schema for a single slice of a distribution
// plan — a contiguous run of instructions dispatched, together, to one
// node (central or remote) during a single ExecutionSession.
type DistributionSlice struct {
	ent.Schema
}

// Fields of the DistributionSlice.
func (DistributionSlice) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("slice_id").
			Unique().
			Immutable(),
		field.String("session_id").
			Immutable(),
		field.String("target_node_id").
			Comment("Node the slice was dispatched to; 'central' for the local slice"),
		field.Enum("required_tier").
			Values("central", "linux", "mcu", "any").
			Default("any"),
		field.Enum("status").
			Values("pending", "dispatched", "success", "failure", "fallback_to_central").
			Default("pending"),
		field.JSON("output_registers", map[string]interface{}{}).
			Optional(),
		field.Int("duration_ms").
			Optional(),
		field.String("error_message").
			Optional().
			Nillable(),
		field.Time("dispatched_at").
			Optional().
			Nillable(),
		field.Time("completed_at").
			Optional().
			Nillable(),
	}
}

// Edges of the DistributionSlice.
func (DistributionSlice) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("session", ExecutionSession.Type).
			Ref("slices").
			Field("session_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the DistributionSlice.
func (DistributionSlice) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("session_id", "target_node_id"),
		index.Fields("status"),
	}
}
