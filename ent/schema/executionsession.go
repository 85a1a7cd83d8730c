package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// ExecutionSession holds the schema for a single SVM run of a sealed
// artifact — the monolithic or distributed execution of one workflow
// invocation from dispatch to terminal status.
type ExecutionSession struct {
	ent.Schema
}

// Fields of the ExecutionSession.
func (ExecutionSession) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("execution_id").
			Unique().
			Immutable(),
		field.String("artifact_id").
			Immutable().
			Comment("Sealed artifact this session executes"),
		field.Int("ir_version_major").
			Immutable(),
		field.Enum("status").
			Values("pending", "in_progress", "cancelling", "completed", "failed", "cancelled", "timed_out").
			Default("pending"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("started_at").
			Optional().
			Nillable(),
		field.Time("completed_at").
			Optional().
			Nillable(),
		field.String("error_message").
			Optional().
			Nillable(),
		field.JSON("output_registers", map[string]interface{}{}).
			Optional().
			Comment("Final register snapshot returned by RETURN"),
		field.JSON("user_inputs", map[string]interface{}{}).
			Optional().
			Immutable().
			Comment("Caller-supplied values loaded into the artifact's input registers at execute() start"),
		field.String("node_id").
			Optional().
			Nillable().
			Comment("Central node handling this session, for multi-replica coordination"),
		field.Time("last_interaction_at").
			Optional().
			Nillable().
			Comment("For orphan detection"),
		field.Time("deleted_at").
			Optional().
			Nillable().
			Comment("Soft delete for retention policy"),
	}
}

// Edges of the ExecutionSession.
func (ExecutionSession) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("slices", DistributionSlice.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("audit_events", AuditEvent.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the ExecutionSession.
func (ExecutionSession) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("status"),
		index.Fields("artifact_id"),
		index.Fields("status", "created_at"),
		index.Fields("status", "last_interaction_at"),
		index.Fields("deleted_at").
			Annotations(entsql.IndexWhere("deleted_at IS NOT NULL")),
	}
}

func (ExecutionSession) Annotations() []schema.Annotation {
	return []schema.Annotation{}
}
