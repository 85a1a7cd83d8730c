package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// AuditEvent holds the schema for a single entry in the append-only,
// hash-linked audit chain. Every instruction dispatch, sync-point join,
// fallback invocation, and physical-action side effect appends exactly one
// record; nothing is ever updated or deleted.
type AuditEvent struct {
	ent.Schema
}

// Fields of the AuditEvent.
func (AuditEvent) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("audit_event_id").
			Unique().
			Immutable(),
		field.String("session_id").
			Immutable(),
		field.Int("sequence_number").
			Immutable().
			Comment("Monotonic position in this session's chain"),
		field.Enum("event_type").
			Values(
				"instruction_dispatched",
				"service_call_completed",
				"loop_iteration",
				"loop_fallback",
				"physical_action_executed",
				"postcondition_checked",
				"sync_point_joined",
				"fallback_invoked",
				"node_marked_offline",
				"masking_applied",
			).
			Immutable(),
		field.Int("instruction_index").
			Optional().
			Nillable(),
		field.JSON("payload", map[string]interface{}{}).
			Optional().
			Comment("Event-specific data, masked before storage"),
		field.String("prev_hash").
			Immutable().
			Comment("Hash of the preceding event in this session's chain; empty for the first event"),
		field.String("hash").
			Unique().
			Immutable().
			Comment("SHA-256 of prev_hash + this event's canonical payload"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Edges of the AuditEvent.
func (AuditEvent) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("session", ExecutionSession.Type).
			Ref("audit_events").
			Field("session_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the AuditEvent.
func (AuditEvent) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("session_id", "sequence_number").
			Unique(),
		index.Fields("event_type"),
		index.Fields("created_at"),
	}
}
