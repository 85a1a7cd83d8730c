package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// FleetNode holds the schema for a node in the NodeRegistry — a remote
// execution target the distribution planner can assign slices to.
type FleetNode struct {
	ent.Schema
}

// Fields of the FleetNode.
func (FleetNode) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("node_id").
			Unique().
			Immutable(),
		field.Enum("tier").
			Values("central", "linux", "mcu"),
		field.JSON("capabilities", []string{}).
			Optional().
			Comment("internet, vault, memory, physical protocols this node provides"),
		field.Enum("status").
			Values("online", "offline").
			Default("online"),
		field.Time("last_heartbeat_at").
			Optional().
			Nillable(),
		field.Time("marked_offline_at").
			Optional().
			Nillable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Indexes of the FleetNode.
func (FleetNode) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("tier", "status"),
	}
}
