package registry

import (
	"context"
	"fmt"

	"github.com/llm-ir/svm/ent"
	"github.com/llm-ir/svm/pkg/ir"
)

// Store persists user-defined manifests to the database so they survive a
// restart; built-ins are always re-seeded in memory and never round-trip
// through it.
type Store struct {
	client *ent.Client
}

// NewStore wraps an Ent client for registry persistence.
func NewStore(client *ent.Client) *Store {
	return &Store{client: client}
}

// Save upserts a manifest's persisted projection.
func (s *Store) Save(ctx context.Context, manifest *ir.ServiceManifest) error {
	descriptors := make([]map[string]interface{}, 0, len(manifest.Descriptors))
	for _, d := range manifest.Descriptors {
		descriptors = append(descriptors, map[string]interface{}{
			"format":           string(d.Format),
			"compatible_tiers": tiersToStrings(d.CompatibleTiers),
			"config":           d.Config,
		})
	}
	tiers := make([]string, 0, len(manifest.NodeRequirements.Tiers))
	for _, t := range manifest.NodeRequirements.Tiers {
		tiers = append(tiers, string(t))
	}

	id := manifest.ID + "@" + manifest.Version
	nodeReqs := map[string]interface{}{
		"memory_mb":         manifest.NodeRequirements.MemoryMB,
		"requires_vault":    manifest.NodeRequirements.RequiresVault,
		"requires_internet": manifest.NodeRequirements.RequiresInternet,
	}

	existing, err := s.client.ServiceManifest.Get(ctx, id)
	switch {
	case ent.IsNotFound(err):
		_, err = s.client.ServiceManifest.Create().
			SetID(id).
			SetServiceID(manifest.ID).
			SetServiceVersion(manifest.Version).
			SetCompatibleTiers(tiers).
			SetDescriptors(descriptors).
			SetNodeRequirements(nodeReqs).
			SetReversible(manifest.Reversible).
			Save(ctx)
	case err == nil:
		_, err = existing.Update().
			SetCompatibleTiers(tiers).
			SetDescriptors(descriptors).
			SetNodeRequirements(nodeReqs).
			SetReversible(manifest.Reversible).
			Save(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to persist manifest %s: %w", id, err)
	}
	return nil
}

// LoadAll reads every persisted user-defined manifest back into memory,
// called once at startup after SeedBuiltins.
func (s *Store) LoadAll(ctx context.Context, into *Registry) error {
	rows, err := s.client.ServiceManifest.Query().All(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted manifests: %w", err)
	}
	for _, row := range rows {
		descriptors := make([]ir.ExecutionDescriptor, 0, len(row.Descriptors))
		for _, d := range row.Descriptors {
			format, _ := d["format"].(string)
			config, _ := d["config"].(map[string]interface{})
			var tiers []ir.Tier
			if raw, ok := d["compatible_tiers"].([]interface{}); ok {
				for _, t := range raw {
					if s, ok := t.(string); ok {
						tiers = append(tiers, ir.Tier(s))
					}
				}
			}
			descriptors = append(descriptors, ir.ExecutionDescriptor{
				Format:          ir.DescriptorFormat(format),
				CompatibleTiers: tiers,
				Config:          config,
			})
		}

		manifest := &ir.ServiceManifest{
			ID:          row.ServiceID,
			Version:     row.ServiceVersion,
			Descriptors: descriptors,
			Reversible:  row.Reversible,
			// Persisted rows carry no port metadata (it is re-derived from the
			// registered service's OpenAPI-like contract at registration time,
			// out of scope here); callers relying on LoadAll for execution
			// should re-register manifests with full port data where possible.
			InputPorts:  []ir.Port{{Name: "input", Type: ir.PortAny, Required: true}},
			OutputPorts: []ir.Port{{Name: "output", Type: ir.PortAny, Required: true}},
		}
		if _, err := into.Register(manifest, true); err != nil {
			return fmt.Errorf("failed to restore persisted manifest %s@%s: %w", row.ServiceID, row.ServiceVersion, err)
		}
	}
	return nil
}

func tiersToStrings(tiers []ir.Tier) []string {
	out := make([]string, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, string(t))
	}
	return out
}
