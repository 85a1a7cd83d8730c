package registry

import (
	"testing"

	"github.com/llm-ir/svm/pkg/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndFindLatest(t *testing.T) {
	r := New()

	m1 := &ir.ServiceManifest{
		ID: "demo-service", Version: "1.0.0",
		InputPorts:  []ir.Port{{Name: "in", Type: ir.PortAny, Required: true}},
		OutputPorts: []ir.Port{{Name: "out", Type: ir.PortAny, Required: true}},
		Descriptors: []ir.ExecutionDescriptor{{Format: ir.FormatHTTP, CompatibleTiers: []ir.Tier{ir.TierCentral}}},
	}
	m2 := &ir.ServiceManifest{
		ID: "demo-service", Version: "1.2.0",
		InputPorts:  []ir.Port{{Name: "in", Type: ir.PortAny, Required: true}},
		OutputPorts: []ir.Port{{Name: "out", Type: ir.PortAny, Required: true}},
		Descriptors: []ir.ExecutionDescriptor{{Format: ir.FormatHTTP, CompatibleTiers: []ir.Tier{ir.TierCentral}}},
	}

	_, err := r.Register(m1, false)
	require.NoError(t, err)
	_, err = r.Register(m2, false)
	require.NoError(t, err)

	latest, err := r.Find("demo-service", "latest")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", latest.Version)

	_, err = r.Register(m1, false)
	assert.ErrorAs(t, err, new(*DuplicateError))
}

func TestRegistry_RegisterRejectsInvalidManifest(t *testing.T) {
	r := New()
	_, err := r.Register(&ir.ServiceManifest{ID: "Bad ID!", Version: "not-semver"}, false)
	assert.ErrorAs(t, err, new(*ValidationError))
}

func TestRegistry_BuiltinCannotBeUnregistered(t *testing.T) {
	r := New()
	r.SeedBuiltins()

	err := r.Unregister("sentiment-analyzer", "2.1.0")
	assert.ErrorAs(t, err, new(*BuiltinImmutableError))
}

// TestRegistry_ResolveForNode_DescriptorSelection verifies testable property
// 6: a manifest with descriptors [{WASM, tiers:[CENTRAL,LINUX]}, {HTTP,
// tiers:[CENTRAL]}] resolves WASM for LINUX and fails with the compatible
// tier list for MCU.
func TestRegistry_ResolveForNode_DescriptorSelection(t *testing.T) {
	r := New()
	manifest := &ir.ServiceManifest{
		ID: "dual-descriptor", Version: "1.0.0",
		InputPorts:  []ir.Port{{Name: "in", Type: ir.PortAny, Required: true}},
		OutputPorts: []ir.Port{{Name: "out", Type: ir.PortAny, Required: true}},
		Descriptors: []ir.ExecutionDescriptor{
			{Format: ir.FormatWasm, CompatibleTiers: []ir.Tier{ir.TierCentral, ir.TierLinux}},
			{Format: ir.FormatHTTP, CompatibleTiers: []ir.Tier{ir.TierCentral}},
		},
	}
	_, err := r.Register(manifest, false)
	require.NoError(t, err)

	_, descriptor, err := r.ResolveForNode("dual-descriptor", "1.0.0", ir.TierLinux)
	require.NoError(t, err)
	assert.Equal(t, ir.FormatWasm, descriptor.Format)

	_, _, err = r.ResolveForNode("dual-descriptor", "1.0.0", ir.TierMCU)
	require.Error(t, err)
	var tierErr *NoExecutorForTierError
	require.ErrorAs(t, err, &tierErr)
	assert.ElementsMatch(t, []string{"CENTRAL", "LINUX", "CENTRAL"}, tierErr.CompatibleTiers)
}

func TestRegistry_Search(t *testing.T) {
	r := New()
	r.SeedBuiltins()

	results := r.Search("sentiment", "", "")
	require.Len(t, results, 1)
	assert.Equal(t, "sentiment-analyzer", results[0].ID)

	results = r.Search("", "physical", "")
	require.Len(t, results, 1)
	assert.Equal(t, "close-valve", results[0].ID)

	results = r.Search("", "", ir.TierMCU)
	for _, m := range results {
		assert.Equal(t, "close-valve", m.ID)
	}
}
