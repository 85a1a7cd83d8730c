package resolve

import (
	"testing"

	"github.com/llm-ir/svm/pkg/ir"
	"github.com/llm-ir/svm/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildArtifact(opcode ir.Opcode, serviceID, version, tier string) *ir.Artifact {
	dest := 1
	instr := &ir.Instruction{
		Index:          0,
		Opcode:         opcode,
		Dest:           &dest,
		Src:            []int{0},
		ServiceID:      serviceID,
		ServiceVersion: version,
		RequiredTier:   tier,
	}
	ret := &ir.Instruction{Index: 1, Opcode: ir.OpReturn, Src: []int{dest}}
	return &ir.Artifact{Instructions: []*ir.Instruction{instr, ret}, OutputRegister: dest}
}

func TestResolve_AttachesDispatchMetadata(t *testing.T) {
	reg := registry.New()
	reg.SeedBuiltins()

	artifact := buildArtifact(ir.OpCallService, "sentiment-analyzer", "2.1.0", "LINUX")

	result, err := Resolve(reg, artifact)
	require.NoError(t, err)
	assert.Empty(t, result.Diagnostics)

	instr := artifact.Instructions[0]
	require.NotNil(t, instr.Dispatch)
	assert.Equal(t, "Wasm", instr.Dispatch.Format)
	assert.Equal(t, "LINUX", instr.Dispatch.TargetTier)
}

func TestResolve_AggregatesUnresolvableInstructions(t *testing.T) {
	reg := registry.New()
	reg.SeedBuiltins()

	artifact := buildArtifact(ir.OpCallService, "no-such-service", "1.0.0", "CENTRAL")

	result, err := Resolve(reg, artifact)
	require.Error(t, err)
	require.Len(t, result.Diagnostics, 1)
	assert.Equal(t, "RESOLVE-001", result.Diagnostics[0].RuleID)
}

func TestResolve_NoExecutorForTierDiagnostic(t *testing.T) {
	reg := registry.New()
	reg.SeedBuiltins()

	// sentiment-analyzer has no descriptor compatible with MCU.
	artifact := buildArtifact(ir.OpCallService, "sentiment-analyzer", "2.1.0", "MCU")

	result, err := Resolve(reg, artifact)
	require.Error(t, err)
	require.Len(t, result.Diagnostics, 1)
	assert.Equal(t, "RESOLVE-002", result.Diagnostics[0].RuleID)
	assert.Contains(t, result.Diagnostics[0].Remediation, "CENTRAL")
}
