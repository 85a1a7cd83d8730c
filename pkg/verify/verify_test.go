package verify

import (
	"testing"

	"github.com/llm-ir/svm/pkg/ir"
	"github.com/llm-ir/svm/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestVerify_UnboundedLoopRejection covers scenario E3: a loop with
// max-iterations=10 fails with rule LOOP-003 citing the instruction index.
func TestVerify_UnboundedLoopRejection(t *testing.T) {
	loopIdx := 0
	artifact := &ir.Artifact{
		Instructions: []*ir.Instruction{
			{Index: 0, Opcode: ir.OpLoop, Loop: &ir.LoopOperand{
				MaxIterations: 10, TimeoutMS: 1000, BodyStartIndex: 1, ExitIndex: 2,
			}},
			{Index: 1, Opcode: ir.OpTransform, Src: []int{0}, Dest: intPtr(1)},
			{Index: 2, Opcode: ir.OpReturn, Src: []int{1}},
		},
	}
	artifact.DependencyGraph = ir.BuildDependencyGraph(artifact.Instructions)
	artifact.InstructionOrder = ir.TopologicalOrder(artifact.Instructions, artifact.DependencyGraph)

	report := Verify(nil, artifact)
	require.False(t, report.Passed)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "LOOP-003", report.Errors[0].RuleID)
	assert.Equal(t, loopIdx, report.Errors[0].InstructionIndex)
}

// TestVerify_SafetyBlock covers scenario E4: a CALL_ACTION with a BLOCK
// safety constraint and literal operand pressure=12 fails with rule
// SAFE-pressure-safety.
func TestVerify_SafetyBlock(t *testing.T) {
	reg := registry.New()
	reg.SeedBuiltins()

	artifact := &ir.Artifact{
		Instructions: []*ir.Instruction{
			{Index: 0, Opcode: ir.OpCallAction, ServiceID: "close-valve", ServiceVersion: "1.0.0",
				Operands: map[string]interface{}{"pressure": 12.0}, Src: []int{0}, Dest: intPtr(1)},
			{Index: 1, Opcode: ir.OpReturn, Src: []int{1}},
		},
	}

	report := Verify(reg, artifact)
	require.False(t, report.Passed)
	var found bool
	for _, e := range report.Errors {
		if e.RuleID == "SAFE-pressure-safety" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestVerify_LoopWithinBoundsPasses(t *testing.T) {
	artifact := &ir.Artifact{
		Instructions: []*ir.Instruction{
			{Index: 0, Opcode: ir.OpLoop, Loop: &ir.LoopOperand{
				MaxIterations: 5, TimeoutMS: 1000, BodyStartIndex: 1, ExitIndex: 2,
				Convergence: &ir.ConvergencePredicate{Register: 1, Operator: ir.ConvergenceTruthy},
			}},
			{Index: 1, Opcode: ir.OpTransform, Src: []int{0}, Dest: intPtr(1)},
			{Index: 2, Opcode: ir.OpReturn, Src: []int{1}},
		},
	}
	artifact.DependencyGraph = ir.BuildDependencyGraph(artifact.Instructions)
	artifact.InstructionOrder = ir.TopologicalOrder(artifact.Instructions, artifact.DependencyGraph)

	report := Verify(nil, artifact)
	assert.True(t, report.Passed)
	assert.Empty(t, report.Errors)
}

func TestVerify_LLMCallMissingVaultPath(t *testing.T) {
	artifact := &ir.Artifact{
		Instructions: []*ir.Instruction{
			{Index: 0, Opcode: ir.OpLLMCall, Src: []int{0}, Dest: intPtr(1),
				Dispatch: &ir.DispatchMetadata{
					Format: "LlmCall",
					SelectedDescriptor: map[string]interface{}{
						"system_prompt": "You are a helpful assistant.",
						"max_tokens":    float64(500),
					},
				}},
			{Index: 1, Opcode: ir.OpReturn, Src: []int{1}},
		},
	}

	report := Verify(nil, artifact)
	require.False(t, report.Passed)
	var found bool
	for _, e := range report.Errors {
		if e.RuleID == "LLM-004" {
			found = true
		}
	}
	assert.True(t, found)
}

func intPtr(i int) *int { return &i }
