package svm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-ir/svm/ent/executionsession"
	"github.com/llm-ir/svm/pkg/ir"
)

func intPtr(i int) *int { return &i }

func baseArtifact(instructions []*ir.Instruction, outputRegister int) *ir.Artifact {
	return &ir.Artifact{
		Instructions:   instructions,
		InputRegisters: []int{0},
		OutputRegister: outputRegister,
		ResourceTable:  map[string]interface{}{},
		Metadata:       ir.Metadata{CompilerVersion: "1.0.0"},
	}
}

// fakeServiceExecutor records every call it receives and returns a fixed
// output, standing in for pkg/svm's HTTPExecutor in tests that only care
// about dispatch plumbing.
type fakeServiceExecutor struct {
	calls  []string
	output map[string]interface{}
	err    error
}

func (f *fakeServiceExecutor) Execute(_ context.Context, dispatch *ir.DispatchMetadata, input map[string]interface{}) (map[string]interface{}, error) {
	f.calls = append(f.calls, dispatch.ServiceID)
	if f.err != nil {
		return nil, f.err
	}
	if f.output != nil {
		return f.output, nil
	}
	return map[string]interface{}{"ok": true}, nil
}

func TestExecute_SimpleProgram_LoadResourceThenReturn(t *testing.T) {
	instructions := []*ir.Instruction{
		{Index: 0, Opcode: ir.OpLoadResource, Dest: intPtr(1), Operands: map[string]interface{}{"resource_key": "greeting"}},
		{Index: 1, Opcode: ir.OpReturn},
	}
	artifact := baseArtifact(instructions, 1)
	artifact.ResourceTable["greeting"] = "hello"

	vm := New(Config{Executors: NewExecutorRegistry(), AcceptedIRMajor: 1})
	result := vm.Execute(context.Background(), "sess-1", artifact, nil, map[string]interface{}{})

	require.NoError(t, result.Err)
	assert.Equal(t, executionsession.StatusCompleted, result.Status)
	assert.Equal(t, "hello", result.OutputRegisters["1"])
}

func TestExecute_RejectsIncompatibleIRMajorVersion(t *testing.T) {
	instructions := []*ir.Instruction{{Index: 0, Opcode: ir.OpReturn}}
	artifact := baseArtifact(instructions, 0)
	artifact.Metadata.CompilerVersion = "2.0.0"

	vm := New(Config{Executors: NewExecutorRegistry(), AcceptedIRMajor: 1})
	result := vm.Execute(context.Background(), "sess-2", artifact, nil, nil)

	require.Error(t, result.Err)
	assert.Equal(t, executionsession.StatusFailed, result.Status)
	var alert *SecurityAlert
	assert.ErrorAs(t, result.Err, &alert)
}

// TestExecute_LoopNeverConverges_TerminatesAtMaxIterations is the VM-level
// expression of the same termination guarantee loop_test.go establishes at
// RunBoundedLoop's level (testable property 3): a LOOP whose body calls a
// service and whose convergence predicate never holds still runs exactly
// MaxIterations times, not forever.
func TestExecute_LoopNeverConverges_TerminatesAtMaxIterations(t *testing.T) {
	executor := &fakeServiceExecutor{output: map[string]interface{}{}}
	registry := NewExecutorRegistry()
	registry.Register("fake", executor)

	instructions := []*ir.Instruction{
		{
			Index:  0,
			Opcode: ir.OpLoop,
			Loop: &ir.LoopOperand{
				MaxIterations:  5,
				TimeoutMS:      int((24 * time.Hour).Milliseconds()),
				BodyStartIndex: 1,
				ExitIndex:      2,
				Convergence:    &ir.ConvergencePredicate{Register: 9, Operator: ir.ConvergenceTruthy},
			},
		},
		{
			Index:     1,
			Opcode:    ir.OpCallService,
			ServiceID: "svc-loop-body",
			Dispatch:  &ir.DispatchMetadata{Format: "fake", ServiceID: "svc-loop-body", RetryPolicy: ir.RetryPolicy{MaxAttempts: 1}},
		},
		{Index: 2, Opcode: ir.OpReturn},
	}
	artifact := baseArtifact(instructions, 0)

	vm := New(Config{Executors: registry, AcceptedIRMajor: 1})
	result := vm.Execute(context.Background(), "sess-3", artifact, nil, nil)

	require.NoError(t, result.Err)
	assert.Equal(t, executionsession.StatusCompleted, result.Status)
	assert.Len(t, executor.calls, 5)
	assert.Len(t, result.ServicesCalled, 5)
}

func TestExecute_BranchTakenSkipsFallthrough(t *testing.T) {
	instructions := []*ir.Instruction{
		{Index: 0, Opcode: ir.OpLoadResource, Dest: intPtr(1), Operands: map[string]interface{}{"resource_key": "threshold"}},
		{Index: 1, Opcode: ir.OpBranch, Src: []int{1}, Operands: map[string]interface{}{"condition": "> 10"}, TargetInstruction: intPtr(3)},
		{Index: 2, Opcode: ir.OpLoadResource, Dest: intPtr(2), Operands: map[string]interface{}{"resource_key": "low"}},
		{Index: 3, Opcode: ir.OpReturn},
	}
	artifact := baseArtifact(instructions, 2)
	artifact.ResourceTable["threshold"] = 20.0
	artifact.ResourceTable["low"] = "never reached"

	vm := New(Config{Executors: NewExecutorRegistry(), AcceptedIRMajor: 1})
	result := vm.Execute(context.Background(), "sess-4", artifact, nil, nil)

	require.NoError(t, result.Err)
	assert.Nil(t, result.OutputRegisters["2"], "branch target skipped instruction 2, register 2 should never have been written")
}

// TestExecute_PriorityArbitration_InstructionWithPolicyStillCompletes is a
// VM-level smoke test that an instruction carrying a PriorityPolicy flows
// through the arbiter rather than bypassing it; pkg/svm/priority's own tests
// cover contention ordering (testable property 12) directly.
func TestExecute_PriorityArbitration_InstructionWithPolicyStillCompletes(t *testing.T) {
	executor := &fakeServiceExecutor{}
	registry := NewExecutorRegistry()
	registry.Register("fake", executor)

	instructions := []*ir.Instruction{
		{
			Index:     0,
			Opcode:    ir.OpCallService,
			ServiceID: "svc-priority",
			Dest:      intPtr(1),
			Dispatch:  &ir.DispatchMetadata{Format: "fake", ServiceID: "svc-priority", RetryPolicy: ir.RetryPolicy{MaxAttempts: 1}},
			Priority:  &ir.PriorityPolicy{Level: ir.PriorityHigh, MaxWaitMS: 1000},
		},
		{Index: 1, Opcode: ir.OpReturn},
	}
	artifact := baseArtifact(instructions, 1)

	vm := New(Config{Executors: registry, AcceptedIRMajor: 1})
	result := vm.Execute(context.Background(), "sess-5", artifact, nil, nil)

	require.NoError(t, result.Err)
	assert.Equal(t, executionsession.StatusCompleted, result.Status)
	assert.Len(t, executor.calls, 1)
}
