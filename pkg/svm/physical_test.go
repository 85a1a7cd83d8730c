package svm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-ir/svm/pkg/ir"
)

// fakePhysicalActionExecutor records the operands it was asked to act on and
// returns a fixed output, standing in for a real actuator connector.
type fakePhysicalActionExecutor struct {
	calls  int
	output map[string]interface{}
}

func (f *fakePhysicalActionExecutor) Execute(_ context.Context, _ *ir.PhysicalActionOperands) (map[string]interface{}, error) {
	f.calls++
	if f.output != nil {
		return f.output, nil
	}
	return map[string]interface{}{"actuated": true}, nil
}

func newTestVM(executor PhysicalActionExecutor) *VM {
	registry := NewPhysicalActionRegistry()
	if executor != nil {
		registry.Register("valve-1", executor)
	}
	return New(Config{Executors: NewExecutorRegistry(), PhysicalActions: registry, AcceptedIRMajor: 1})
}

// TestRunPhysicalAction_OutsideTimeWindowIsRejected exercises testable
// property 10: a CALL_ACTION whose declared time window excludes the
// current moment never reaches its side effect.
func TestRunPhysicalAction_OutsideTimeWindowIsRejected(t *testing.T) {
	executor := &fakePhysicalActionExecutor{}
	vm := newTestVM(executor)
	ec := NewExecutionContext("trace-1")

	operands := &ir.PhysicalActionOperands{
		Target: "valve-1",
		TimeWindow: &ir.PhysicalTimeWindow{
			Start: "09:00",
			End:   "10:00",
			TZ:    "UTC",
		},
	}
	// 2026-07-31 is a Friday; 23:00 UTC falls well outside the 09:00-10:00 window.
	outsideWindow := time.Date(2026, 7, 31, 23, 0, 0, 0, time.UTC)

	_, err := vm.runPhysicalAction(context.Background(), ec, &ir.Instruction{Index: 0}, operands, outsideWindow)

	require.Error(t, err)
	var runtimeErr *RuntimeError
	require.ErrorAs(t, err, &runtimeErr)
	assert.Equal(t, ErrContractViolation, runtimeErr.Code)
	assert.Equal(t, 0, executor.calls, "the side effect must never run outside its time window")
}

// TestRunPhysicalAction_InsideTimeWindowExecutes is the positive case for
// the same property: a moment inside the window reaches the side effect.
func TestRunPhysicalAction_InsideTimeWindowExecutes(t *testing.T) {
	executor := &fakePhysicalActionExecutor{}
	vm := newTestVM(executor)
	ec := NewExecutionContext("trace-2")

	operands := &ir.PhysicalActionOperands{
		Target:     "valve-1",
		TimeWindow: &ir.PhysicalTimeWindow{Start: "09:00", End: "10:00", TZ: "UTC"},
	}
	insideWindow := time.Date(2026, 7, 31, 9, 30, 0, 0, time.UTC)

	output, err := vm.runPhysicalAction(context.Background(), ec, &ir.Instruction{Index: 0}, operands, insideWindow)

	require.NoError(t, err)
	assert.Equal(t, 1, executor.calls)
	assert.Equal(t, true, output["actuated"])
}

// TestRunPhysicalAction_CancelledDuringCancellationWindowDeniesAction
// exercises testable property 11: cancelling the session's context during a
// CALL_ACTION's cancellation window aborts it before the side effect runs.
func TestRunPhysicalAction_CancelledDuringCancellationWindowDeniesAction(t *testing.T) {
	executor := &fakePhysicalActionExecutor{}
	vm := newTestVM(executor)
	ec := NewExecutionContext("trace-3")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	operands := &ir.PhysicalActionOperands{Target: "valve-1", CancellationWindowMS: 200}

	_, err := vm.runPhysicalAction(ctx, ec, &ir.Instruction{Index: 0}, operands, time.Now())

	require.Error(t, err)
	var cancelled *CancellationDenied
	require.ErrorAs(t, err, &cancelled)
	assert.Equal(t, 0, executor.calls, "the side effect must never run once the cancellation window is cut short")
}

// TestRunPhysicalAction_CancellationWindowElapsesWithoutCancelStillExecutes
// is the positive case: if nothing cancels the context before the window
// elapses, the side effect still runs.
func TestRunPhysicalAction_CancellationWindowElapsesWithoutCancelStillExecutes(t *testing.T) {
	executor := &fakePhysicalActionExecutor{}
	vm := newTestVM(executor)
	ec := NewExecutionContext("trace-4")

	operands := &ir.PhysicalActionOperands{Target: "valve-1", CancellationWindowMS: 5}

	_, err := vm.runPhysicalAction(context.Background(), ec, &ir.Instruction{Index: 0}, operands, time.Now())

	require.NoError(t, err)
	assert.Equal(t, 1, executor.calls)
}

// TestRunPhysicalAction_PostconditionFailureIsReported exercises the
// postcondition check (§4.G): a declared expected value that doesn't match
// the named register's post-action content surfaces as PostconditionFailed
// rather than a silent success.
func TestRunPhysicalAction_PostconditionFailureIsReported(t *testing.T) {
	executor := &fakePhysicalActionExecutor{}
	vm := newTestVM(executor)
	ec := NewExecutionContext("trace-5")
	require.NoError(t, ec.SetRegister(4, 12.0))

	expected := 50.0
	operands := &ir.PhysicalActionOperands{
		Target: "valve-1",
		Postcondition: &ir.PhysicalPostcondition{
			Register:      4,
			ExpectedValue: &expected,
			Tolerance:     0.5,
		},
	}

	_, err := vm.runPhysicalAction(context.Background(), ec, &ir.Instruction{Index: 0}, operands, time.Now())

	require.Error(t, err)
	var failed *PostconditionFailed
	require.ErrorAs(t, err, &failed)
}

// TestRunPhysicalAction_NoExecutorRegisteredForTargetFails confirms a
// CALL_ACTION whose target has no registered executor is a configuration
// error (UNSUPPORTED_PLATFORM), not a panic.
func TestRunPhysicalAction_NoExecutorRegisteredForTargetFails(t *testing.T) {
	vm := newTestVM(nil)
	ec := NewExecutionContext("trace-6")
	operands := &ir.PhysicalActionOperands{Target: "unregistered-target"}

	_, err := vm.runPhysicalAction(context.Background(), ec, &ir.Instruction{Index: 0}, operands, time.Now())

	require.Error(t, err)
	var runtimeErr *RuntimeError
	require.ErrorAs(t, err, &runtimeErr)
	assert.Equal(t, ErrUnsupportedPlatform, runtimeErr.Code)
}
