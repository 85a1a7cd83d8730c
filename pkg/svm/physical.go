package svm

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/llm-ir/svm/pkg/ir"
)

// PhysicalActionExecutor performs one CALL_ACTION's side effect (valve
// actuation, relay toggle, any other target with real-world consequence),
// keyed by the instruction operand's Target name.
type PhysicalActionExecutor interface {
	Execute(ctx context.Context, operands *ir.PhysicalActionOperands) (map[string]interface{}, error)
}

// PhysicalActionRegistry routes a CALL_ACTION to the executor registered
// for its target.
type PhysicalActionRegistry struct {
	byTarget map[string]PhysicalActionExecutor
}

// NewPhysicalActionRegistry returns an empty registry.
func NewPhysicalActionRegistry() *PhysicalActionRegistry {
	return &PhysicalActionRegistry{byTarget: make(map[string]PhysicalActionExecutor)}
}

// Register installs executor for target.
func (r *PhysicalActionRegistry) Register(target string, executor PhysicalActionExecutor) {
	r.byTarget[target] = executor
}

func (r *PhysicalActionRegistry) get(target string) (PhysicalActionExecutor, error) {
	executor, ok := r.byTarget[target]
	if !ok {
		return nil, NewRuntimeError(ErrUnsupportedPlatform, fmt.Errorf("no physical action executor registered for target %q", target))
	}
	return executor, nil
}

// ApprovalGate decides whether a human-approval-gated CALL_ACTION may
// proceed. The VM blocks on it exactly once, after the time-window check
// and before the cancellation window opens.
type ApprovalGate interface {
	RequestApproval(ctx context.Context, sessionID string, instructionIndex int, operands *ir.PhysicalActionOperands) (approved bool, err error)
}

// AutoApprovalGate approves every request immediately. It is the default
// until a real approval transport (paging/chat confirmation) is wired in;
// any deployment that actually requires human sign-off must install its
// own ApprovalGate.
type AutoApprovalGate struct{}

func (AutoApprovalGate) RequestApproval(context.Context, string, int, *ir.PhysicalActionOperands) (bool, error) {
	return true, nil
}

// CancellationDenied is returned when a physical action was cancelled during
// its cancellation window rather than completing.
type CancellationDenied struct {
	InstructionIndex int
}

func (e *CancellationDenied) Error() string {
	return fmt.Sprintf("physical action at instruction %d was cancelled during its cancellation window", e.InstructionIndex)
}

// PostconditionFailed is returned when a CALL_ACTION's declared
// postcondition does not hold after the side effect executed.
type PostconditionFailed struct {
	InstructionIndex int
	Detail           string
}

func (e *PostconditionFailed) Error() string {
	return fmt.Sprintf("postcondition failed at instruction %d: %s", e.InstructionIndex, e.Detail)
}

// runPhysicalAction implements the full CALL_ACTION handler: time window,
// human-approval gate, cancellation window, side effect, postcondition —
// each step short-circuiting to the fallback instruction (if declared) on
// failure, per §4.G.
func (vm *VM) runPhysicalAction(ctx context.Context, ec *ExecutionContext, instr *ir.Instruction, operands *ir.PhysicalActionOperands, now time.Time) (map[string]interface{}, error) {
	if operands.TimeWindow != nil {
		allowed, err := withinTimeWindow(operands.TimeWindow, now)
		if err != nil {
			return nil, NewRuntimeError(ErrRuntimeError, err)
		}
		if !allowed {
			return nil, NewRuntimeError(ErrContractViolation, fmt.Errorf("instruction %d: outside its configured time window", instr.Index))
		}
	}

	if operands.RequiresHumanApproval {
		gate := vm.approvalGate
		if gate == nil {
			gate = AutoApprovalGate{}
		}
		approved, err := gate.RequestApproval(ctx, ec.TraceID, instr.Index, operands)
		if err != nil {
			return nil, NewRuntimeError(ErrRuntimeError, err)
		}
		if !approved {
			return nil, NewRuntimeError(ErrContractViolation, fmt.Errorf("instruction %d: human approval denied", instr.Index))
		}
	}

	if operands.CancellationWindowMS > 0 {
		cancelled := waitCancellationWindow(ctx, time.Duration(operands.CancellationWindowMS)*time.Millisecond)
		if cancelled {
			return nil, &CancellationDenied{InstructionIndex: instr.Index}
		}
	}

	executor, err := vm.physicalActions.get(operands.Target)
	if err != nil {
		return nil, err
	}
	output, err := executor.Execute(ctx, operands)
	if err != nil {
		return nil, err
	}

	if operands.Postcondition != nil {
		if err := checkPostcondition(operands.Postcondition, output, ec); err != nil {
			return nil, err
		}
	}

	return output, nil
}

// withinTimeWindow reports whether now, interpreted in window.TZ, falls on
// one of window.Days (if any) and between window.Start and window.End
// (HH:MM, inclusive).
func withinTimeWindow(window *ir.PhysicalTimeWindow, now time.Time) (bool, error) {
	loc := time.UTC
	if window.TZ != "" {
		var err error
		loc, err = time.LoadLocation(window.TZ)
		if err != nil {
			return false, fmt.Errorf("invalid time window timezone %q: %w", window.TZ, err)
		}
	}
	local := now.In(loc)

	if len(window.Days) > 0 {
		dayOK := false
		for _, d := range window.Days {
			if time.Weekday(d) == local.Weekday() {
				dayOK = true
				break
			}
		}
		if !dayOK {
			return false, nil
		}
	}

	if window.Start == "" && window.End == "" {
		return true, nil
	}
	cur := local.Format("15:04")
	if window.Start != "" && cur < window.Start {
		return false, nil
	}
	if window.End != "" && cur > window.End {
		return false, nil
	}
	return true, nil
}

// waitCancellationWindow blocks for window, returning true if ctx was
// cancelled first. The VM is handed a context already wired to the
// session's cancel func by the fleet worker pool (the repo's
// CancellationBus), so this is a direct wait on that signal rather than a
// separate subscription mechanism.
func waitCancellationWindow(ctx context.Context, window time.Duration) bool {
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

// checkPostcondition evaluates a declared postcondition against either an
// explicit register (read from ec) or the action's own output.
func checkPostcondition(pc *ir.PhysicalPostcondition, output map[string]interface{}, ec *ExecutionContext) error {
	value, err := ec.GetRegister(pc.Register)
	if err != nil {
		return NewRuntimeError(ErrRuntimeError, err)
	}

	if pc.ExpectedValue != nil {
		actual, ok := toFloat(value)
		if !ok {
			return &PostconditionFailed{Detail: fmt.Sprintf("register %d is not numeric", pc.Register)}
		}
		if math.Abs(actual-*pc.ExpectedValue) > pc.Tolerance {
			return &PostconditionFailed{Detail: fmt.Sprintf("register %d = %v, want %v ± %v", pc.Register, actual, *pc.ExpectedValue, pc.Tolerance)}
		}
		return nil
	}

	if pc.Expression != "" {
		ok, err := evaluateSimpleExpression(pc.Expression, value)
		if err != nil {
			return NewRuntimeError(ErrRuntimeError, err)
		}
		if !ok {
			return &PostconditionFailed{Detail: fmt.Sprintf("expression %q false for register %d = %v", pc.Expression, pc.Register, value)}
		}
	}
	return nil
}

// evaluateSimpleExpression supports the same "<op> <literal>" shape the
// Formal Verifier's safety-constraint predicates use (e.g. "< 50"), so a
// postcondition expression like "< 50" reads as "the register value is
// less than 50".
func evaluateSimpleExpression(expr string, value interface{}) (bool, error) {
	fields := strings.Fields(expr)
	if len(fields) != 2 {
		return false, fmt.Errorf("unsupported postcondition expression %q", expr)
	}
	actual, ok := toFloat(value)
	if !ok {
		return false, fmt.Errorf("postcondition target value is not numeric: %v", value)
	}
	literal, err := parseFloat(fields[1])
	if err != nil {
		return false, err
	}
	switch fields[0] {
	case "<":
		return actual < literal, nil
	case "<=":
		return actual <= literal, nil
	case ">":
		return actual > literal, nil
	case ">=":
		return actual >= literal, nil
	case "==":
		return actual == literal, nil
	case "!=":
		return actual != literal, nil
	default:
		return false, fmt.Errorf("unsupported postcondition operator %q", fields[0])
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func parseFloat(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%g", &f)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric literal %q: %w", s, err)
	}
	return f, nil
}
