package svm

import (
	"context"
	"fmt"
	"time"
)

// MaxLoopIterations is the global ceiling on LOOP iterations. No artifact,
// regardless of what its LOOP operand declares, may run its body more than
// this many times.
const MaxLoopIterations = 5

// MaxConsecutiveBodyFailures is the threshold for abandoning a loop whose
// body keeps failing even though wall-clock time remains.
const MaxConsecutiveBodyFailures = 2

// ConvergenceOperator is the comparison a LOOP's convergence predicate uses.
type ConvergenceOperator string

const (
	ConvergenceEquals         ConvergenceOperator = "=="
	ConvergenceNotEquals      ConvergenceOperator = "!="
	ConvergenceLessThan       ConvergenceOperator = "<"
	ConvergenceLessOrEqual    ConvergenceOperator = "<="
	ConvergenceGreaterThan    ConvergenceOperator = ">"
	ConvergenceGreaterOrEqual ConvergenceOperator = ">="
	ConvergenceExists         ConvergenceOperator = "exists"
	ConvergenceTruthy         ConvergenceOperator = "truthy"
)

// ConvergencePredicate is evaluated against a register after every loop body
// execution; if it holds, the loop exits before reaching max-iterations.
type ConvergencePredicate struct {
	Register int
	Operator ConvergenceOperator
	Value    any
}

// LoopOperands is the decoded operand block of a LOOP instruction.
type LoopOperands struct {
	IteratorRegister int
	MaxIterations    int // 1..5; clamped to MaxLoopIterations regardless
	TimeoutMS        int
	BodyStartIndex   int
	ExitIndex        int
	Convergence      *ConvergencePredicate // nil: LOOP-005 warning, no early exit
	FallbackIndex    *int                  // nil: LoopNonConvergence is raised on timeout
}

// LoopState tracks a single bounded-loop execution across iterations.
type LoopState struct {
	Operands LoopOperands

	CurrentIteration        int
	ConsecutiveBodyFailures int
	LastBodyError           string

	startedAt time.Time
}

// NewLoopState starts a bounded-loop execution, clamping MaxIterations to the
// global ceiling regardless of what the operand declares.
func NewLoopState(operands LoopOperands) *LoopState {
	if operands.MaxIterations <= 0 || operands.MaxIterations > MaxLoopIterations {
		operands.MaxIterations = MaxLoopIterations
	}
	return &LoopState{Operands: operands, startedAt: time.Now()}
}

// Elapsed returns wall-clock time since the loop began.
func (s *LoopState) Elapsed() time.Duration {
	return time.Since(s.startedAt)
}

// TimedOut reports whether the loop has exceeded its declared timeout.
func (s *LoopState) TimedOut() bool {
	return s.Elapsed() > time.Duration(s.Operands.TimeoutMS)*time.Millisecond
}

// Exhausted reports whether every allotted iteration has been consumed.
func (s *LoopState) Exhausted() bool {
	return s.CurrentIteration >= s.Operands.MaxIterations
}

// ShouldAbortOnBodyFailures reports whether the body has failed too many
// times in a row to continue, independent of the wall-clock budget.
func (s *LoopState) ShouldAbortOnBodyFailures() bool {
	return s.ConsecutiveBodyFailures >= MaxConsecutiveBodyFailures
}

// RecordIteration records that one body execution completed and resets
// failure tracking.
func (s *LoopState) RecordIteration() {
	s.CurrentIteration++
	s.ConsecutiveBodyFailures = 0
	s.LastBodyError = ""
}

// RecordBodyFailure records a failed body execution without advancing the
// iteration counter.
func (s *LoopState) RecordBodyFailure(errMsg string) {
	s.ConsecutiveBodyFailures++
	s.LastBodyError = errMsg
}

// LoopNonConvergence is raised by the bounded-loop handler when wall-clock
// time is exhausted and no fallback instruction was declared.
type LoopNonConvergence struct {
	IteratorRegister int
	Elapsed          time.Duration
	TimeoutMS        int
}

func (e *LoopNonConvergence) Error() string {
	return fmt.Sprintf("loop on register %d did not converge within %dms (elapsed %s)",
		e.IteratorRegister, e.TimeoutMS, e.Elapsed)
}

// ConvergenceChecker evaluates a convergence predicate against the register
// file of the current execution context.
type ConvergenceChecker interface {
	EvaluateConvergence(ctx context.Context, pred ConvergencePredicate) (bool, error)
}

// BodyExecutor executes every instruction in [startIndex, endIndex) against
// the current execution context, in topological order.
type BodyExecutor func(ctx context.Context, startIndex, endIndex int) error

// RunBoundedLoop is the bounded-loop handler: it runs the loop body up to
// MaxIterations times (never more than MaxLoopIterations regardless of what
// the operand declares), checking the wall-clock timeout before each
// iteration and the convergence predicate after each one. It returns the
// instruction indices consumed by the loop body so the caller's outer
// topological iteration can skip them, mirroring the monolithic execution
// path's "skip the body indices in the outer iteration" rule.
func RunBoundedLoop(ctx context.Context, operands LoopOperands, body BodyExecutor, conv ConvergenceChecker) ([]int, error) {
	state := NewLoopState(operands)
	consumed := bodyIndices(state.Operands)

	for !state.Exhausted() {
		if state.TimedOut() {
			if operands.FallbackIndex != nil {
				return consumed, nil
			}
			return consumed, &LoopNonConvergence{
				IteratorRegister: operands.IteratorRegister,
				Elapsed:          state.Elapsed(),
				TimeoutMS:        operands.TimeoutMS,
			}
		}

		if bodyErr := body(ctx, state.Operands.BodyStartIndex, state.Operands.ExitIndex); bodyErr != nil {
			state.RecordBodyFailure(bodyErr.Error())
			if state.ShouldAbortOnBodyFailures() {
				return consumed, fmt.Errorf("loop body failed %d times consecutively: %w", state.ConsecutiveBodyFailures, bodyErr)
			}
			continue
		}
		state.RecordIteration()

		if operands.Convergence != nil && conv != nil {
			ok, evalErr := conv.EvaluateConvergence(ctx, *operands.Convergence)
			if evalErr != nil {
				return consumed, evalErr
			}
			if ok {
				return consumed, nil
			}
		}
	}

	return consumed, nil
}

func bodyIndices(o LoopOperands) []int {
	if o.ExitIndex <= o.BodyStartIndex {
		return nil
	}
	idx := make([]int, 0, o.ExitIndex-o.BodyStartIndex)
	for i := o.BodyStartIndex; i < o.ExitIndex; i++ {
		idx = append(idx, i)
	}
	return idx
}
