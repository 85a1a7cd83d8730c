// Package svm implements Component G, the Semantic Virtual Machine: the
// runtime that executes a sealed, verified IR artifact against live
// services, tools, an LLM, and (for CALL_ACTION) the physical world.
package svm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/llm-ir/svm/ent/executionsession"
	"github.com/llm-ir/svm/pkg/audit"
	"github.com/llm-ir/svm/pkg/ir"
	"github.com/llm-ir/svm/pkg/seal"
	"github.com/llm-ir/svm/pkg/svm/priority"
	"github.com/llm-ir/svm/pkg/vault"
)

// Result is execute's terminal outcome.
type Result struct {
	Status          executionsession.Status
	OutputRegisters map[string]interface{}
	ServicesCalled  []string
	Err             error
}

// Config wires every external collaborator the VM needs. Only Executors is
// mandatory; the rest degrade gracefully (nil audit chain disables
// logging, nil LLM/tool executors fail only the instructions that need
// them, nil dispatcher disables the distributed path).
type Config struct {
	Executors       *ExecutorRegistry
	Tools           ToolExecutor
	LLM             LLMExecutor
	PhysicalActions *PhysicalActionRegistry
	ApprovalGate    ApprovalGate
	Vault           vault.Fetcher
	Audit           *audit.Chain
	Arbiter         *priority.Arbiter
	Dispatcher      NodeDispatcher
	NodeRegistry    NodeRegistry
	AcceptedIRMajor int // 0: use seal.IRVersionMajor()
}

// VM executes sealed artifacts. One VM instance is safe for concurrent use
// across sessions; all per-session state lives in ExecutionContext.
type VM struct {
	executors       *ExecutorRegistry
	tools           ToolExecutor
	llm             LLMExecutor
	physicalActions *PhysicalActionRegistry
	approvalGate    ApprovalGate
	vault           vault.Fetcher
	audit           *audit.Chain
	arbiter         *priority.Arbiter
	dispatcher      NodeDispatcher
	nodeRegistry    NodeRegistry
	acceptedIRMajor int
}

// New builds a VM from cfg, filling in safe defaults for every unset
// collaborator.
func New(cfg Config) *VM {
	executors := cfg.Executors
	if executors == nil {
		executors = NewExecutorRegistry()
	}
	physicalActions := cfg.PhysicalActions
	if physicalActions == nil {
		physicalActions = NewPhysicalActionRegistry()
	}
	arbiter := cfg.Arbiter
	if arbiter == nil {
		arbiter = priority.New()
	}
	acceptedMajor := cfg.AcceptedIRMajor
	if acceptedMajor == 0 {
		acceptedMajor = seal.IRVersionMajor()
	}
	return &VM{
		executors:       executors,
		tools:           cfg.Tools,
		llm:             cfg.LLM,
		physicalActions: physicalActions,
		approvalGate:    cfg.ApprovalGate,
		vault:           cfg.Vault,
		audit:           cfg.Audit,
		arbiter:         arbiter,
		dispatcher:      cfg.Dispatcher,
		nodeRegistry:    cfg.NodeRegistry,
		acceptedIRMajor: acceptedMajor,
	}
}

// WithTools returns a shallow copy of vm using t for CALL_TOOL instead of
// vm's configured tool executor. CreateToolExecutor is scoped to a single
// session's server list, so SessionExecutor builds one per session and
// calls this rather than sharing one ToolExecutor VM-wide.
func (vm *VM) WithTools(t ToolExecutor) *VM {
	clone := *vm
	clone.tools = t
	return &clone
}

// Execute is the VM's entry point (§4.G): it loads userInputs into register
// 0, validates the artifact's IR major version, and runs the monolithic or
// distributed path depending on whether plan is non-nil and has remote
// slices.
func (vm *VM) Execute(ctx context.Context, sessionID string, artifact *ir.Artifact, distPlan *ir.DistributionPlan, userInputs map[string]interface{}) *Result {
	if refuse, warn := seal.CheckVersion(artifact.Metadata.CompilerVersion, vm.acceptedIRMajor); refuse {
		err := &SecurityAlert{Reason: fmt.Sprintf("artifact compiler version %q is incompatible with accepted IR major %d", artifact.Metadata.CompilerVersion, vm.acceptedIRMajor)}
		vm.appendAudit(ctx, sessionID, audit.EventInstructionDispatched, nil, map[string]interface{}{"phase": "version_gate", "error": err.Error()})
		return &Result{Status: executionsession.StatusFailed, Err: err}
	} else if warn {
		slog.Warn("artifact compiler minor version differs from accepted major", "session_id", sessionID, "compiler_version", artifact.Metadata.CompilerVersion)
	}

	ec := NewExecutionContext(sessionID)
	if len(artifact.InputRegisters) > 0 {
		_ = ec.SetRegister(artifact.InputRegisters[0], userInputs)
	} else {
		_ = ec.SetRegister(0, userInputs)
	}

	var (
		output map[string]interface{}
		err     error
	)
	if distPlan != nil && len(distPlan.RemoteSlices()) > 0 {
		output, err = vm.runDistributed(ctx, ec, sessionID, artifact, distPlan)
	} else {
		output, err = vm.runMonolithic(ctx, ec, sessionID, artifact)
	}

	if err != nil {
		status := statusForError(err)
		vm.appendAudit(ctx, sessionID, audit.EventInstructionDispatched, nil, map[string]interface{}{"phase": "terminal", "status": string(status), "error": err.Error()})
		return &Result{Status: status, OutputRegisters: ec.Snapshot(), ServicesCalled: ec.ServicesCalled, Err: err}
	}

	return &Result{Status: executionsession.StatusCompleted, OutputRegisters: coalesceOutput(output, ec), ServicesCalled: ec.ServicesCalled}
}

func statusForError(err error) executionsession.Status {
	switch err.(type) {
	case *CancellationDenied:
		return executionsession.StatusCancelled
	}
	if re, ok := err.(*RuntimeError); ok && re.Code == ErrTimeout {
		return executionsession.StatusTimedOut
	}
	return executionsession.StatusFailed
}

func coalesceOutput(output map[string]interface{}, ec *ExecutionContext) map[string]interface{} {
	if output != nil {
		return output
	}
	return ec.Snapshot()
}

// runMonolithic executes artifact as a single program-counter-driven
// interpreter loop: BRANCH/JUMP/LOOP control the next pc directly,
// everything else advances sequentially. This mirrors a register VM's
// natural execution shape more directly than walking the compiler's
// topological InstructionOrder (which exists for the planner and verifier,
// not for runtime control flow).
func (vm *VM) runMonolithic(ctx context.Context, ec *ExecutionContext, sessionID string, artifact *ir.Artifact) (map[string]interface{}, error) {
	pc := 0
	steps := 0
	maxSteps := len(artifact.Instructions)*1000 + 1000 // generous bound against runaway BRANCH/JUMP cycles outside LOOP

	for {
		steps++
		if steps > maxSteps {
			return nil, NewRuntimeError(ErrRuntimeError, fmt.Errorf("exceeded maximum instruction step budget (%d)", maxSteps))
		}

		instr := artifact.ByIndex(pc)
		if instr == nil {
			return nil, NewRuntimeError(ErrRuntimeError, fmt.Errorf("program counter %d out of range", pc))
		}
		ec.CurrentInstructionIndex = pc

		switch instr.Opcode {
		case ir.OpReturn:
			out, err := vm.readReturn(ec, artifact)
			if err != nil {
				return nil, err
			}
			return out, nil

		case ir.OpJump:
			if instr.TargetInstruction == nil {
				return nil, NewRuntimeError(ErrContractViolation, fmt.Errorf("instruction %d: JUMP missing target", pc))
			}
			pc = *instr.TargetInstruction
			continue

		case ir.OpBranch:
			next, err := vm.dispatchBranch(ec, instr, pc+1)
			if err != nil {
				return nil, err
			}
			pc = next
			continue

		case ir.OpLoop:
			exit, err := vm.dispatchLoop(ctx, ec, sessionID, artifact, instr)
			if err != nil {
				return nil, err
			}
			pc = exit
			continue

		default:
			if err := vm.dispatchOne(ctx, ec, sessionID, artifact, instr); err != nil {
				return nil, err
			}
			pc++
		}
	}
}

// runRange executes instructions [start,end) sequentially, used as a LOOP
// body: bodies are compiled straight-line (no nested BRANCH/JUMP), per the
// IR Generator's lowering of bounded loops.
func (vm *VM) runRange(ctx context.Context, ec *ExecutionContext, sessionID string, artifact *ir.Artifact, start, end int) error {
	for pc := start; pc < end; pc++ {
		instr := artifact.ByIndex(pc)
		if instr == nil {
			continue
		}
		ec.CurrentInstructionIndex = pc
		if err := vm.dispatchOne(ctx, ec, sessionID, artifact, instr); err != nil {
			return err
		}
	}
	return nil
}

func (vm *VM) readReturn(ec *ExecutionContext, artifact *ir.Artifact) (map[string]interface{}, error) {
	value, err := ec.GetRegister(artifact.OutputRegister)
	if err != nil {
		return nil, NewRuntimeError(ErrRuntimeError, err)
	}
	if m, ok := value.(map[string]interface{}); ok {
		return m, nil
	}
	return map[string]interface{}{fmt.Sprintf("%d", artifact.OutputRegister): value}, nil
}

func (vm *VM) appendAudit(ctx context.Context, sessionID string, eventType audit.EventType, instructionIndex *int, payload map[string]interface{}) {
	if vm.audit == nil {
		return
	}
	if _, err := vm.audit.Append(ctx, sessionID, eventType, instructionIndex, payload); err != nil {
		slog.Warn("failed to append audit event", "session_id", sessionID, "event_type", eventType, "error", err)
	}
}
