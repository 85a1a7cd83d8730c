package svm

import (
	"context"
	"fmt"
	"time"

	"github.com/llm-ir/svm/pkg/audit"
	"github.com/llm-ir/svm/pkg/ir"
)

// SliceDispatchPayload is what a remote slice needs to execute
// independently: its own instructions, their topological order, the
// register values it depends on from the central slice, and a deadline.
type SliceDispatchPayload struct {
	PlanID           string
	SliceID          string
	Instructions     []*ir.Instruction
	InstructionOrder []int
	RegisterValues   map[string]interface{}
	TimeoutMS        int
	Checksum         string
}

// SliceResultPayload is a remote slice's outcome.
type SliceResultPayload struct {
	PlanID          string
	SliceID         string
	NodeID          string
	Status          string // "SUCCESS" or "FAILURE"
	OutputRegisters map[string]interface{}
	DurationMS      int
	Error           string
}

const (
	SliceStatusSuccess = "SUCCESS"
	SliceStatusFailure = "FAILURE"
)

// NodeDispatcher sends a slice to a remote node and waits for its result.
type NodeDispatcher interface {
	Dispatch(ctx context.Context, nodeID string, payload SliceDispatchPayload) (*SliceResultPayload, error)
}

// NodeRegistry tracks remote node health so the planner can avoid offline
// nodes on the next compilation.
type NodeRegistry interface {
	MarkOffline(ctx context.Context, nodeID string) error
}

// runDistributed implements the distributed execution path (§4.F/G,
// testable properties 8/9, scenario E2): remote slices are dispatched
// immediately (they have no inbound dependency on the central slice by
// construction — the planner only ever inserts sync-points on the
// *consumer* side), the central slice executes instruction-by-instruction,
// draining any sync-point whose WaitBeforeIndex matches the current pc
// before running that instruction, and remaining sync-points are drained
// once more at the end in case the central slice's own RETURN depends on
// one.
func (vm *VM) runDistributed(ctx context.Context, ec *ExecutionContext, sessionID string, artifact *ir.Artifact, plan *ir.DistributionPlan) (map[string]interface{}, error) {
	central := plan.CentralSlice()
	if central == nil {
		return nil, NewRuntimeError(ErrContractViolation, fmt.Errorf("distribution plan %q has no central slice", plan.ID))
	}

	futures := make(map[string]chan *SliceResultPayload, len(plan.RemoteSlices()))
	for _, slice := range plan.RemoteSlices() {
		future := make(chan *SliceResultPayload, 1)
		futures[slice.ID] = future
		go vm.dispatchRemoteSlice(ctx, sessionID, artifact, plan, slice, future)
	}

	byIndex := make(map[int]*ir.Instruction, len(artifact.Instructions))
	for _, instr := range artifact.Instructions {
		byIndex[instr.Index] = instr
	}

	drained := make(map[string]bool, len(plan.SyncPoints))

	for _, idx := range central.InstructionIndexes {
		instr := byIndex[idx]
		if instr == nil {
			continue
		}
		for _, sp := range plan.SyncPointsBefore(idx) {
			if drained[sp.ID] {
				continue
			}
			if err := vm.drainSyncPoint(ctx, ec, sessionID, sp, futures); err != nil {
				return nil, err
			}
			drained[sp.ID] = true
		}

		ec.CurrentInstructionIndex = idx
		switch instr.Opcode {
		case ir.OpReturn:
			for _, sp := range plan.SyncPoints {
				if !drained[sp.ID] {
					if err := vm.drainSyncPoint(ctx, ec, sessionID, sp, futures); err != nil {
						return nil, err
					}
					drained[sp.ID] = true
				}
			}
			return vm.readReturn(ec, artifact)
		case ir.OpBranch, ir.OpJump, ir.OpLoop:
			// The central slice of a distributed plan is produced by the
			// same planner that placed sequential, non-branching
			// instruction runs into slices; control-flow opcodes inside a
			// distributed central slice fall back to the monolithic
			// handling of their own sub-ranges.
			if err := vm.dispatchOne(ctx, ec, sessionID, artifact, instr); err != nil {
				return nil, err
			}
		default:
			if err := vm.dispatchOne(ctx, ec, sessionID, artifact, instr); err != nil {
				return nil, err
			}
		}
	}

	for _, sp := range plan.SyncPoints {
		if !drained[sp.ID] {
			if err := vm.drainSyncPoint(ctx, ec, sessionID, sp, futures); err != nil {
				return nil, err
			}
		}
	}

	return vm.readReturn(ec, artifact)
}

func (vm *VM) dispatchRemoteSlice(ctx context.Context, sessionID string, artifact *ir.Artifact, plan *ir.DistributionPlan, slice *ir.Slice, future chan<- *SliceResultPayload) {
	defer close(future)

	if vm.dispatcher == nil {
		future <- &SliceResultPayload{PlanID: plan.ID, SliceID: slice.ID, NodeID: slice.NodeID, Status: SliceStatusFailure, Error: "no NodeDispatcher configured"}
		return
	}

	instructions := make([]*ir.Instruction, 0, len(slice.InstructionIndexes))
	for _, idx := range slice.InstructionIndexes {
		if instr := artifact.ByIndex(idx); instr != nil {
			instructions = append(instructions, instr)
		}
	}

	payload := SliceDispatchPayload{
		PlanID:           plan.ID,
		SliceID:          slice.ID,
		Instructions:     instructions,
		InstructionOrder: slice.InstructionIndexes,
		TimeoutMS:        30000,
	}

	result, err := vm.dispatcher.Dispatch(ctx, slice.NodeID, payload)
	if err != nil || (result != nil && result.Status == SliceStatusFailure) {
		vm.handleRemoteFailure(ctx, sessionID, slice, err)
		future <- &SliceResultPayload{PlanID: plan.ID, SliceID: slice.ID, NodeID: slice.NodeID, Status: SliceStatusFailure, Error: errString(err)}
		return
	}
	future <- result
}

// handleRemoteFailure implements the remote-fallback rule (scenario E2,
// testable property 9): a dispatch failure marks the node offline exactly
// once and does not itself fail the execution — the caller synthesizes a
// recoverable result and the central slice proceeds using whatever default
// values its sync-point's OnTimeout policy declares.
func (vm *VM) handleRemoteFailure(ctx context.Context, sessionID string, slice *ir.Slice, cause error) {
	vm.appendAudit(ctx, sessionID, audit.EventInstructionDispatched, nil, map[string]interface{}{
		"phase": "remote_slice_failed", "slice_id": slice.ID, "node_id": slice.NodeID, "error": errString(cause),
	})
	if vm.nodeRegistry != nil {
		if err := vm.nodeRegistry.MarkOffline(ctx, slice.NodeID); err != nil {
			vm.appendAudit(ctx, sessionID, audit.EventNodeMarkedOffline, nil, map[string]interface{}{"node_id": slice.NodeID, "mark_offline_error": err.Error()})
			return
		}
	}
	vm.appendAudit(ctx, sessionID, audit.EventNodeMarkedOffline, nil, map[string]interface{}{"node_id": slice.NodeID})
}

// drainSyncPoint awaits the future backing sp's slice (if it hasn't
// resolved yet), applies the OnTimeout policy when it doesn't resolve in
// time, and copies every inbound flow's register value into ec.
func (vm *VM) drainSyncPoint(ctx context.Context, ec *ExecutionContext, sessionID string, sp *ir.SyncPoint, futures map[string]chan *SliceResultPayload) error {
	future, ok := futures[sp.SliceID]
	if !ok {
		return vm.applyInboundDefaults(ec, sp)
	}

	timeout := time.Duration(sp.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var result *SliceResultPayload
	select {
	case result = <-future:
	case <-time.After(timeout):
		return vm.applySyncPointTimeout(ctx, ec, sessionID, sp)
	case <-ctx.Done():
		return NewRuntimeError(ErrTimeout, ctx.Err())
	}

	if result == nil || result.Status != SliceStatusSuccess {
		return vm.applySyncPointTimeout(ctx, ec, sessionID, sp)
	}

	vm.appendAudit(ctx, sessionID, audit.EventSyncPointJoined, &sp.WaitBeforeIndex, map[string]interface{}{"sync_point_id": sp.ID, "slice_id": sp.SliceID})
	for _, flow := range sp.InboundFlows {
		value := result.OutputRegisters[fmt.Sprintf("%d", flow.SourceRegister)]
		if err := ec.SetRegister(flow.DestRegister, value); err != nil {
			return NewRuntimeError(ErrRuntimeError, err)
		}
	}
	return nil
}

func (vm *VM) applySyncPointTimeout(ctx context.Context, ec *ExecutionContext, sessionID string, sp *ir.SyncPoint) error {
	switch sp.OnTimeout {
	case ir.OnTimeoutSkip:
		return nil
	case ir.OnTimeoutUseDefault:
		return vm.applyInboundDefaults(ec, sp)
	default:
		return NewRuntimeError(ErrTimeout, fmt.Errorf("sync point %q on slice %q did not resolve within its timeout", sp.ID, sp.SliceID))
	}
}

func (vm *VM) applyInboundDefaults(ec *ExecutionContext, sp *ir.SyncPoint) error {
	for _, flow := range sp.InboundFlows {
		value := sp.DefaultValues[flow.DestRegister]
		if err := ec.SetRegister(flow.DestRegister, value); err != nil {
			return NewRuntimeError(ErrRuntimeError, err)
		}
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
