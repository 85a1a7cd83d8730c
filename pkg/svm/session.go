package svm

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"

	"github.com/llm-ir/svm/ent"
	"github.com/llm-ir/svm/ent/executionsession"
	"github.com/llm-ir/svm/pkg/fleet"
	"github.com/llm-ir/svm/pkg/ir"
	"github.com/llm-ir/svm/pkg/plan"
	"github.com/llm-ir/svm/pkg/seal"
)

// SessionExecutor adapts a VM into fleet.SessionExecutor: given a claimed
// ExecutionSession, it loads the sealed artifact (and, if present, its
// distribution plan) and drives it to a terminal Result. This is the
// dispatcher cmd/tarsy-svm wires into the worker pool in place of a
// placeholder.
type SessionExecutor struct {
	vm        *VM
	artifacts seal.ArtifactStore
	plans     plan.Store // may be nil: every session then runs monolithic
	publicKey ed25519.PublicKey
	tools     ToolExecutorFactory // may be nil: CALL_TOOL instructions then fail at dispatch
}

// ToolExecutorFactory builds a session-scoped ToolExecutor. CreateToolExecutor
// on toolprotocol.ClientFactory is scoped to one session's server list and
// owns a live connection per call, so SessionExecutor obtains a fresh one (and
// tears it down) around each session's Execute rather than sharing a single
// ToolExecutor VM-wide.
type ToolExecutorFactory interface {
	CreateToolExecutor(ctx context.Context, serverIDs []string, toolFilter map[string][]string) (ToolExecutor, io.Closer, error)
}

// NewSessionExecutor builds the fleet.SessionExecutor the worker pool
// drives every claimed session through. tools may be nil.
func NewSessionExecutor(vm *VM, artifacts seal.ArtifactStore, plans plan.Store, publicKey ed25519.PublicKey, tools ToolExecutorFactory) *SessionExecutor {
	return &SessionExecutor{vm: vm, artifacts: artifacts, plans: plans, publicKey: publicKey, tools: tools}
}

// Execute implements fleet.SessionExecutor.
func (e *SessionExecutor) Execute(ctx context.Context, session *ent.ExecutionSession) *fleet.ExecutionResult {
	sealed, err := e.artifacts.Get(ctx, session.ArtifactID)
	if err != nil {
		return &fleet.ExecutionResult{Status: executionsession.StatusFailed, Error: fmt.Errorf("artifact lookup failed: %w", err)}
	}

	artifact, err := seal.Unseal(sealed, e.publicKey)
	if err != nil {
		return &fleet.ExecutionResult{Status: executionsession.StatusFailed, Error: &SecurityAlert{Reason: fmt.Sprintf("artifact %s failed seal verification: %v", session.ArtifactID, err)}}
	}

	var distPlan *ir.DistributionPlan
	if artifact.DistributionPlanID != "" && e.plans != nil {
		if loaded, planErr := e.plans.Get(ctx, artifact.DistributionPlanID); planErr == nil {
			distPlan = loaded
		}
		// Missing plan degrades to monolithic rather than failing the whole
		// session: the artifact itself is still valid and complete.
	}

	vm := e.vm
	if e.tools != nil {
		toolExecutor, closer, toolErr := e.tools.CreateToolExecutor(ctx, nil, nil)
		if toolErr != nil {
			// CALL_TOOL instructions fail individually rather than aborting
			// the whole session: many artifacts never reach one.
			vm = e.vm.WithTools(nil)
		} else {
			defer closer.Close()
			vm = e.vm.WithTools(toolExecutor)
		}
	}

	result := vm.Execute(ctx, session.ID, artifact, distPlan, session.UserInputs)
	return &fleet.ExecutionResult{Status: result.Status, OutputRegisters: result.OutputRegisters, Error: result.Err}
}
