package svm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-ir/svm/ent/executionsession"
	"github.com/llm-ir/svm/pkg/ir"
)

// fakeNodeDispatcher dispatches every slice to a canned result or error,
// keyed by node id, standing in for a real gRPC-backed remote dispatcher.
type fakeNodeDispatcher struct {
	mu        sync.Mutex
	byNode    map[string]*SliceResultPayload
	errByNode map[string]error
	calls     []string
}

func (f *fakeNodeDispatcher) Dispatch(_ context.Context, nodeID string, _ SliceDispatchPayload) (*SliceResultPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, nodeID)
	if err, ok := f.errByNode[nodeID]; ok {
		return nil, err
	}
	return f.byNode[nodeID], nil
}

// fakeNodeRegistry counts MarkOffline calls per node, so the
// mark-offline-exactly-once fallback rule (testable property 9) can be
// asserted directly.
type fakeNodeRegistry struct {
	mu         sync.Mutex
	offlineCnt map[string]int
}

func newFakeNodeRegistry() *fakeNodeRegistry {
	return &fakeNodeRegistry{offlineCnt: make(map[string]int)}
}

func (f *fakeNodeRegistry) MarkOffline(_ context.Context, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offlineCnt[nodeID]++
	return nil
}

func distributedArtifactAndPlan() (*ir.Artifact, *ir.DistributionPlan) {
	artifact := baseArtifact([]*ir.Instruction{{Index: 0, Opcode: ir.OpReturn}}, 2)

	plan := &ir.DistributionPlan{
		ID: "plan-1",
		Slices: []*ir.Slice{
			{ID: "central", NodeID: "central-1", IsCentral: true, InstructionIndexes: []int{0}},
			{ID: "remote-1", NodeID: "node-2", IsCentral: false},
		},
		SyncPoints: []*ir.SyncPoint{
			{
				ID:              "sp-1",
				SliceID:         "remote-1",
				WaitBeforeIndex: 0,
				InboundFlows:    []ir.InboundFlow{{SourceRegister: 5, DestRegister: 2}},
				TimeoutMS:       5000,
				OnTimeout:       ir.OnTimeoutUseDefault,
				DefaultValues:   map[int]interface{}{2: "default-value"},
			},
		},
	}
	return artifact, plan
}

// TestExecute_Distributed_SyncPointMergesRemoteRegister exercises testable
// property 8: a successful remote slice's output register flows into the
// central slice's register file before the instruction waiting on it runs.
func TestExecute_Distributed_SyncPointMergesRemoteRegister(t *testing.T) {
	artifact, plan := distributedArtifactAndPlan()
	dispatcher := &fakeNodeDispatcher{
		byNode: map[string]*SliceResultPayload{
			"node-2": {PlanID: "plan-1", SliceID: "remote-1", NodeID: "node-2", Status: SliceStatusSuccess, OutputRegisters: map[string]interface{}{"5": "remote-value"}},
		},
	}
	registry := newFakeNodeRegistry()

	vm := New(Config{Executors: NewExecutorRegistry(), Dispatcher: dispatcher, NodeRegistry: registry, AcceptedIRMajor: 1})
	result := vm.Execute(context.Background(), "sess-d1", artifact, plan, nil)

	require.NoError(t, result.Err)
	assert.Equal(t, executionsession.StatusCompleted, result.Status)
	assert.Equal(t, "remote-value", result.OutputRegisters["2"])
	assert.Equal(t, 0, registry.offlineCnt["node-2"], "a successful remote slice must never mark its node offline")
}

// TestExecute_Distributed_RemoteFailureFallsBackToDefaultAndMarksOfflineOnce
// exercises testable property 9: a dispatch failure degrades to the
// sync-point's declared default rather than failing the whole session, and
// marks the failing node offline exactly once.
func TestExecute_Distributed_RemoteFailureFallsBackToDefaultAndMarksOfflineOnce(t *testing.T) {
	artifact, plan := distributedArtifactAndPlan()
	dispatcher := &fakeNodeDispatcher{errByNode: map[string]error{"node-2": errors.New("connection refused")}}
	registry := newFakeNodeRegistry()

	vm := New(Config{Executors: NewExecutorRegistry(), Dispatcher: dispatcher, NodeRegistry: registry, AcceptedIRMajor: 1})
	result := vm.Execute(context.Background(), "sess-d2", artifact, plan, nil)

	require.NoError(t, result.Err)
	assert.Equal(t, executionsession.StatusCompleted, result.Status)
	assert.Equal(t, "default-value", result.OutputRegisters["2"])
	assert.Equal(t, 1, registry.offlineCnt["node-2"])
}

// TestExecute_Distributed_NoDispatcherConfiguredStillDegrades confirms a VM
// with no NodeDispatcher wired (e.g. a single-node deployment handed a plan
// anyway) fails the remote slice locally instead of blocking forever.
func TestExecute_Distributed_NoDispatcherConfiguredStillDegrades(t *testing.T) {
	artifact, plan := distributedArtifactAndPlan()

	vm := New(Config{Executors: NewExecutorRegistry(), AcceptedIRMajor: 1})
	result := vm.Execute(context.Background(), "sess-d3", artifact, plan, nil)

	require.NoError(t, result.Err)
	assert.Equal(t, "default-value", result.OutputRegisters["2"])
}
