// Package plan implements Component F, Stage 9 of the pipeline: the
// Distribution Planner. Optional — given a resolved artifact and a fleet of
// nodes, it partitions instructions into slices so each slice's
// instructions run on a node satisfying their required tier and
// capabilities, inserting sync-points wherever a register crosses a slice
// boundary.
package plan

import (
	"fmt"

	"github.com/llm-ir/svm/pkg/ir"
)

// NodeInfo describes one fleet node's placement-relevant attributes.
type NodeInfo struct {
	ID           string
	Tier         ir.Tier
	Capabilities []string
}

func (n NodeInfo) hasCapabilities(required []string) bool {
	set := make(map[string]bool, len(n.Capabilities))
	for _, c := range n.Capabilities {
		set[c] = true
	}
	for _, r := range required {
		if !set[r] {
			return false
		}
	}
	return true
}

// Planner partitions artifacts across a fixed fleet snapshot.
type Planner struct {
	centralNodeID string
}

// New returns a Planner. centralNodeID names the node that always hosts the
// central slice (the orchestrator).
func New(centralNodeID string) *Planner {
	return &Planner{centralNodeID: centralNodeID}
}

// Plan partitions artifact's instructions into slices using a greedy
// clustering heuristic along the topological order: instructions stay in
// the current slice until the required capabilities change or the
// preferred node changes, at which point a new slice starts. The central
// slice always exists, anchored to centralNodeID.
func (p *Planner) Plan(artifact *ir.Artifact, nodes []NodeInfo) (*ir.DistributionPlan, error) {
	if artifact == nil || len(artifact.Instructions) == 0 {
		return nil, fmt.Errorf("cannot plan an empty artifact")
	}

	order := artifact.InstructionOrder
	if len(order) == 0 {
		for _, instr := range artifact.Instructions {
			order = append(order, instr.Index)
		}
	}
	byIndex := make(map[int]*ir.Instruction, len(artifact.Instructions))
	for _, instr := range artifact.Instructions {
		byIndex[instr.Index] = instr
	}

	sliceIDOf := make(map[int]string, len(order)) // instruction index -> slice id
	var slices []*ir.Slice
	var current *ir.Slice
	var currentNode NodeInfo
	sliceSeq := 0

	for _, idx := range order {
		instr := byIndex[idx]
		target := p.placementFor(instr, nodes)

		if current == nil || target.ID != currentNode.ID {
			sliceSeq++
			current = &ir.Slice{
				ID:        fmt.Sprintf("slice-%d", sliceSeq),
				NodeID:    target.ID,
				Tier:      target.Tier,
				IsCentral: target.ID == p.centralNodeID,
			}
			currentNode = target
			slices = append(slices, current)
		}
		current.InstructionIndexes = append(current.InstructionIndexes, idx)
		sliceIDOf[idx] = current.ID
	}

	if !planHasCentral(slices, p.centralNodeID) {
		return nil, fmt.Errorf("no instruction was placed on the central node %q; every plan must have a central slice", p.centralNodeID)
	}

	syncPoints := buildSyncPoints(artifact, order, byIndex, sliceIDOf)

	return &ir.DistributionPlan{
		ID:         fmt.Sprintf("plan-%s", artifact.Metadata.WorkflowID),
		ArtifactID: artifact.Metadata.WorkflowID,
		Slices:     slices,
		SyncPoints: syncPoints,
	}, nil
}

func planHasCentral(slices []*ir.Slice, centralID string) bool {
	for _, s := range slices {
		if s.NodeID == centralID {
			return true
		}
	}
	return false
}

// placementFor chooses the node for instr: its RequiredTier/TargetNodeID if
// set, falling back to the central node. The first node satisfying the
// instruction's required tier and capabilities (in fleet order) is chosen,
// so operators control preference by fleet ordering.
func (p *Planner) placementFor(instr *ir.Instruction, nodes []NodeInfo) NodeInfo {
	if instr.TargetNodeID != "" {
		for _, n := range nodes {
			if n.ID == instr.TargetNodeID {
				return n
			}
		}
	}

	requiredTier := ir.Tier(instr.RequiredTier)
	if requiredTier == "" || requiredTier == ir.TierCentral {
		return NodeInfo{ID: p.centralNodeID, Tier: ir.TierCentral}
	}

	for _, n := range nodes {
		if n.Tier != requiredTier && requiredTier != ir.TierAny {
			continue
		}
		if !n.hasCapabilities(instr.RequiredCapabilities) {
			continue
		}
		return n
	}

	// No compatible remote node: fall back to central rather than fail
	// planning outright — the VM's remote-fallback-to-central path is
	// exercised the same way a genuine dispatch failure would exercise it.
	return NodeInfo{ID: p.centralNodeID, Tier: ir.TierCentral}
}

// buildSyncPoints inserts a sync-point at the consumer slice immediately
// before every instruction that reads a register produced in a different
// slice, per §4.F.
func buildSyncPoints(artifact *ir.Artifact, order []int, byIndex map[int]*ir.Instruction, sliceIDOf map[int]string) []*ir.SyncPoint {
	graph := artifact.DependencyGraph
	if graph == nil {
		graph = ir.BuildDependencyGraph(artifact.Instructions)
	}

	lastWriterRegister := make(map[int]int) // predecessor instruction index -> its dest register, reconstructed below
	for _, instr := range artifact.Instructions {
		if instr.Dest != nil {
			lastWriterRegister[instr.Index] = *instr.Dest
		}
	}

	var syncPoints []*ir.SyncPoint
	seq := 0
	for _, idx := range order {
		instr := byIndex[idx]
		mySlice := sliceIDOf[idx]

		var inbound []ir.InboundFlow
		crossing := map[string]bool{}
		for _, pred := range graph[idx] {
			predSlice, ok := sliceIDOf[pred]
			if !ok || predSlice == mySlice {
				continue
			}
			reg, ok := lastWriterRegister[pred]
			if !ok {
				continue
			}
			inbound = append(inbound, ir.InboundFlow{SourceRegister: reg, DestRegister: reg})
			crossing[predSlice] = true
		}

		if len(inbound) == 0 {
			continue
		}

		seq++
		syncPoints = append(syncPoints, &ir.SyncPoint{
			ID:              fmt.Sprintf("sync-%d", seq),
			SliceID:         mySlice,
			WaitBeforeIndex: idx,
			InboundFlows:    inbound,
			TimeoutMS:       defaultTimeoutFor(instr),
			OnTimeout:       defaultOnTimeoutFor(instr),
		})
	}
	return syncPoints
}

func defaultTimeoutFor(instr *ir.Instruction) int {
	if instr.Dispatch != nil && instr.Dispatch.TimeoutMS > 0 {
		return instr.Dispatch.TimeoutMS
	}
	return 5000
}

// defaultOnTimeoutFor chooses FAIL for critical-path instructions (anything
// without an explicit BACKGROUND priority), USE_DEFAULT when the compiler
// attached a fallback instruction (treated as a default-value policy), and
// SKIP for best-effort analytics/background work.
func defaultOnTimeoutFor(instr *ir.Instruction) ir.OnTimeoutPolicy {
	if instr.Priority != nil && instr.Priority.Level == ir.PriorityBackground {
		return ir.OnTimeoutSkip
	}
	if instr.Fallback != "" {
		return ir.OnTimeoutUseDefault
	}
	return ir.OnTimeoutFail
}
