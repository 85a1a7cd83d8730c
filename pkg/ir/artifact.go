package ir

import (
	"fmt"
	"time"
)

// Metadata carries provenance information for an artifact, set by the IR
// Generator and never altered afterward.
type Metadata struct {
	CompiledAt     time.Time `json:"compiled_at"`
	CompilerVersion string   `json:"compiler_version"`
	WorkflowID     string    `json:"workflow_id"`
	WorkflowVersion string   `json:"workflow_version"`
	Source         string    `json:"source"`
}

// Artifact is the compiler's output: an arena of instructions addressed by
// index plus an adjacency list. Mutations happen only during compilation
// stages; after Seal the artifact is treated as immutable.
type Artifact struct {
	Instructions     []*Instruction `json:"instructions"`
	InstructionOrder []int          `json:"instruction_order"` // topological
	DependencyGraph  map[int][]int  `json:"dependency_graph"`  // index -> predecessor indices

	ResourceTable  map[string]interface{} `json:"resource_table"`
	ParallelGroups map[string][]int       `json:"parallel_groups"`
	Schemas        map[string]interface{} `json:"schemas"`

	InputRegisters []int `json:"input_registers"`
	OutputRegister int   `json:"output_register"`

	// DistributionPlanID, if set, names a plan produced by Stage F (pkg/plan)
	// and persisted alongside this artifact. The plan itself is not embedded
	// here: pkg/plan depends on ir, so ir cannot hold a *plan.DistributionPlan
	// without a cycle. The VM loads both by artifact id at execution start.
	DistributionPlanID string `json:"distribution_plan_id,omitempty"`

	Metadata Metadata `json:"metadata"`
}

// ByIndex returns the instruction at idx, or nil if out of range.
func (a *Artifact) ByIndex(idx int) *Instruction {
	if idx < 0 || idx >= len(a.Instructions) {
		return nil
	}
	return a.Instructions[idx]
}

// BuildDependencyGraph derives the predecessor adjacency list from each
// instruction's Src registers and its opcode's successor shape, recording,
// for every instruction, the set of instructions that must execute before
// it. This is the structure TERM-001 walks and the structure the IR
// Generator produces directly; verify/resolve can call this to rebuild it
// if an artifact arrives without one (e.g. from a test fixture).
func BuildDependencyGraph(instructions []*Instruction) map[int][]int {
	graph := make(map[int][]int, len(instructions))
	lastWriter := make(map[int]int) // register -> instruction index that last wrote it

	for _, instr := range instructions {
		var preds []int
		seen := make(map[int]bool)
		for _, src := range instr.Src {
			if writer, ok := lastWriter[src]; ok && !seen[writer] {
				preds = append(preds, writer)
				seen[writer] = true
			}
		}
		graph[instr.Index] = preds

		if instr.Dest != nil {
			lastWriter[*instr.Dest] = instr.Index
		}
	}

	return graph
}

// Successors returns the instruction indices that may execute immediately
// after instr, per TERM-001's successor-graph rules: BRANCH has two
// (target and fall-through), JUMP has one (target), LOOP has two
// (body-start, exit), RETURN has none, everything else has the next
// sequential instruction.
func Successors(instr *Instruction, nextSequential int, total int) []int {
	switch instr.Opcode {
	case OpReturn:
		return nil
	case OpJump:
		if instr.TargetInstruction != nil {
			return []int{*instr.TargetInstruction}
		}
		return nil
	case OpBranch:
		succ := make([]int, 0, 2)
		if instr.TargetInstruction != nil {
			succ = append(succ, *instr.TargetInstruction)
		}
		if nextSequential < total {
			succ = append(succ, nextSequential)
		}
		return succ
	case OpLoop:
		succ := make([]int, 0, 2)
		if instr.Loop != nil {
			succ = append(succ, instr.Loop.BodyStartIndex, instr.Loop.ExitIndex)
		}
		return succ
	default:
		if nextSequential < total {
			return []int{nextSequential}
		}
		return nil
	}
}

// TopologicalOrder computes a topological instruction order from the
// dependency graph, tolerating the one cycle shape the spec allows: a
// cycle whose path passes through a LOOP header. Non-LOOP cycles are
// reported by the Formal Verifier (TERM-001), not here — this function
// assumes a previously-verified artifact and falls back to index order
// for any instruction it cannot otherwise place, so it never fails.
func TopologicalOrder(instructions []*Instruction, graph map[int][]int) []int {
	visited := make(map[int]bool, len(instructions))
	order := make([]int, 0, len(instructions))

	byIndex := make(map[int]*Instruction, len(instructions))
	for _, instr := range instructions {
		byIndex[instr.Index] = instr
	}

	var visit func(idx int, stack map[int]bool)
	visit = func(idx int, stack map[int]bool) {
		if visited[idx] || stack[idx] {
			return
		}
		instr, ok := byIndex[idx]
		if !ok {
			return
		}
		stack[idx] = true
		for _, pred := range graph[idx] {
			// A LOOP header may be its own (transitive) predecessor through
			// its body; don't recurse back into it once it's already on the
			// stack — that's the one cycle shape the spec allows.
			if instr.Opcode == OpLoop && stack[pred] {
				continue
			}
			visit(pred, stack)
		}
		stack[idx] = false
		if !visited[idx] {
			visited[idx] = true
			order = append(order, idx)
		}
	}

	for _, instr := range instructions {
		visit(instr.Index, map[int]bool{})
	}

	return order
}

// Validate checks the structural invariants every artifact must satisfy
// before it can be passed to Stage C, independent of the Formal Verifier's
// semantic rules: every Src register must be non-negative, Dest (if any)
// must be in [0,255], and the instruction list must be densely indexed
// starting at 0.
func (a *Artifact) Validate() error {
	for i, instr := range a.Instructions {
		if instr.Index != i {
			return fmt.Errorf("instruction at position %d has index %d, want %d", i, instr.Index, i)
		}
		if instr.Dest != nil && (*instr.Dest < 0 || *instr.Dest > 255) {
			return fmt.Errorf("instruction %d: dest register %d out of range [0,255]", i, *instr.Dest)
		}
		for _, s := range instr.Src {
			if s < 0 || s > 255 {
				return fmt.Errorf("instruction %d: src register %d out of range [0,255]", i, s)
			}
		}
	}
	return nil
}
