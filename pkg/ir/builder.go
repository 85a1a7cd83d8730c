package ir

import "fmt"

// IntentAction is one node of the parsed intent tree the IR Generator
// lowers into instructions. The intent tree's schema is defined by the
// registry's capability contract (pkg/registry); this struct captures the
// subset of it Component B needs to emit an instruction.
type IntentAction struct {
	ID             string                 // stable id used for dependency wiring, e.g. "fetch-weather"
	Opcode         Opcode
	ServiceID      string
	ServiceVersion string
	Operands       map[string]interface{}
	DependsOn      []string // IDs of actions whose output registers feed this one as Src
	ParallelGroup  string   // non-empty: this action belongs to a PARALLEL_SPAWN/MERGE group
	Loop           *LoopOperand
	RequiredTier   string
}

// IntentTree is the parsed natural-language intent Component B lowers.
// OutputActionID names the action whose destination register becomes the
// artifact's output register.
type IntentTree struct {
	Actions        []IntentAction
	OutputActionID string
	WorkflowID     string
	WorkflowVersion string
}

const compilerVersion = "1.0.0"

// Generate lowers an intent tree into an unresolved artifact, implementing
// the four-step algorithm from the IR Generator's design: allocate register
// 0 for input, emit one call instruction per action with src registers
// wired from its declared dependencies, pair up PARALLEL_SPAWN/MERGE groups,
// and emit a terminal RETURN reading the output register.
func Generate(tree IntentTree) (*Artifact, error) {
	if len(tree.Actions) == 0 {
		return nil, fmt.Errorf("intent tree has no actions")
	}

	const inputRegister = 0
	nextRegister := inputRegister + 1
	destOf := make(map[string]int, len(tree.Actions)) // action id -> dest register
	indexOf := make(map[string]int, len(tree.Actions)) // action id -> instruction index

	var instructions []*Instruction
	groups := make(map[string][]int) // group id -> member instruction indexes

	for _, action := range tree.Actions {
		if nextRegister > 255 {
			return nil, fmt.Errorf("action %q: register file exhausted (>255 live destinations)", action.ID)
		}
		dest := nextRegister
		nextRegister++
		destOf[action.ID] = dest

		var src []int
		if len(action.DependsOn) == 0 {
			src = []int{inputRegister}
		} else {
			for _, dep := range action.DependsOn {
				depDest, ok := destOf[dep]
				if !ok {
					return nil, fmt.Errorf("action %q depends on %q, which has not been emitted yet (dependencies must be declared in topological order)", action.ID, dep)
				}
				src = append(src, depDest)
			}
		}

		idx := len(instructions)
		instr := &Instruction{
			Index:          idx,
			Opcode:         action.Opcode,
			Dest:           &dest,
			Src:            src,
			Operands:       action.Operands,
			ServiceID:      action.ServiceID,
			ServiceVersion: action.ServiceVersion,
			ParallelGroupID: action.ParallelGroup,
			Loop:           action.Loop,
			RequiredTier:   action.RequiredTier,
		}
		if action.Loop != nil {
			if instr.Loop.MaxIterations <= 0 || instr.Loop.MaxIterations > 5 {
				return nil, fmt.Errorf("action %q: loop max-iterations must be in [1,5], got %d", action.ID, instr.Loop.MaxIterations)
			}
		}

		instructions = append(instructions, instr)
		indexOf[action.ID] = idx
		if action.ParallelGroup != "" {
			groups[action.ParallelGroup] = append(groups[action.ParallelGroup], idx)
		}
	}

	instructions = insertParallelPairs(instructions, groups)

	outputDest, ok := destOf[tree.OutputActionID]
	if !ok {
		return nil, fmt.Errorf("output action %q does not exist in the intent tree", tree.OutputActionID)
	}
	retIdx := len(instructions)
	instructions = append(instructions, &Instruction{
		Index:  retIdx,
		Opcode: OpReturn,
		Src:    []int{outputDest},
	})

	for i, instr := range instructions {
		instr.Index = i
	}

	graph := BuildDependencyGraph(instructions)

	artifact := &Artifact{
		Instructions:    instructions,
		DependencyGraph: graph,
		ResourceTable:   map[string]interface{}{},
		ParallelGroups:  groups,
		Schemas:         map[string]interface{}{},
		InputRegisters:  []int{inputRegister},
		OutputRegister:  outputDest,
		Metadata: Metadata{
			CompilerVersion: compilerVersion,
			WorkflowID:      tree.WorkflowID,
			WorkflowVersion: tree.WorkflowVersion,
			Source:          "natural-language-parser",
		},
	}
	artifact.InstructionOrder = TopologicalOrder(artifact.Instructions, graph)

	if err := artifact.Validate(); err != nil {
		return nil, fmt.Errorf("generated artifact failed structural validation: %w", err)
	}

	return artifact, nil
}

// insertParallelPairs wraps each parallel group's member instructions with a
// PARALLEL_SPAWN immediately before its first member and a PARALLEL_MERGE
// immediately after its last, per the generator's step 3. Groups are
// processed in a stable order (first appearance in instructions) and
// indexes are renumbered by the caller afterward.
func insertParallelPairs(instructions []*Instruction, groups map[string][]int) []*Instruction {
	if len(groups) == 0 {
		return instructions
	}

	var order []string
	seen := make(map[string]bool)
	for _, instr := range instructions {
		g := instr.ParallelGroupID
		if g != "" && !seen[g] {
			seen[g] = true
			order = append(order, g)
		}
	}

	spawnBefore := make(map[int]string) // original index -> group id to spawn before
	mergeAfter := make(map[int]string)  // original index -> group id to merge after
	for _, g := range order {
		members := groups[g]
		first, last := members[0], members[0]
		for _, m := range members {
			if m < first {
				first = m
			}
			if m > last {
				last = m
			}
		}
		spawnBefore[first] = g
		mergeAfter[last] = g
	}

	out := make([]*Instruction, 0, len(instructions)+2*len(order))
	for i, instr := range instructions {
		if g, ok := spawnBefore[i]; ok {
			out = append(out, &Instruction{Opcode: OpParallelSpawn, ParallelGroupID: g})
		}
		out = append(out, instr)
		if g, ok := mergeAfter[i]; ok {
			out = append(out, &Instruction{Opcode: OpParallelMerge, ParallelGroupID: g})
		}
	}
	return out
}
