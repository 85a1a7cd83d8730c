// Package verify implements Component D, Stage 5 of the pipeline: the
// Formal Verifier. It runs after service resolution (so LLM-call dispatch
// metadata is visible) and before sealing, producing an aggregated report
// of every rule violation found across the whole artifact.
package verify

import (
	"fmt"

	"github.com/llm-ir/svm/pkg/ir"
	"github.com/llm-ir/svm/pkg/registry"
)

// Report is the Formal Verifier's output. Compilation aborts iff Errors is
// non-empty.
type Report struct {
	Passed   bool
	Errors   []ir.Diagnostic
	Warnings []ir.Diagnostic
}

func (r *Report) addError(d ir.Diagnostic) {
	d.Severity = "error"
	r.Errors = append(r.Errors, d)
}

func (r *Report) addWarning(d ir.Diagnostic) {
	d.Severity = "warning"
	r.Warnings = append(r.Warnings, d)
}

// Verify runs every rule (TERM-001, LOOP-001..005, TYPE-001..002,
// LLM-001..005, PRE-001, SAFE-<id>, REV-001) against artifact and returns
// the aggregated report.
func Verify(reg *registry.Registry, artifact *ir.Artifact) *Report {
	report := &Report{}

	graph := artifact.DependencyGraph
	if graph == nil {
		graph = ir.BuildDependencyGraph(artifact.Instructions)
	}

	checkTermination(artifact, graph, report)
	checkLoops(artifact, report)
	checkTypes(artifact, report)
	checkLLMSafety(artifact, report)
	checkPreconditions(reg, artifact, report)
	checkSafetyConstraints(reg, artifact, report)
	checkReversibility(reg, artifact, report)

	report.Passed = len(report.Errors) == 0
	return report
}

// checkTermination implements TERM-001: a depth-first colouring of the
// successor graph. A gray-to-gray edge is a cycle; it is acceptable only if
// at least one node on the cyclic path is a LOOP header.
func checkTermination(artifact *ir.Artifact, graph map[int][]int, report *Report) {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	byIndex := make(map[int]*ir.Instruction, len(artifact.Instructions))
	successors := make(map[int][]int, len(artifact.Instructions))
	for i, instr := range artifact.Instructions {
		byIndex[instr.Index] = instr
		next := i + 1
		successors[instr.Index] = ir.Successors(instr, next, len(artifact.Instructions))
	}

	color := make(map[int]int, len(artifact.Instructions))
	var visit func(idx int) bool
	visit = func(idx int) bool {
		color[idx] = gray
		for _, succ := range successors[idx] {
			switch color[succ] {
			case gray:
				instr := byIndex[idx]
				succInstr := byIndex[succ]
				if instr != nil && instr.Opcode == ir.OpLoop {
					continue // cycle through a LOOP header: acceptable
				}
				if succInstr != nil && succInstr.Opcode == ir.OpLoop {
					continue
				}
				report.addError(ir.Diagnostic{
					RuleID:           "TERM-001",
					InstructionIndex: succ,
					Message:          fmt.Sprintf("non-terminating cycle re-enters instruction %d from instruction %d without passing through a LOOP header", succ, idx),
					Remediation:      "wrap the repeated instructions in a LOOP with a bounded max-iterations",
				})
			case white:
				if !visit(succ) {
					return false
				}
			}
		}
		color[idx] = black
		return true
	}

	for _, instr := range artifact.Instructions {
		if color[instr.Index] == white {
			visit(instr.Index)
		}
	}
}

// checkLoops implements LOOP-001..005.
func checkLoops(artifact *ir.Artifact, report *Report) {
	for _, instr := range artifact.Instructions {
		if instr.Opcode != ir.OpLoop {
			continue
		}
		if instr.Loop == nil {
			report.addError(ir.Diagnostic{RuleID: "LOOP-001", InstructionIndex: instr.Index,
				Message: "LOOP instruction has no loop operands", Remediation: "attach a LoopOperand to every LOOP instruction"})
			continue
		}
		if instr.Loop.MaxIterations <= 0 {
			report.addError(ir.Diagnostic{RuleID: "LOOP-002", InstructionIndex: instr.Index,
				Message: "LOOP max-iterations must be defined and positive", Remediation: "set max-iterations to a value in [1,5]"})
		} else if instr.Loop.MaxIterations > 5 {
			report.addError(ir.Diagnostic{RuleID: "LOOP-003", InstructionIndex: instr.Index,
				Message: fmt.Sprintf("LOOP max-iterations %d exceeds the ceiling of 5", instr.Loop.MaxIterations),
				Remediation: "reduce max-iterations to 5 or fewer"})
		}
		if instr.Loop.TimeoutMS <= 0 {
			report.addError(ir.Diagnostic{RuleID: "LOOP-004", InstructionIndex: instr.Index,
				Message: "LOOP timeout-ms must be > 0", Remediation: "set a positive timeout-ms"})
		}
		if instr.Loop.Convergence == nil && instr.Loop.FallbackIndex == nil {
			report.addWarning(ir.Diagnostic{RuleID: "LOOP-005", InstructionIndex: instr.Index,
				Message: "LOOP has neither a convergence predicate nor a fallback instruction",
				Remediation: "add a convergence predicate or a fallback-index so non-convergence has a defined exit"})
		}
	}
}

// checkTypes implements TYPE-001..002: a symbolic lattice register->type,
// walked in topological order. The input register starts as ANY.
func checkTypes(artifact *ir.Artifact, report *Report) {
	types := map[int]ir.RegisterType{}
	for _, reg := range artifact.InputRegisters {
		types[reg] = ir.TypeAny
	}
	if len(artifact.InputRegisters) == 0 {
		types[0] = ir.TypeAny
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

	for _, idx := range order {
		instr := byIndex[idx]
		if instr == nil {
			continue
		}
		for _, src := range instr.Src {
			if _, defined := types[src]; !defined {
				report.addError(ir.Diagnostic{RuleID: "TYPE-001", InstructionIndex: instr.Index,
					Message:     fmt.Sprintf("register %d read before it was defined", src),
					Remediation: "ensure every src register is written by a predecessor instruction"})
			}
		}
		if instr.Opcode == ir.OpValidate {
			for _, src := range instr.Src {
				if types[src] == ir.TypeBuffer {
					report.addWarning(ir.Diagnostic{RuleID: "TYPE-002", InstructionIndex: instr.Index,
						Message: fmt.Sprintf("VALIDATE applied to raw buffer register %d", src)})
				}
			}
		}
		if instr.Dest != nil {
			types[*instr.Dest] = inferDestType(instr.Opcode)
		}
	}
}

func inferDestType(op ir.Opcode) ir.RegisterType {
	switch op {
	case ir.OpTransform, ir.OpFilter, ir.OpAggregate, ir.OpCallService, ir.OpCallAction, ir.OpCallTool, ir.OpLLMCall:
		return ir.TypeObject
	case ir.OpLoadResource:
		return ir.TypeAny
	default:
		return ir.TypeAny
	}
}

// checkLLMSafety implements LLM-001..005.
func checkLLMSafety(artifact *ir.Artifact, report *Report) {
	for _, instr := range artifact.Instructions {
		if instr.Opcode != ir.OpLLMCall {
			continue
		}
		if instr.Dispatch == nil || instr.Dispatch.Format != string(ir.FormatLLMCall) {
			report.addError(ir.Diagnostic{RuleID: "LLM-001", InstructionIndex: instr.Index,
				Message: "LLM_CALL must carry dispatch metadata of format LlmCall",
				Remediation: "run service resolution before verification"})
			continue
		}
		cfg := instr.Dispatch.SelectedDescriptor
		systemPrompt, _ := cfg["system_prompt"].(string)
		if systemPrompt == "" {
			report.addError(ir.Diagnostic{RuleID: "LLM-002", InstructionIndex: instr.Index,
				Message: "LLM_CALL system-prompt must be a non-empty static string"})
		}
		maxTokens, _ := cfg["max_tokens"].(float64)
		if maxTokens <= 0 {
			if iMaxTokens, ok := cfg["max_tokens"].(int); !ok || iMaxTokens <= 0 {
				report.addError(ir.Diagnostic{RuleID: "LLM-003", InstructionIndex: instr.Index,
					Message: "LLM_CALL max-tokens must be > 0"})
			}
		}
		vaultPath, _ := cfg["vault_path"].(string)
		if vaultPath == "" {
			report.addError(ir.Diagnostic{RuleID: "LLM-004", InstructionIndex: instr.Index,
				Message: "LLM_CALL vault-path must be present"})
		}
		if _, ok := cfg["prompt_template_runtime_constructed"]; ok {
			report.addError(ir.Diagnostic{RuleID: "LLM-005", InstructionIndex: instr.Index,
				Message: "prompt templates must never be constructed at runtime, only their named slots filled"})
		}
	}
}

// checkPreconditions implements PRE-001.
func checkPreconditions(reg *registry.Registry, artifact *ir.Artifact, report *Report) {
	if reg == nil {
		return
	}
	for _, instr := range artifact.Instructions {
		if !instr.Opcode.IsServiceCall() || instr.ServiceID == "" {
			continue
		}
		manifest, err := reg.Find(instr.ServiceID, instr.ServiceVersion)
		if err != nil {
			continue
		}
		for _, pre := range manifest.Preconditions {
			provable := literalOperandsPresent(instr)
			if !provable {
				if pre.StrictAtCompileTime {
					report.addError(ir.Diagnostic{RuleID: "PRE-001", InstructionIndex: instr.Index, ServiceID: instr.ServiceID,
						Message:     fmt.Sprintf("precondition %q could not be statically proved", pre.Predicate),
						Remediation: "supply literal operand values or relax strict-at-compile-time"})
				} else {
					report.addWarning(ir.Diagnostic{RuleID: "PRE-001", InstructionIndex: instr.Index, ServiceID: instr.ServiceID,
						Message: fmt.Sprintf("precondition %q not statically proved; inserting implicit runtime assertion", pre.Predicate)})
				}
			}
		}
	}
}

func literalOperandsPresent(instr *ir.Instruction) bool {
	return len(instr.Operands) > 0
}

// checkSafetyConstraints implements SAFE-<id>.
func checkSafetyConstraints(reg *registry.Registry, artifact *ir.Artifact, report *Report) {
	if reg == nil {
		return
	}
	for _, instr := range artifact.Instructions {
		if !instr.Opcode.IsServiceCall() || instr.ServiceID == "" {
			continue
		}
		manifest, err := reg.Find(instr.ServiceID, instr.ServiceVersion)
		if err != nil {
			continue
		}
		for _, sc := range manifest.SafetyConstraints {
			if !predicateViolated(sc.Predicate, instr.Operands) {
				continue
			}
			d := ir.Diagnostic{RuleID: "SAFE-" + sc.ID, InstructionIndex: instr.Index, ServiceID: instr.ServiceID,
				Message: fmt.Sprintf("safety constraint %q violated by literal operands", sc.Predicate)}
			if sc.Level == ir.SafetyWarn {
				report.addWarning(d)
			} else {
				report.addError(d)
			}
		}
	}
}

// checkReversibility implements REV-001.
func checkReversibility(reg *registry.Registry, artifact *ir.Artifact, report *Report) {
	if reg == nil {
		return
	}
	for _, instr := range artifact.Instructions {
		if !instr.Opcode.IsServiceCall() || instr.ServiceID == "" {
			continue
		}
		manifest, err := reg.Find(instr.ServiceID, instr.ServiceVersion)
		if err != nil || manifest.Reversible {
			continue
		}
		if instr.Fallback != "" || manifest.RequiresHumanConfirmation {
			continue
		}
		report.addWarning(ir.Diagnostic{RuleID: "REV-001", InstructionIndex: instr.Index, ServiceID: instr.ServiceID,
			Message:     "non-reversible service has neither a fallback path nor a human-confirmation checkpoint",
			Remediation: "set manifest.requires-human-confirmation or attach a fallback instruction"})
	}
}
