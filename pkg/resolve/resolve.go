// Package resolve implements Component C, Stage 7 of the pipeline: binding
// every unresolved service-calling instruction in an artifact to a concrete
// execution descriptor by querying Component A (pkg/registry).
package resolve

import (
	"fmt"

	"github.com/llm-ir/svm/pkg/ir"
	"github.com/llm-ir/svm/pkg/registry"
)

// Resolver binds service calls against a registry.
type Resolver struct {
	registry *registry.Registry
}

// New returns a Resolver backed by reg.
func New(reg *registry.Registry) *Resolver {
	return &Resolver{registry: reg}
}

// Result is Stage 7's output: the mutated artifact plus every diagnostic
// accumulated across the pass. Resolve fails compilation (returns a non-nil
// error) iff at least one instruction remains unresolvable.
type Result struct {
	Diagnostics []ir.Diagnostic
}

// Resolve walks every instruction in artifact.Instructions and, for each
// service-calling opcode, looks up its manifest, resolves a descriptor for
// the instruction's required tier (defaulting to CENTRAL), and attaches
// DispatchMetadata in place. Errors are accumulated across the whole pass,
// matching the "aggregated, not first-error" error model (§7).
func Resolve(reg *registry.Registry, artifact *ir.Artifact) (*Result, error) {
	r := New(reg)
	return r.Resolve(artifact)
}

func (r *Resolver) Resolve(artifact *ir.Artifact) (*Result, error) {
	result := &Result{}
	unresolved := 0

	for _, instr := range artifact.Instructions {
		if !instr.Opcode.IsServiceCall() {
			continue
		}

		tier := ir.Tier(instr.RequiredTier)
		if tier == "" {
			tier = ir.TierCentral
		}

		manifest, descriptor, err := r.registry.ResolveForNode(instr.ServiceID, instr.ServiceVersion, tier)
		if err != nil {
			unresolved++
			result.Diagnostics = append(result.Diagnostics, diagnosticFor(instr.Index, instr.ServiceID, err))
			continue
		}

		instr.Dispatch = &ir.DispatchMetadata{
			Format:               string(descriptor.Format),
			SelectedDescriptor:   descriptor.Config,
			TimeoutMS:            manifest.Contract.HardTimeoutMS,
			RetryPolicy:          manifest.Contract.RetryPolicy,
			TargetTier:           string(tier),
			ServiceID:            manifest.ID,
			ServiceVersion:       manifest.Version,
			RequiredCapabilities: capabilitiesFor(manifest),
		}
	}

	if unresolved > 0 {
		return result, fmt.Errorf("service resolution failed: %d instruction(s) could not be resolved", unresolved)
	}
	return result, nil
}

func capabilitiesFor(m *ir.ServiceManifest) []string {
	var caps []string
	if m.NodeRequirements.RequiresInternet {
		caps = append(caps, "internet")
	}
	if m.NodeRequirements.RequiresVault {
		caps = append(caps, "vault")
	}
	for _, p := range m.NodeRequirements.PhysicalProtocols {
		caps = append(caps, "physical:"+p)
	}
	for _, c := range m.NodeRequirements.RequiredConnectors {
		caps = append(caps, "connector:"+c)
	}
	if m.NodeRequirements.MemoryMB > 0 {
		caps = append(caps, fmt.Sprintf("memory:%dmb", m.NodeRequirements.MemoryMB))
	}
	return caps
}

func diagnosticFor(index int, serviceID string, err error) ir.Diagnostic {
	if tierErr, ok := err.(*registry.NoExecutorForTierError); ok {
		return ir.Diagnostic{
			RuleID:           "RESOLVE-002",
			Severity:         "error",
			InstructionIndex: index,
			ServiceID:        serviceID,
			Message:          tierErr.Error(),
			Remediation:      tierErr.Remediation(),
		}
	}
	return ir.Diagnostic{
		RuleID:           "RESOLVE-001",
		Severity:         "error",
		InstructionIndex: index,
		ServiceID:        serviceID,
		Message:          err.Error(),
		Remediation:      "register a manifest for this service-id/version before compiling",
	}
}
