package ir

import "regexp"

// idPattern matches the kebab-case id grammar every ServiceManifest id must
// satisfy: "[a-z0-9-]+(\.[a-z0-9-]+)*".
var idPattern = regexp.MustCompile(`^[a-z0-9-]+(\.[a-z0-9-]+)*$`)

// semverPattern matches MAJOR.MINOR.PATCH.
var semverPattern = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)$`)

// ValidManifestID reports whether id satisfies the manifest id grammar.
func ValidManifestID(id string) bool { return idPattern.MatchString(id) }

// ValidSemver reports whether v satisfies MAJOR.MINOR.PATCH.
func ValidSemver(v string) bool { return semverPattern.MatchString(v) }

// ParseSemver splits a validated semver string into its three components.
func ParseSemver(v string) (major, minor, patch int, ok bool) {
	m := semverPattern.FindStringSubmatch(v)
	if m == nil {
		return 0, 0, 0, false
	}
	major = atoi(m[1])
	minor = atoi(m[2])
	patch = atoi(m[3])
	return major, minor, patch, true
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}

// Tier is a node execution tier.
type Tier string

const (
	TierCentral Tier = "CENTRAL"
	TierLinux   Tier = "LINUX"
	TierMCU     Tier = "MCU"
	TierAny     Tier = "ANY"
)

// PortType is the semantic type of a manifest input/output port.
type PortType string

const (
	PortString PortType = "string"
	PortNumber PortType = "number"
	PortBool   PortType = "boolean"
	PortArray  PortType = "array"
	PortObject PortType = "object"
	PortBuffer PortType = "buffer"
	PortStream PortType = "stream"
	PortAny    PortType = "any"
)

// Port describes one declared input or output of a service manifest.
type Port struct {
	Name     string      `json:"name"`
	Type     PortType    `json:"type"`
	Required bool        `json:"required"`
	Default  interface{} `json:"default,omitempty"`
}

// SafetyLevel is the enforcement level of a manifest safety constraint.
type SafetyLevel string

const (
	SafetyWarn  SafetyLevel = "warn"
	SafetyError SafetyLevel = "error"
	SafetyBlock SafetyLevel = "block"
)

// SafetyConstraint is a named predicate the Formal Verifier (SAFE-<id>)
// or, when it cannot be proved at compile time, the VM itself must
// enforce before a call executes.
type SafetyConstraint struct {
	ID        string      `json:"id"`
	Level     SafetyLevel `json:"level"`
	Predicate string      `json:"predicate"`
}

// Precondition is a formal predicate the Formal Verifier's PRE-001 rule
// attempts to prove against literal operand values at compile time.
type Precondition struct {
	Predicate          string `json:"predicate"`
	StrictAtCompileTime bool  `json:"strict_at_compile_time"`
}

// Postcondition is a formal predicate checked by the service executor or,
// for physical actions, the VM's physical-action handler.
type Postcondition struct {
	Predicate string `json:"predicate"`
}

// BehavioralContract is a manifest's declared runtime behaviour.
type BehavioralContract struct {
	Deterministic         bool        `json:"deterministic"`
	Idempotent            bool        `json:"idempotent"`
	HasExternalSideEffects bool       `json:"has_external_side_effects"`
	NominalLatencyMS      int         `json:"nominal_latency_ms"`
	HardTimeoutMS         int         `json:"hard_timeout_ms"`
	RetryPolicy           RetryPolicy `json:"retry_policy"`
}

// NodeRequirements declares what a node must provide to run a manifest's
// descriptors.
type NodeRequirements struct {
	Tiers               []Tier   `json:"tiers"`
	MemoryMB            int      `json:"memory_mb"`
	RequiresVault       bool     `json:"requires_vault"`
	RequiresInternet    bool     `json:"requires_internet"`
	PhysicalProtocols   []string `json:"physical_protocols,omitempty"`
	RequiredConnectors  []string `json:"required_connectors,omitempty"`
}

// DescriptorFormat names one of the nine supported execution descriptor
// variants.
type DescriptorFormat string

const (
	FormatEmbeddedScript DescriptorFormat = "EmbeddedScript"
	FormatNative         DescriptorFormat = "Native"
	FormatContainer      DescriptorFormat = "Container"
	FormatWasm           DescriptorFormat = "Wasm"
	FormatHTTP           DescriptorFormat = "Http"
	FormatGRPC           DescriptorFormat = "Grpc"
	FormatToolProtocol   DescriptorFormat = "ToolProtocol"
	FormatConnector      DescriptorFormat = "Connector"
	FormatLLMCall        DescriptorFormat = "LlmCall"
)

// ExecutionDescriptor is a format-specific instruction block telling an
// executor exactly how to invoke a service. Config carries the
// format-specific fields (e.g. for LlmCall: provider, model, system_prompt,
// max_tokens, vault_path, ...); the executor registry decodes Config
// according to Format.
type ExecutionDescriptor struct {
	Format           DescriptorFormat       `json:"format"`
	CompatibleTiers  []Tier                 `json:"compatible_tiers"`
	Config           map[string]interface{} `json:"config"`
}

// CompatibleWith reports whether the descriptor can run on tier (exact
// match or the descriptor declares ANY).
func (d ExecutionDescriptor) CompatibleWith(tier Tier) bool {
	for _, t := range d.CompatibleTiers {
		if t == tier || t == TierAny {
			return true
		}
	}
	return false
}

// ServiceManifest is the declarative record describing a service's ports,
// descriptors, node requirements, and behavioural contract. Identified by
// (ID, Version); latest resolves to the highest semver.
type ServiceManifest struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Category string `json:"category"`

	InputPorts  []Port `json:"input_ports"`
	OutputPorts []Port `json:"output_ports"`

	Descriptors []ExecutionDescriptor `json:"descriptors"` // ordered by preference

	NodeRequirements NodeRequirements `json:"node_requirements"`
	Contract         BehavioralContract `json:"contract"`

	Preconditions  []Precondition     `json:"preconditions,omitempty"`
	Postconditions []Postcondition    `json:"postconditions,omitempty"`
	SafetyConstraints []SafetyConstraint `json:"safety_constraints,omitempty"`

	RequiresHumanConfirmation bool `json:"requires_human_confirmation"`
	Reversible                bool `json:"reversible"`

	Trusted   bool   `json:"trusted"`
	Signature string `json:"signature,omitempty"`
}

// Validate checks the manifest invariants from the data model: at least
// one input port, one output port, one descriptor; a well-formed id and
// semver version.
func (m *ServiceManifest) Validate() []string {
	var errs []string
	if !ValidManifestID(m.ID) {
		errs = append(errs, "id must match kebab-case [a-z0-9-]+(\\.[a-z0-9-]+)*")
	}
	if !ValidSemver(m.Version) {
		errs = append(errs, "version must match MAJOR.MINOR.PATCH")
	}
	if len(m.InputPorts) == 0 {
		errs = append(errs, "manifest must declare at least one input port")
	}
	if len(m.OutputPorts) == 0 {
		errs = append(errs, "manifest must declare at least one output port")
	}
	if len(m.Descriptors) == 0 {
		errs = append(errs, "manifest must declare at least one execution descriptor")
	}
	return errs
}
