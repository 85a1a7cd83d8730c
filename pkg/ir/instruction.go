// Package ir defines the data model the compiler pipeline and the semantic
// VM share: typed register-based instructions, the artifact that owns
// them, service manifests and their execution descriptors, and the
// distribution plan that partitions an artifact across a fleet. Every
// pipeline stage (registry, resolve, verify, seal, plan) and the VM itself
// operate on these types; none of them depend on each other.
package ir

// Opcode identifies an IR instruction's operation.
type Opcode string

const (
	OpLoadResource  Opcode = "LOAD_RESOURCE"
	OpStoreMemory   Opcode = "STORE_MEMORY"
	OpValidate      Opcode = "VALIDATE"
	OpBranch        Opcode = "BRANCH"
	OpLoop          Opcode = "LOOP"
	OpJump          Opcode = "JUMP"
	OpCallService   Opcode = "CALL_SERVICE"
	OpCallAction    Opcode = "CALL_ACTION"
	OpCallTool      Opcode = "CALL_TOOL"
	OpTransform     Opcode = "TRANSFORM"
	OpAggregate     Opcode = "AGGREGATE"
	OpFilter        Opcode = "FILTER"
	OpParallelSpawn Opcode = "PARALLEL_SPAWN"
	OpParallelMerge Opcode = "PARALLEL_MERGE"
	OpLLMCall       Opcode = "LLM_CALL"
	OpTrigger       Opcode = "TRIGGER"
	OpReturn        Opcode = "RETURN"
)

// ServiceCallingOpcodes identifies every opcode Stage C (service resolution)
// and the Formal Verifier's LLM-safety rules must inspect.
func (o Opcode) IsServiceCall() bool {
	switch o {
	case OpCallService, OpCallTool, OpLLMCall:
		return true
	default:
		return false
	}
}

// RegisterType is the symbolic type the Formal Verifier's type lattice
// assigns to a register.
type RegisterType string

const (
	TypeInt    RegisterType = "int"
	TypeFloat  RegisterType = "float"
	TypeString RegisterType = "string"
	TypeBool   RegisterType = "boolean"
	TypeBuffer RegisterType = "buffer"
	TypeObject RegisterType = "object"
	TypeAny    RegisterType = "any"
)

// ConvergenceOperator is the comparison a LOOP's convergence predicate uses.
type ConvergenceOperator string

const (
	ConvergenceEquals         ConvergenceOperator = "=="
	ConvergenceNotEquals      ConvergenceOperator = "!="
	ConvergenceLessThan       ConvergenceOperator = "<"
	ConvergenceLessOrEqual    ConvergenceOperator = "<="
	ConvergenceGreaterThan    ConvergenceOperator = ">"
	ConvergenceGreaterOrEqual ConvergenceOperator = ">="
	ConvergenceExists         ConvergenceOperator = "exists"
	ConvergenceTruthy         ConvergenceOperator = "truthy"
)

// ConvergencePredicate is evaluated against a register after every loop
// body execution; if it holds, the loop exits before max-iterations.
type ConvergencePredicate struct {
	Register int                 `json:"register"`
	Operator ConvergenceOperator `json:"operator"`
	Value    interface{}         `json:"value"`
}

// LoopOperand is the mandatory operand block of a LOOP instruction.
type LoopOperand struct {
	IteratorRegister int                   `json:"iterator_register"`
	MaxIterations    int                   `json:"max_iterations"` // must be <= 5
	TimeoutMS        int                   `json:"timeout_ms"`     // must be > 0
	BodyStartIndex   int                   `json:"body_start_index"`
	ExitIndex        int                   `json:"exit_index"`
	Convergence      *ConvergencePredicate `json:"convergence,omitempty"`
	FallbackIndex    *int                  `json:"fallback_index,omitempty"`
}

// RetryPolicy governs an executor's local retry behaviour for retriable
// runtime error codes.
type RetryPolicy struct {
	MaxAttempts int `json:"max_attempts"`
	BackoffMS   int `json:"backoff_ms"`
}

// DispatchMetadata is attached to a service-calling instruction by Stage C
// (service resolution), binding it to a concrete execution descriptor.
type DispatchMetadata struct {
	Format               string                 `json:"format"` // one of the nine descriptor tags
	SelectedDescriptor   map[string]interface{} `json:"selected_descriptor"`
	TimeoutMS            int                    `json:"timeout_ms"`
	RetryPolicy          RetryPolicy            `json:"retry_policy"`
	TargetTier           string                 `json:"target_tier"`
	ServiceID            string                 `json:"service_id"`
	ServiceVersion       string                 `json:"service_version"`
	CredentialsVaultPath string                 `json:"credentials_vault_path,omitempty"`
	RequiredCapabilities []string               `json:"required_capabilities,omitempty"`
}

// FallbackStrategy is the per-instruction runtime error-handling strategy
// chosen at compile time (§7 of the design).
type FallbackStrategy string

const (
	FallbackFailSafe           FallbackStrategy = "FAIL_SAFE"
	FallbackDegradedMode       FallbackStrategy = "DEGRADED_MODE"
	FallbackRetryWithBackoff   FallbackStrategy = "RETRY_WITH_BACKOFF"
	FallbackLLMReasoning       FallbackStrategy = "LLM_REASONING"
	FallbackSupervisedRecompile FallbackStrategy = "SUPERVISED_RECOMPILE"
)

// PriorityLevel is the compile-time-assigned arbitration level for a
// resource-consuming instruction. Lower values are higher priority.
type PriorityLevel int

const (
	PriorityCritical   PriorityLevel = 0
	PriorityHigh       PriorityLevel = 64
	PriorityNormal     PriorityLevel = 128
	PriorityLow        PriorityLevel = 192
	PriorityBackground PriorityLevel = 255
)

// PriorityPolicy is attached to each resource-consuming instruction by the
// compiler so the VM's priority arbiter can enforce contention ordering on
// a shared external resource keyed by service-id.
type PriorityPolicy struct {
	Level        PriorityLevel `json:"level"`
	Preemptible  bool          `json:"preemptible"`
	MaxWaitMS    int           `json:"max_wait_ms"`
}

// PhysicalTimeWindow restricts a CALL_ACTION to specific days/hours.
type PhysicalTimeWindow struct {
	Days  []int  `json:"days"` // 0=Sunday .. 6=Saturday; empty = every day
	Start string `json:"start"` // "HH:MM"
	End   string `json:"end"`   // "HH:MM"
	TZ    string `json:"tz"`    // IANA timezone name
}

// PhysicalPostcondition is evaluated after a physical action executes.
type PhysicalPostcondition struct {
	Register       int      `json:"register"`
	Expression     string   `json:"expression,omitempty"`
	ExpectedValue  *float64 `json:"expected_value,omitempty"`
	Tolerance      float64  `json:"tolerance,omitempty"`
	FallbackIndex  *int     `json:"fallback_index,omitempty"`
}

// PhysicalActionOperands decodes a CALL_ACTION instruction's operands.
type PhysicalActionOperands struct {
	Target                string                 `json:"target"`
	Command                string                 `json:"command"`
	Payload                map[string]interface{} `json:"payload"`
	TimeWindow             *PhysicalTimeWindow     `json:"time_window,omitempty"`
	CancellationWindowMS   int                     `json:"cancellation_window_ms,omitempty"`
	Postcondition          *PhysicalPostcondition  `json:"postcondition,omitempty"`
	RequiresHumanApproval  bool                    `json:"requires_human_approval"`
}

// Instruction is one entry of an IR artifact.
type Instruction struct {
	Index    int                    `json:"index"`
	Opcode   Opcode                 `json:"opcode"`
	Dest     *int                   `json:"dest,omitempty"`
	Src      []int                  `json:"src,omitempty"`
	Operands map[string]interface{} `json:"operands,omitempty"`

	ServiceID      string            `json:"service_id,omitempty"`
	ServiceVersion string            `json:"service_version,omitempty"`
	Dispatch       *DispatchMetadata `json:"dispatch_metadata,omitempty"`

	TargetInstruction *int   `json:"target_instruction,omitempty"`
	ParallelGroupID   string `json:"parallel_group_id,omitempty"`

	TargetNodeID         string   `json:"target_node_id,omitempty"`
	RequiredTier         string   `json:"required_tier,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	SliceID              string   `json:"slice_id,omitempty"`

	Loop     *LoopOperand      `json:"loop,omitempty"`
	Fallback FallbackStrategy  `json:"fallback,omitempty"`
	Priority *PriorityPolicy   `json:"priority,omitempty"`
}

// Diagnostic is one finding from a compilation stage (resolution or
// verification): aggregated, never raised as the first-and-only error.
type Diagnostic struct {
	RuleID            string `json:"rule_id"`
	Severity          string `json:"severity"` // "error" or "warning"
	InstructionIndex  int    `json:"instruction_index"`
	ServiceID         string `json:"service_id,omitempty"`
	Message           string `json:"message"`
	Remediation       string `json:"remediation,omitempty"`
}
