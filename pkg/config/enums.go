package config

// Tier identifies a point in the fleet topology a service descriptor can
// execute on: the central orchestrator, a Linux edge node, or an MCU-class
// node. ANY is a descriptor-compatibility wildcard, never a node's own tier.
type Tier string

const (
	TierCentral Tier = "central"
	TierLinux   Tier = "linux"
	TierMCU     Tier = "mcu"
	TierAny     Tier = "any"
)

// IsValid checks if the tier is a known value.
func (t Tier) IsValid() bool {
	switch t {
	case TierCentral, TierLinux, TierMCU, TierAny:
		return true
	default:
		return false
	}
}

// SuccessPolicy defines the merge policy a PARALLEL_MERGE instruction (or a
// distribution-plan sync point) applies to its fanned-out branches.
type SuccessPolicy string

const (
	// SuccessPolicyAll requires every branch to succeed before merging.
	SuccessPolicyAll SuccessPolicy = "all"
	// SuccessPolicyAny merges as soon as one branch succeeds (default).
	SuccessPolicyAny SuccessPolicy = "any"
)

// IsValid checks if the success policy is valid.
func (p SuccessPolicy) IsValid() bool {
	return p == SuccessPolicyAll || p == SuccessPolicyAny
}

// TransportType defines ToolProtocol/Connector transport kinds.
type TransportType string

const (
	// TransportTypeStdio uses subprocess communication via stdin/stdout.
	TransportTypeStdio TransportType = "stdio"
	// TransportTypeHTTP uses HTTP/HTTPS JSON-RPC.
	TransportTypeHTTP TransportType = "http"
	// TransportTypeSSE uses Server-Sent Events.
	TransportTypeSSE TransportType = "sse"
)

// IsValid checks if the transport type is valid.
func (t TransportType) IsValid() bool {
	return t == TransportTypeStdio || t == TransportTypeHTTP || t == TransportTypeSSE
}

// LLMProviderType defines supported LLM providers for the LlmCall descriptor.
type LLMProviderType string

const (
	LLMProviderTypeGoogle    LLMProviderType = "google"
	LLMProviderTypeOpenAI    LLMProviderType = "openai"
	LLMProviderTypeAnthropic LLMProviderType = "anthropic"
	LLMProviderTypeXAI       LLMProviderType = "xai"
	LLMProviderTypeVertexAI  LLMProviderType = "vertexai"
)

// IsValid checks if the LLM provider type is valid.
func (t LLMProviderType) IsValid() bool {
	switch t {
	case LLMProviderTypeGoogle,
		LLMProviderTypeOpenAI,
		LLMProviderTypeAnthropic,
		LLMProviderTypeXAI,
		LLMProviderTypeVertexAI:
		return true
	default:
		return false
	}
}

// GoogleNativeTool defines Google/Gemini native tools usable from an
// LlmCall descriptor without going through a ToolProtocol executor.
type GoogleNativeTool string

const (
	GoogleNativeToolGoogleSearch  GoogleNativeTool = "google_search"
	GoogleNativeToolCodeExecution GoogleNativeTool = "code_execution"
	GoogleNativeToolURLContext    GoogleNativeTool = "url_context"
)

// IsValid checks if the Google native tool is valid.
func (t GoogleNativeTool) IsValid() bool {
	return t == GoogleNativeToolGoogleSearch ||
		t == GoogleNativeToolCodeExecution ||
		t == GoogleNativeToolURLContext
}
