package registry

import "github.com/llm-ir/svm/pkg/ir"

// SeedBuiltins registers the standard library of built-in service
// manifests: the handful of services the end-to-end scenarios and testable
// properties in the specification exercise directly. Built-ins can never be
// unregistered or overwritten.
func (r *Registry) SeedBuiltins() {
	for _, m := range builtinManifests() {
		r.registerBuiltin(m)
	}
}

func builtinManifests() []*ir.ServiceManifest {
	return []*ir.ServiceManifest{
		sentimentAnalyzer(),
		githubSearch(),
		closeValve(),
		weatherLookup(),
	}
}

// sentimentAnalyzer backs scenario E1/E2. Descriptor order here exercises
// testable property 6: a WASM descriptor compatible with CENTRAL and LINUX,
// ranked ahead of an HTTP fallback compatible with CENTRAL only.
func sentimentAnalyzer() *ir.ServiceManifest {
	return &ir.ServiceManifest{
		ID:       "sentiment-analyzer",
		Version:  "2.1.0",
		Category: "nlp",
		InputPorts: []ir.Port{
			{Name: "text", Type: ir.PortString, Required: true},
		},
		OutputPorts: []ir.Port{
			{Name: "sentiment", Type: ir.PortString, Required: true},
			{Name: "score", Type: ir.PortNumber, Required: true},
		},
		Descriptors: []ir.ExecutionDescriptor{
			{
				Format:          ir.FormatWasm,
				CompatibleTiers: []ir.Tier{ir.TierCentral, ir.TierLinux},
				Config: map[string]interface{}{
					"binary_url":       "https://artifacts.internal/sentiment-analyzer-2.1.0.wasm",
					"sha256":           "0000000000000000000000000000000000000000000000000000000000000",
					"memory_pages":     16,
					"exported_function": "analyze",
				},
			},
			{
				Format:          ir.FormatHTTP,
				CompatibleTiers: []ir.Tier{ir.TierCentral},
				Config: map[string]interface{}{
					"url_template": "https://nlp.internal/v2/sentiment",
					"method":       "POST",
					"auth_scheme":  "bearer",
				},
			},
		},
		NodeRequirements: ir.NodeRequirements{
			Tiers:             []ir.Tier{ir.TierCentral, ir.TierLinux},
			MemoryMB:          32,
			RequiresInternet:  false,
		},
		Contract: ir.BehavioralContract{
			Deterministic:    true,
			Idempotent:       true,
			NominalLatencyMS: 50,
			HardTimeoutMS:    2000,
			RetryPolicy:      ir.RetryPolicy{MaxAttempts: 2, BackoffMS: 100},
		},
		Reversible: true,
	}
}

// githubSearch backs scenario E2's parallel branch.
func githubSearch() *ir.ServiceManifest {
	return &ir.ServiceManifest{
		ID:       "github-search",
		Version:  "1.0.0",
		Category: "integration",
		InputPorts: []ir.Port{
			{Name: "query", Type: ir.PortString, Required: true},
		},
		OutputPorts: []ir.Port{
			{Name: "repositories", Type: ir.PortArray, Required: true},
			{Name: "count", Type: ir.PortNumber, Required: true},
		},
		Descriptors: []ir.ExecutionDescriptor{
			{
				Format:          ir.FormatHTTP,
				CompatibleTiers: []ir.Tier{ir.TierCentral},
				Config: map[string]interface{}{
					"url_template": "https://api.github.com/search/repositories?q={query}",
					"method":       "GET",
					"auth_scheme":  "token",
				},
			},
		},
		NodeRequirements: ir.NodeRequirements{
			Tiers:            []ir.Tier{ir.TierCentral},
			MemoryMB:         16,
			RequiresInternet: true,
		},
		Contract: ir.BehavioralContract{
			Deterministic:    false,
			Idempotent:       true,
			NominalLatencyMS: 300,
			HardTimeoutMS:    5000,
			RetryPolicy:      ir.RetryPolicy{MaxAttempts: 3, BackoffMS: 200},
		},
		Reversible: true,
	}
}

// closeValve backs scenario E4/E5: a physical action with a BLOCK-level
// safety constraint and a time window, both exercised with literal operands
// the verifier and VM must evaluate without executing the side effect.
func closeValve() *ir.ServiceManifest {
	return &ir.ServiceManifest{
		ID:       "close-valve",
		Version:  "1.0.0",
		Category: "physical",
		InputPorts: []ir.Port{
			{Name: "pressure", Type: ir.PortNumber, Required: true},
		},
		OutputPorts: []ir.Port{
			{Name: "executed", Type: ir.PortBool, Required: true},
		},
		Descriptors: []ir.ExecutionDescriptor{
			{
				Format:          ir.FormatConnector,
				CompatibleTiers: []ir.Tier{ir.TierLinux, ir.TierMCU},
				Config: map[string]interface{}{
					"connector_type": "modbus",
					"operation_kind": "write_coil",
				},
			},
		},
		NodeRequirements: ir.NodeRequirements{
			Tiers:             []ir.Tier{ir.TierLinux, ir.TierMCU},
			MemoryMB:          4,
			PhysicalProtocols: []string{"modbus"},
		},
		Contract: ir.BehavioralContract{
			Deterministic:          true,
			Idempotent:             false,
			HasExternalSideEffects: true,
			NominalLatencyMS:       200,
			HardTimeoutMS:          3000,
		},
		SafetyConstraints: []ir.SafetyConstraint{
			{ID: "pressure-safety", Level: ir.SafetyBlock, Predicate: "pressure < 10"},
		},
		RequiresHumanConfirmation: true,
		Reversible:                false,
	}
}

// weatherLookup is a generic deterministic-output example used by fixtures
// and tests that need a simple non-physical service.
func weatherLookup() *ir.ServiceManifest {
	return &ir.ServiceManifest{
		ID:       "weather-lookup",
		Version:  "1.2.0",
		Category: "data",
		InputPorts: []ir.Port{
			{Name: "location", Type: ir.PortString, Required: true},
		},
		OutputPorts: []ir.Port{
			{Name: "temperature_c", Type: ir.PortNumber, Required: true},
			{Name: "conditions", Type: ir.PortString, Required: true},
		},
		Descriptors: []ir.ExecutionDescriptor{
			{
				Format:          ir.FormatHTTP,
				CompatibleTiers: []ir.Tier{ir.TierCentral, ir.TierLinux, ir.TierAny},
				Config: map[string]interface{}{
					"url_template": "https://weather.internal/v1/current?loc={location}",
					"method":       "GET",
				},
			},
		},
		NodeRequirements: ir.NodeRequirements{
			Tiers:            []ir.Tier{ir.TierAny},
			MemoryMB:         8,
			RequiresInternet: true,
		},
		Contract: ir.BehavioralContract{
			Deterministic:    false,
			Idempotent:       true,
			NominalLatencyMS: 150,
			HardTimeoutMS:    3000,
			RetryPolicy:      ir.RetryPolicy{MaxAttempts: 2, BackoffMS: 150},
		},
		Reversible: true,
	}
}
