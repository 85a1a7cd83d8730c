package config

import "sync"

// BuiltinConfig holds masking patterns and code-maskers shipped with the
// binary, independent of any fleet-specific YAML. Used by the Vault
// collaborator and the Audit Chain to redact sensitive values before they
// are logged or persisted.
type BuiltinConfig struct {
	MaskingPatterns map[string]MaskingPattern
	PatternGroups   map[string][]string
	CodeMaskers     []string
}

var (
	builtinOnce   sync.Once
	builtinConfig *BuiltinConfig
)

// GetBuiltinConfig returns the process-wide built-in masking configuration,
// building it lazily on first use.
func GetBuiltinConfig() *BuiltinConfig {
	builtinOnce.Do(func() {
		builtinConfig = defaultBuiltinConfig()
	})
	return builtinConfig
}

func defaultBuiltinConfig() *BuiltinConfig {
	patterns := map[string]MaskingPattern{
		"api_key": {
			Pattern:     `(?i)api[_-]?key["']?\s*[:=]\s*["']?[A-Za-z0-9_\-]{12,}`,
			Replacement: "[MASKED_API_KEY]",
			Description: "Generic API key assignment",
		},
		"password": {
			Pattern:     `(?i)password["']?\s*[:=]\s*["']?[^\s"']{8,}`,
			Replacement: "[MASKED_PASSWORD]",
			Description: "Generic password assignment",
		},
		"certificate": {
			Pattern:     `-----BEGIN CERTIFICATE-----[\s\S]*?-----END CERTIFICATE-----`,
			Replacement: "[MASKED_CERTIFICATE]",
			Description: "PEM-encoded certificate block",
		},
		"certificate_authority_data": {
			Pattern:     `(?i)certificate-authority-data:\s*[A-Za-z0-9+/=]{16,}`,
			Replacement: "[MASKED_CA_CERTIFICATE]",
			Description: "Kubeconfig-style CA data field",
		},
		"token": {
			Pattern:     `(?i)bearer:?\s+[A-Za-z0-9_\-\.]{16,}`,
			Replacement: "[MASKED_TOKEN]",
			Description: "Bearer token",
		},
		"email": {
			Pattern:     `[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`,
			Replacement: "[MASKED_EMAIL]",
			Description: "Email address",
		},
		"ssh_key": {
			Pattern:     `ssh-(?:rsa|ed25519|dss) [A-Za-z0-9+/=]{16,}(?: \S+)?`,
			Replacement: "[MASKED_SSH_KEY]",
			Description: "SSH public key",
		},
		"private_key": {
			Pattern:     `(?i)private_key["']?\s*[:=]\s*["']?[A-Za-z0-9_\-]{12,}`,
			Replacement: "[MASKED_PRIVATE_KEY]",
			Description: "Private key field (non-PEM)",
		},
		"secret_key": {
			Pattern:     `(?i)secret_key["']?\s*[:=]\s*["']?[A-Za-z0-9_\-]{12,}`,
			Replacement: "[MASKED_SECRET_KEY]",
			Description: "Generic secret key field",
		},
		"aws_access_key": {
			Pattern:     `(?i)aws_access_key_id["']?\s*[:=]\s*["']?AKIA[A-Z0-9]{12,}`,
			Replacement: "[MASKED_AWS_KEY]",
			Description: "AWS access key id",
		},
		"aws_secret_key": {
			Pattern:     `(?i)aws_secret_access_key["']?\s*[:=]\s*["']?[A-Za-z0-9/+=]{30,}`,
			Replacement: "[MASKED_AWS_SECRET]",
			Description: "AWS secret access key",
		},
		"github_token": {
			Pattern:     `ghp_[A-Za-z0-9_]{20,}`,
			Replacement: "[MASKED_GITHUB_TOKEN]",
			Description: "GitHub personal access token",
		},
		"slack_token": {
			Pattern:     `xox[bap]-[A-Za-z0-9\-]{10,}`,
			Replacement: "[MASKED_SLACK_TOKEN]",
			Description: "Slack bot/app/user token",
		},
		"base64_secret": {
			Pattern:     `[A-Za-z0-9+/]{40,}={0,2}`,
			Replacement: "[MASKED_BASE64_VALUE]",
			Description: "Long base64-encoded value, likely a secret",
		},
		"base64_short": {
			Pattern:     `(?i)key:\s*[A-Za-z0-9+/]{4,20}={1,2}`,
			Replacement: "[MASKED_SHORT_BASE64]",
			Description: "Short base64-encoded value keyed under a 'key' field",
		},
	}

	all := make([]string, 0, len(patterns))
	for name := range patterns {
		all = append(all, name)
	}

	return &BuiltinConfig{
		MaskingPatterns: patterns,
		PatternGroups: map[string][]string{
			"basic":   {"api_key", "password"},
			"secrets": {"api_key", "password", "token", "private_key", "secret_key"},
			"security": {
				"api_key", "password", "token", "email",
				"certificate", "private_key", "secret_key",
			},
			"cloud": {"aws_access_key", "aws_secret_key", "github_token", "slack_token"},
			"all":   all,
		},
		CodeMaskers: nil,
	}
}
