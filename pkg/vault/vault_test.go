package vault

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvVault_FetchSecret_EnvPrefix(t *testing.T) {
	t.Setenv("LLM_IR_TEST_SECRET", "super-secret-value")

	v := NewEnvVault()
	secret, err := v.FetchSecret(context.Background(), "env:LLM_IR_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "super-secret-value", secret.Value)
	assert.Equal(t, SourceEnv, secret.Source)
}

func TestEnvVault_FetchSecret_NormalizesPath(t *testing.T) {
	t.Setenv("SERVICES_LLM_OPENAI_KEY", "sk-test-key")

	v := NewEnvVault()
	secret, err := v.FetchSecret(context.Background(), "services/llm/openai-key")
	require.NoError(t, err)
	assert.Equal(t, "sk-test-key", secret.Value)
}

func TestEnvVault_FetchSecret_Missing(t *testing.T) {
	v := NewEnvVault()
	_, err := v.FetchSecret(context.Background(), "env:LLM_IR_TEST_DOES_NOT_EXIST")
	require.Error(t, err)

	var notFound *ErrSecretNotFound
	assert.True(t, errors.As(err, &notFound))
}

func TestEnvVault_FetchSecret_CachesAfterFirstFetch(t *testing.T) {
	t.Setenv("LLM_IR_TEST_CACHED", "v1")

	v := NewEnvVault()
	first, err := v.FetchSecret(context.Background(), "env:LLM_IR_TEST_CACHED")
	require.NoError(t, err)
	assert.Equal(t, SourceEnv, first.Source)

	t.Setenv("LLM_IR_TEST_CACHED", "v2")
	second, err := v.FetchSecret(context.Background(), "env:LLM_IR_TEST_CACHED")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, "v1", second.Value)
}

func TestSecret_StringRedactsValue(t *testing.T) {
	s := Secret{Value: "top-secret", Source: SourceEnv}
	assert.NotContains(t, s.String(), "top-secret")
	assert.Contains(t, s.String(), "redacted")
}

func TestEnvVault_FetchSecret_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := NewEnvVault()
	_, err := v.FetchSecret(ctx, "env:ANYTHING")
	require.Error(t, err)
	assert.Equal(t, context.Canceled, err)
}
