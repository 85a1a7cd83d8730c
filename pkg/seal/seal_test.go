package seal

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/llm-ir/svm/pkg/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testArtifact() *ir.Artifact {
	dest := 1
	return &ir.Artifact{
		Instructions: []*ir.Instruction{
			{Index: 0, Opcode: ir.OpLoadResource, Dest: func() *int { z := 0; return &z }()},
			{Index: 1, Opcode: ir.OpCallService, Dest: &dest, Src: []int{0}, ServiceID: "sentiment-analyzer", ServiceVersion: "2.1.0"},
			{Index: 2, Opcode: ir.OpReturn, Src: []int{dest}},
		},
		OutputRegister: dest,
		Metadata:       ir.Metadata{CompilerVersion: "1.0.0"},
	}
}

// TestSeal_RoundTrip covers testable property 1: verify(seal(a), pub) is
// valid and deserialize(seal(a)) == a.
func TestSeal_RoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	keys := &KeyPair{Private: priv, Public: pub}

	sealed, err := Seal(testArtifact(), keys)
	require.NoError(t, err)

	result := Verify(sealed, pub)
	assert.True(t, result.Valid)

	decoded, err := Unseal(sealed, pub)
	require.NoError(t, err)
	assert.Equal(t, testArtifact().OutputRegister, decoded.OutputRegister)
	assert.Equal(t, len(testArtifact().Instructions), len(decoded.Instructions))
	assert.Equal(t, "sentiment-analyzer", decoded.Instructions[1].ServiceID)
}

// TestSeal_Deterministic covers testable property 2: sealing the same
// artifact twice with the same key pair produces byte-identical output.
func TestSeal_Deterministic(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	keys := &KeyPair{Private: priv, Public: pub}

	a := testArtifact()
	first, err := Seal(a, keys)
	require.NoError(t, err)
	second, err := Seal(a, keys)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// TestSeal_TamperDetection covers scenario E6: flipping one byte in the
// payload region invalidates the signature.
func TestSeal_TamperDetection(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	keys := &KeyPair{Private: priv, Public: pub}

	sealed, err := Seal(testArtifact(), keys)
	require.NoError(t, err)

	tampered := append([]byte(nil), sealed...)
	tampered[9] ^= 0xFF // flip a byte inside the payload region

	result := Verify(tampered, pub)
	assert.False(t, result.Valid)
	assert.Equal(t, "Ed25519 signature verification failed", result.Error)
}

// TestCheckVersion covers testable property 7: a compiler-version major
// mismatch refuses execution.
func TestCheckVersion(t *testing.T) {
	refuse, warn := CheckVersion("2.0.0", 1)
	assert.True(t, refuse)
	assert.False(t, warn)

	refuse, warn = CheckVersion("1.0.0", 1)
	assert.False(t, refuse)
	assert.False(t, warn)
}

func TestMemoryStore_PutGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	id, err := store.Put(ctx, []byte("sealed-bytes"))
	require.NoError(t, err)
	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed-bytes"), got)
}
