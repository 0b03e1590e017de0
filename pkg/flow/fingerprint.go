package flow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Argument fields that vary between otherwise-identical requests and must
// not influence the fingerprint.
var volatileArgs = map[string]bool{
	"request_id": true,
	"timestamp":  true,
	"nonce":      true,
}

// Fingerprint derives the dedup identity of a call: the same tool with the
// same canonicalized arguments, continuation, and session hashes to the same
// value regardless of key order in the incoming JSON. An empty session id
// scopes the call globally.
func Fingerprint(tool string, args map[string]interface{}, continuationID, sessionID string) string {
	if sessionID == "" {
		sessionID = "global"
	}

	var b strings.Builder
	b.WriteString(tool)
	b.WriteByte('\n')
	writeCanonical(&b, pruneVolatile(args))
	b.WriteByte('\n')
	b.WriteString(continuationID)
	b.WriteByte('\n')
	b.WriteString(sessionID)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func pruneVolatile(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		if volatileArgs[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// writeCanonical renders a JSON value with object keys sorted, so two
// semantically equal argument maps serialize identically.
func writeCanonical(b *strings.Builder, v interface{}) {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(b, "%q:", k)
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []interface{}:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	case string:
		fmt.Fprintf(b, "%q", val)
	case bool:
		fmt.Fprintf(b, "%t", val)
	case float64:
		// Integral floats render without a fraction so 2 and 2.0 match.
		if val == float64(int64(val)) {
			fmt.Fprintf(b, "%d", int64(val))
		} else {
			fmt.Fprintf(b, "%g", val)
		}
	case int:
		fmt.Fprintf(b, "%d", val)
	case int64:
		fmt.Fprintf(b, "%d", val)
	default:
		fmt.Fprintf(b, "%v", val)
	}
}
