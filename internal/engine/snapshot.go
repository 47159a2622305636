package engine

import (
	"encoding/json"
	"strings"

	"github.com/jkaninda/tripwire/internal/domain"
)

// MaxSnapshotBytes bounds the payload JSON persisted with each log entry.
const MaxSnapshotBytes = 4096

// Snapshot encodes payload as JSON no larger than limit bytes. Oversized
// payloads are replaced by an object carrying a "truncated" marker, the
// original size and a prefix of the encoding.
func Snapshot(payload domain.Payload, limit int) json.RawMessage {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw, _ = json.Marshal(map[string]any{"error": "payload not encodable: " + err.Error()})
	}
	if len(raw) <= limit {
		return raw
	}

	preview := strings.ToValidUTF8(string(raw[:limit/3]), "")
	out, _ := json.Marshal(map[string]any{
		"truncated":      true,
		"original_bytes": len(raw),
		"preview":        preview,
	})
	if len(out) > limit {
		out, _ = json.Marshal(map[string]any{"truncated": true, "original_bytes": len(raw)})
	}
	return out
}
