package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// PayloadHash hashes the canonical form of a JSON body: re-marshaling
// through a map sorts object keys, so retried deliveries with reordered
// fields still collide. Non-JSON bodies hash as raw bytes.
func PayloadHash(body []byte) string {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err == nil {
		if canonical, err := json.Marshal(decoded); err == nil {
			body = canonical
		}
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// ResourceID pulls the entity id out of a delivery payload.
func ResourceID(body []byte) int64 {
	var payload struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0
	}
	return payload.ID
}

// FallbackEventID builds a deterministic event id for deliveries that
// arrive without a delivery-id header.
func FallbackEventID(topic string, resourceID int64, payloadHash string) string {
	prefix := payloadHash
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	return fmt.Sprintf("%s_%d_%s", topic, resourceID, prefix)
}

// IsVerificationPing detects the sink's registration handshake: a bare
// form body like "webhook_id=12" instead of JSON.
func IsVerificationPing(body []byte) bool {
	s := strings.TrimSpace(string(body))
	return strings.HasPrefix(s, "webhook_id=")
}
