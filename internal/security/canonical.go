package security

import (
	"encoding/json"
	"fmt"
	"time"

	canonicaljson "github.com/gibson042/canonicaljson-go"

	"github.com/praxis/a2a-router/internal/a2a"
)

// MarshalCanonical marshals v to canonical JSON (JCS).
func MarshalCanonical(v any) ([]byte, error) {
	return canonicaljson.Marshal(v)
}

// CanonicalizeRawJSON re-encodes raw JSON canonically, keeping fields that
// have no typed representation.
func CanonicalizeRawJSON(data []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return canonicaljson.Marshal(v)
}

// SigningPayload is the canonical form of the signed message subset:
// @context, @type, id, timestamp, from, to and body.
func SigningPayload(msg *a2a.Message) ([]byte, error) {
	var body any
	if msg.HasBody() {
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
	}

	var to any
	if len(msg.To) == 1 {
		to = msg.To[0]
	} else {
		to = []string(msg.To)
	}

	return canonicaljson.Marshal(map[string]any{
		"@context":  msg.Context,
		"@type":     string(msg.Type),
		"id":        msg.ID,
		"timestamp": msg.Timestamp.UTC().Format(time.RFC3339Nano),
		"from":      msg.From,
		"to":        to,
		"body":      body,
	})
}
