package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Idempotency record states.
const (
	IdempotencyInProgress = "in_progress"
	IdempotencySucceeded  = "succeeded"
	IdempotencyFailed     = "failed"
)

// IdempotencyRecord tracks one confirm attempt keyed by
// (caller, endpoint, key). Once succeeded, the fingerprint and cached
// response are frozen.
type IdempotencyRecord struct {
	UserID      string          `json:"user_id"`
	Endpoint    string          `json:"endpoint"`
	Key         string          `json:"key"`
	Fingerprint string          `json:"fingerprint"`
	Status      string          `json:"status"`
	Response    json.RawMessage `json:"response,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Fingerprint produces a deterministic SHA-256 hex digest over the canonical
// JSON serialization of the payload. Canonical means object keys sorted
// lexicographically, which encoding/json guarantees for maps; the payload is
// round-tripped through a generic value so struct field order cannot leak
// into the hash. Payloads must not contain floating-point values.
func Fingerprint(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}

	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("marshal canonical payload: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
