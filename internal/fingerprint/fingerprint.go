// Package fingerprint provides deterministic, HMAC-SHA256-based canonical
// hashing for audit records. It signs canonical JSON payloads under a
// run-scoped HMAC key so that fingerprints from two different runs of the
// same config never collide, and no raw secret value is ever recoverable
// from a recorded fingerprint.
package fingerprint

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the derived HMAC key length.
const KeySize = 32

// DeriveRunKey derives a per-run signing key from a run-wide secret (e.g. a
// server-held master key) and the run's ID, via HKDF-SHA256, so that every
// run's fingerprints are keyed independently without storing a raw secret
// per run.
func DeriveRunKey(masterSecret []byte, runID string) ([]byte, error) {
	reader := hkdf.New(sha256.New, masterSecret, []byte(runID), []byte("elspeth-run-fingerprint"))

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("fingerprint: derive run key: %w", err)
	}

	return key, nil
}

// Canonical computes the stable JSON canonical form of v (keys sorted via
// encoding/json's map ordering) so identical payloads yield identical
// fingerprints across runs.
func Canonical(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: canonicalize: %w", err)
	}

	return data, nil
}

// Sign computes the HMAC-SHA256 fingerprint of payload under key, returned
// as a lowercase hex string. The key is per run, so fingerprints are keyed
// rather than plain SHA-256 digests.
func Sign(key, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)

	return hex.EncodeToString(mac.Sum(nil))
}

// SignValue canonicalizes v and signs it under key in one step — the
// common case for request/response and node input/output fingerprints.
func SignValue(key []byte, v any) (string, error) {
	payload, err := Canonical(v)
	if err != nil {
		return "", err
	}

	return Sign(key, payload), nil
}

// Verify reports whether fingerprint matches payload under key, using a
// constant-time comparison (hmac.Equal) to avoid timing side channels.
func Verify(key, payload []byte, fingerprint string) bool {
	want := Sign(key, payload)

	return hmac.Equal([]byte(want), []byte(fingerprint))
}
