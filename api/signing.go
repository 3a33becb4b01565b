package api

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
)

// canonicalJSON renders v with sorted keys and compact separators, the form
// downstream verifiers reconstruct before checking the response signature.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	// Round-trip through an untyped value so encoding/json sorts object keys.
	var intermediate any
	if err := json.Unmarshal(raw, &intermediate); err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	return json.Marshal(intermediate)
}

// signPayload signs the canonical form of v with the service's Ed25519 key.
func signPayload(key ed25519.PrivateKey, v any) (canonical []byte, sig []byte, err error) {
	canonical, err = canonicalJSON(v)
	if err != nil {
		return nil, nil, err
	}
	return canonical, ed25519.Sign(key, canonical), nil
}
