// Package signer produces Ed25519-signed envelopes around event payloads,
// the last step before an event is broadcast to subscribers. Stored events
// and the backup projection are not signed.
package signer

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// devPlaceholderSeed is a development-only Ed25519 seed. Production
// deployments must set CANARIA_SIGNING_KEY; this key must never sign
// anything outside a local/dev environment.
var devPlaceholderSeed = []byte{
	0x9d, 0x61, 0xb1, 0x9d, 0xef, 0xfd, 0x5a, 0x60,
	0xba, 0x84, 0x4a, 0xf4, 0x92, 0xec, 0x2c, 0xc4,
	0x44, 0x49, 0xc5, 0x69, 0x7b, 0x32, 0x69, 0x19,
	0x70, 0x3b, 0xac, 0x03, 0x1c, 0xae, 0x7f, 0x60,
}

// Envelope is the signed wrapper returned by Sign, matching the
// {payload, signature, timestamp} shape sent over the wire.
type Envelope struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

// Signer holds a single Ed25519 private key loaded once at construction.
type Signer struct {
	key ed25519.PrivateKey
	pub ed25519.PublicKey
}

// New loads the signing key from CANARIA_SIGNING_KEY (base64 or hex encoded
// 32-byte seed); if unset, it falls back to the development placeholder.
func New() (*Signer, error) {
	raw := strings.TrimSpace(os.Getenv("CANARIA_SIGNING_KEY"))
	if raw == "" {
		return fromSeed(devPlaceholderSeed), nil
	}

	seed, err := decodeSeed(raw)
	if err != nil {
		return nil, fmt.Errorf("decode CANARIA_SIGNING_KEY: %w", err)
	}
	return fromSeed(seed), nil
}

func decodeSeed(raw string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) == ed25519.SeedSize {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(raw); err == nil && len(decoded) == ed25519.SeedSize {
		return decoded, nil
	}
	return nil, fmt.Errorf("signing key must be a base64 or hex encoded %d-byte seed", ed25519.SeedSize)
}

func fromSeed(seed []byte) *Signer {
	key := ed25519.NewKeyFromSeed(seed)
	return &Signer{key: key, pub: key.Public().(ed25519.PublicKey)}
}

// PublicKey returns the public half of the signing key, hex-encoded, for
// distribution to verifying clients.
func (s *Signer) PublicKey() string {
	return hex.EncodeToString(s.pub)
}

// Sign produces a signed envelope over value's canonical serialization.
// Identical inputs always yield an identical signature for the same key.
func (s *Signer) Sign(value interface{}) (*Envelope, error) {
	payload, err := canonicalJSON(value)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}

	sig := ed25519.Sign(s.key, []byte(payload))

	return &Envelope{
		Payload:   payload,
		Signature: base64.StdEncoding.EncodeToString(sig),
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// Verify checks a payload/signature pair against this signer's public key;
// exported chiefly for tests, since verifying clients hold the public key
// independently.
func (s *Signer) Verify(payload, signatureB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(s.pub, []byte(payload), sig)
}

// canonicalJSON produces a deterministic string serialization: object keys
// sorted recursively, no extraneous whitespace. json.Marshal already sorts
// map keys, so the recursive normalization only has to apply to
// non-map-typed structs serialized field-order-first; round-tripping through
// map[string]interface{} guarantees the sort applies uniformly regardless of
// the concrete input type.
func canonicalJSON(value interface{}) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}

	var buf strings.Builder
	if err := encodeCanonical(&buf, generic); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func encodeCanonical(buf *strings.Builder, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyJSON)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(encoded)
		return nil
	}
}
