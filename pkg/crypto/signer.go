// Package crypto holds the shared-secret signing primitive used for every
// structure exchanged with the phone: request envelopes and completion
// manifests.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/puffer/broker/pkg/canonicalize"
)

// ErrEmptySecret is returned when a signer is built without key material.
var ErrEmptySecret = errors.New("crypto: shared secret is empty")

// Signer signs and verifies payloads.
type Signer interface {
	Sign(payload any) (string, error)
	Verify(payload any, signature string) (bool, error)
}

// HMACSigner MACs the RFC 8785 canonical form of a payload with HMAC-SHA256.
// Signatures are unpadded base64url.
type HMACSigner struct {
	secret []byte
}

// NewHMACSigner creates a signer for the given shared secret.
func NewHMACSigner(secret string) (*HMACSigner, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &HMACSigner{secret: []byte(secret)}, nil
}

// Sign returns the signature of payload.
func (s *HMACSigner) Sign(payload any) (string, error) {
	mac, err := s.mac(payload)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(mac), nil
}

// Verify reports whether signature matches payload. A malformed signature is
// a mismatch, not an error; errors are reserved for payloads that cannot be
// canonicalized.
func (s *HMACSigner) Verify(payload any, signature string) (bool, error) {
	got, err := decodeSignature(signature)
	if err != nil {
		return false, nil
	}
	want, err := s.mac(payload)
	if err != nil {
		return false, err
	}
	return hmac.Equal(got, want), nil
}

func (s *HMACSigner) mac(payload any) ([]byte, error) {
	body, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, fmt.Errorf("canonical serialization failed: %w", err)
	}
	h := hmac.New(sha256.New, s.secret)
	h.Write(body)
	return h.Sum(nil), nil
}

// decodeSignature accepts unpadded or padded base64url.
func decodeSignature(sig string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(sig); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(sig)
}

// NewNonce returns n random bytes, hex encoded.
func NewNonce(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("nonce generation failed: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
