// Package envelope builds and verifies the signed, time-boxed request
// envelopes handed to the phone for approval.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/puffer/broker/pkg/crypto"
	"github.com/Mindburn-Labs/puffer/broker/pkg/requests"
)

// Version is the envelope protocol version.
const Version = "1"

// NonceBytes is the entropy carried by every envelope nonce.
const NonceBytes = 16

// ErrInvalidSignature is returned by Verify on a MAC mismatch.
var ErrInvalidSignature = errors.New("envelope: invalid signature")

// Payload is every signed field of an envelope.
type Payload struct {
	Version           string          `json:"version"`
	RequestID         string          `json:"request_id"`
	Type              requests.Type   `json:"type"`
	BankID            string          `json:"bank_id"`
	Params            requests.Params `json:"params"`
	IssuedAt          string          `json:"issued_at"`
	ApprovalExpiresAt string          `json:"approval_expires_at"`
	Nonce             string          `json:"nonce"`
}

// Signed is a payload plus its signature, exactly as served to the phone.
type Signed struct {
	Payload
	Signature string `json:"signature"`
}

// Builder issues envelopes.
type Builder struct {
	signer      crypto.Signer
	approvalTTL time.Duration
	nonce       func() (string, error)
}

// NewBuilder returns a Builder that signs with signer and gives the phone
// approvalTTL to decide.
func NewBuilder(signer crypto.Signer, approvalTTL time.Duration) *Builder {
	return &Builder{
		signer:      signer,
		approvalTTL: approvalTTL,
		nonce:       func() (string, error) { return crypto.NewNonce(NonceBytes) },
	}
}

// Build creates and signs an envelope issued at now.
func (b *Builder) Build(requestID string, params requests.Params, now time.Time) (*Signed, error) {
	nonce, err := b.nonce()
	if err != nil {
		return nil, err
	}
	issued := requests.Truncate(now)
	payload := Payload{
		Version:           Version,
		RequestID:         requestID,
		Type:              requests.TypeStatement,
		BankID:            requests.BankDefault,
		Params:            params,
		IssuedAt:          requests.FormatTime(issued),
		ApprovalExpiresAt: requests.FormatTime(issued.Add(b.approvalTTL)),
		Nonce:             nonce,
	}
	sig, err := b.signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}
	return &Signed{Payload: payload, Signature: sig}, nil
}

// Verify checks the envelope signature.
func Verify(signer crypto.Signer, env *Signed) error {
	ok, err := signer.Verify(env.Payload, env.Signature)
	if err != nil {
		return fmt.Errorf("verify envelope: %w", err)
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}

// Marshal renders the envelope as stored and served.
func (s *Signed) Marshal() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Parse decodes a stored envelope.
func Parse(raw string) (*Signed, error) {
	var s Signed
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	return &s, nil
}
