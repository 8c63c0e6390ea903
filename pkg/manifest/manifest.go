// Package manifest parses, verifies and produces the signed completion
// manifests that accompany statements dropped into the inbox.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/puffer/broker/pkg/canonicalize"
	"github.com/Mindburn-Labs/puffer/broker/pkg/crypto"
)

// Suffix identifies manifest files in the inbox.
const Suffix = ".manifest.json"

// Version is the manifest version written by this module.
const Version = "1"

var (
	// ErrMalformed means the file is not (yet) a usable manifest.
	ErrMalformed = errors.New("manifest: malformed")
	// ErrUnsupportedVersion means the manifest targets another protocol major.
	ErrUnsupportedVersion = errors.New("manifest: unsupported version")
)

var (
	compiled          = mustCompile()
	supportedVersions = mustConstraint("1.x")
)

func mustCompile() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("manifest schema load failed: %v", err))
	}
	return c.MustCompile(schemaURL)
}

func mustConstraint(expr string) *semver.Constraints {
	c, err := semver.NewConstraint(expr)
	if err != nil {
		panic(err)
	}
	return c
}

// Manifest is a completion manifest. Fields holds every received field except
// the signature, verbatim, which is what the signature covers.
type Manifest struct {
	Version     string `json:"version"`
	RequestID   string `json:"request_id"`
	Filename    string `json:"filename"`
	SHA256      string `json:"sha256"`
	Bytes       int64  `json:"bytes"`
	CompletedAt string `json:"completed_at"`
	Nonce       string `json:"nonce"`
	Signature   string `json:"signature"`

	Fields map[string]any `json:"-"`
	Raw    []byte         `json:"-"`
}

// Parse decodes and validates raw manifest bytes. ErrMalformed is returned
// when request_id, filename or signature is absent or the JSON is invalid.
func Parse(raw []byte) (*Manifest, error) {
	obj, err := canonicalize.DecodeObject(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := compiled.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if m.Version != "" {
		v, err := semver.NewVersion(m.Version)
		if err != nil || !supportedVersions.Check(v) {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, m.Version)
		}
	}

	delete(obj, "signature")
	m.Fields = obj
	m.Raw = raw
	return &m, nil
}

// Verify reports whether the signature covers the received fields.
func Verify(signer crypto.Signer, m *Manifest) (bool, error) {
	fields := m.Fields
	if fields == nil {
		fields = m.payload()
	}
	return signer.Verify(fields, m.Signature)
}

// Sign fills in the signature over the typed fields and returns the JSON
// document to write next to the artifact.
func Sign(signer crypto.Signer, m *Manifest) ([]byte, error) {
	if m.Version == "" {
		m.Version = Version
	}
	payload := m.payload()
	sig, err := signer.Sign(payload)
	if err != nil {
		return nil, err
	}
	m.Signature = sig
	m.Fields = payload
	out, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	m.Raw = out
	return out, nil
}

func (m *Manifest) payload() map[string]any {
	return map[string]any{
		"version":      m.Version,
		"request_id":   m.RequestID,
		"filename":     m.Filename,
		"sha256":       m.SHA256,
		"bytes":        m.Bytes,
		"completed_at": m.CompletedAt,
		"nonce":        m.Nonce,
	}
}

// IsManifestName reports whether a directory entry looks like a manifest.
func IsManifestName(name string) bool {
	return strings.HasSuffix(name, Suffix) && len(name) > len(Suffix)
}
