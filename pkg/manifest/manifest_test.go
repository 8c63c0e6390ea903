package manifest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/puffer/broker/pkg/crypto"
)

func testSigner(t *testing.T) *crypto.HMACSigner {
	t.Helper()
	s, err := crypto.NewHMACSigner("test_broker_phone_shared_secret")
	require.NoError(t, err)
	return s
}

func sample() *Manifest {
	return &Manifest{
		RequestID:   "req-1",
		Filename:    "req-1-jan-2026.pdf",
		SHA256:      crypto.SHA256Hex([]byte("pdf-content")),
		Bytes:       11,
		CompletedAt: "2026-01-20T10:00:00.000Z",
		Nonce:       "req-1-nonce",
	}
}

func TestSignParseVerify(t *testing.T) {
	signer := testSigner(t)
	raw, err := Sign(signer, sample())
	require.NoError(t, err)

	m, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "1", m.Version)
	assert.Equal(t, "req-1", m.RequestID)
	assert.Equal(t, int64(11), m.Bytes)
	assert.NotContains(t, m.Fields, "signature")

	ok, err := Verify(signer, m)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_TamperedFields(t *testing.T) {
	signer := testSigner(t)
	raw, err := Sign(signer, sample())
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	doc["sha256"] = doc["sha256"].(string) + "bad"
	tampered, err := json.Marshal(doc)
	require.NoError(t, err)

	m, err := Parse(tampered)
	require.NoError(t, err)
	ok, err := Verify(signer, m)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_ExtraFieldsAreCovered(t *testing.T) {
	signer := testSigner(t)
	fields := map[string]any{
		"version":    "1",
		"request_id": "req-9",
		"filename":   "s.pdf",
		"device":     "iphone",
	}
	sig, err := signer.Sign(fields)
	require.NoError(t, err)
	fields["signature"] = sig
	raw, err := json.Marshal(fields)
	require.NoError(t, err)

	m, err := Parse(raw)
	require.NoError(t, err)
	ok, err := Verify(signer, m)
	require.NoError(t, err)
	assert.True(t, ok, "signature is over every received field, including unknown ones")
}

func TestParse_MissingRequiredFields(t *testing.T) {
	cases := map[string]string{
		"no request id": `{"filename":"a.pdf","signature":"x"}`,
		"no filename":   `{"request_id":"r","signature":"x"}`,
		"no signature":  `{"request_id":"r","filename":"a.pdf"}`,
		"empty id":      `{"request_id":"","filename":"a.pdf","signature":"x"}`,
		"not json":      `{"request_id":`,
		"array":         `[]`,
		"bad bytes":     `{"request_id":"r","filename":"a.pdf","signature":"x","bytes":"eleven"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestParse_Version(t *testing.T) {
	_, err := Parse([]byte(`{"version":"1.2","request_id":"r","filename":"a.pdf","signature":"x"}`))
	assert.NoError(t, err)

	_, err = Parse([]byte(`{"request_id":"r","filename":"a.pdf","signature":"x"}`))
	assert.NoError(t, err)

	_, err = Parse([]byte(`{"version":"2","request_id":"r","filename":"a.pdf","signature":"x"}`))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	_, err = Parse([]byte(`{"version":"banana","request_id":"r","filename":"a.pdf","signature":"x"}`))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestIsManifestName(t *testing.T) {
	assert.True(t, IsManifestName("req-1.manifest.json"))
	assert.False(t, IsManifestName(".manifest.json"))
	assert.False(t, IsManifestName("req-1.pdf"))
	assert.False(t, IsManifestName("req-1.manifest.json.tmp"))
}
