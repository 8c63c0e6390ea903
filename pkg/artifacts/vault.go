// Package artifacts archives verified statements in a content-addressed
// vault. Every object is keyed by its SHA-256 digest and referenced as
// "sha256:<hex>".
package artifacts

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/puffer/broker/pkg/crypto"
)

// RefPrefix prefixes every vault reference.
const RefPrefix = "sha256:"

// ErrNotFound is returned by Get for an unknown reference.
var ErrNotFound = errors.New("artifacts: not found")

// Vault is content-addressed storage for statement bytes.
type Vault interface {
	// Put stores data and returns its reference. Storing the same bytes twice
	// is a no-op returning the same reference.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the bytes behind ref.
	Get(ctx context.Context, ref string) ([]byte, error)
	// Exists reports whether ref is stored.
	Exists(ctx context.Context, ref string) (bool, error)
}

// Ref returns the reference of data.
func Ref(data []byte) string {
	return RefPrefix + crypto.SHA256Hex(data)
}

// parseRef validates ref and returns its hex digest.
func parseRef(ref string) (string, error) {
	digest, ok := strings.CutPrefix(ref, RefPrefix)
	if !ok {
		return "", fmt.Errorf("invalid artifact ref: %s", ref)
	}
	raw, err := hex.DecodeString(digest)
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("invalid artifact ref hex: %s", ref)
	}
	return digest, nil
}

func objectName(prefix, digest string) string {
	return prefix + digest + ".blob"
}
