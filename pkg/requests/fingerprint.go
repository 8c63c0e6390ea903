package requests

import (
	"github.com/Mindburn-Labs/puffer/broker/pkg/canonicalize"
)

// Fingerprint is the stable identity of a request payload used to detect
// idempotency key reuse: the type, a colon, and the canonical parameters.
func Fingerprint(t Type, p Params) (string, error) {
	canon, err := canonicalize.JCSString(p)
	if err != nil {
		return "", err
	}
	return string(t) + ":" + canon, nil
}
