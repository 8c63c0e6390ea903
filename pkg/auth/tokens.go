package auth

import (
	"crypto/subtle"
	"strings"

	"github.com/Mindburn-Labs/puffer/broker/pkg/crypto"
)

// Authenticator checks static bearer tokens for the agent and phone roles.
type Authenticator struct {
	tokens map[Role]string
}

// NewAuthenticator creates an authenticator. An empty token disables its
// role.
func NewAuthenticator(agentToken, phoneToken string) *Authenticator {
	return &Authenticator{tokens: map[Role]string{
		RoleAgent: agentToken,
		RolePhone: phoneToken,
	}}
}

// Authenticate validates an Authorization header for role.
func (a *Authenticator) Authenticate(header string, role Role) (Principal, bool) {
	want := a.tokens[role]
	token, ok := ParseBearer(header)
	if !ok || want == "" {
		return Principal{}, false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
		return Principal{}, false
	}
	return Principal{Role: role, Identity: IdentityFor(role, token)}, true
}

// ParseBearer extracts the token from "Bearer <token>". The scheme is
// case-insensitive.
func ParseBearer(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// IdentityFor derives the stable identity of a token.
func IdentityFor(role Role, token string) string {
	return crypto.SHA256Hex([]byte(string(role) + ":" + token))
}
