package auth

// Role is the kind of caller a bearer token authenticates.
type Role string

const (
	RoleAgent Role = "agent"
	RolePhone Role = "phone"
)

// Principal is an authenticated caller. Identity is stable per token and
// never reveals it.
type Principal struct {
	Role     Role
	Identity string
}
