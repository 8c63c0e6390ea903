package requests

type edge struct {
	from, to Status
}

var allowedTransitions = map[edge]struct{}{
	{StatusSent, StatusPendingApproval}:     {},
	{StatusPendingApproval, StatusApproved}: {},
	{StatusPendingApproval, StatusDenied}:   {},
	{StatusPendingApproval, StatusExpired}:  {},
	{StatusApproved, StatusExecuting}:       {},
	{StatusApproved, StatusFailed}:          {},
	{StatusExecuting, StatusCompleted}:      {},
	{StatusExecuting, StatusFailed}:         {},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	_, ok := allowedTransitions[edge{from, to}]
	return ok
}

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDenied, StatusExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus returns the status named by raw.
func ParseStatus(raw string) (Status, bool) {
	s := Status(raw)
	return s, s.Valid()
}
