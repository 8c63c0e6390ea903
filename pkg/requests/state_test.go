package requests

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestCanTransition_AllowedEdges(t *testing.T) {
	allowed := [][2]Status{
		{StatusSent, StatusPendingApproval},
		{StatusPendingApproval, StatusApproved},
		{StatusPendingApproval, StatusDenied},
		{StatusPendingApproval, StatusExpired},
		{StatusApproved, StatusExecuting},
		{StatusApproved, StatusFailed},
		{StatusExecuting, StatusCompleted},
		{StatusExecuting, StatusFailed},
	}
	for _, e := range allowed {
		assert.True(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}

	count := 0
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			if CanTransition(from, to) {
				count++
			}
		}
	}
	assert.Equal(t, len(allowed), count, "edge set must be exactly the documented graph")
}

func TestCanTransition_RejectsShortcutsAndRegressions(t *testing.T) {
	assert.False(t, CanTransition(StatusPendingApproval, StatusExecuting))
	assert.False(t, CanTransition(StatusPendingApproval, StatusCompleted))
	assert.False(t, CanTransition(StatusApproved, StatusCompleted))
	assert.False(t, CanTransition(StatusExecuting, StatusApproved))
	assert.False(t, CanTransition(StatusDenied, StatusApproved))
	assert.False(t, CanTransition(StatusExecuting, StatusExecuting))
}

func genStatus() gopter.Gen {
	values := make([]interface{}, len(AllStatuses))
	for i, s := range AllStatuses {
		values[i] = s
	}
	return gen.OneConstOf(values...)
}

func TestLifecycleProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("terminal statuses have no outgoing edges", prop.ForAll(
		func(from, to Status) bool {
			return !from.Terminal() || !CanTransition(from, to)
		},
		genStatus(), genStatus(),
	))

	properties.Property("no status transitions to itself", prop.ForAll(
		func(s Status) bool {
			return !CanTransition(s, s)
		},
		genStatus(),
	))

	properties.Property("transitions never point back to SENT or PENDING_APPROVAL from later states", prop.ForAll(
		func(from, to Status) bool {
			if !CanTransition(from, to) {
				return true
			}
			return to != StatusSent && !(to == StatusPendingApproval && from != StatusSent)
		},
		genStatus(), genStatus(),
	))

	properties.Property("random walks only visit reachable statuses and stop at terminals", prop.ForAll(
		func(steps []Status) bool {
			current := StatusSent
			for _, next := range steps {
				if current.Terminal() {
					if CanTransition(current, next) {
						return false
					}
					continue
				}
				if CanTransition(current, next) {
					current = next
				}
			}
			return current.Valid()
		},
		gen.SliceOf(genStatus()),
	))

	properties.TestingRun(t)
}

func TestParseStatus(t *testing.T) {
	s, ok := ParseStatus("EXECUTING")
	assert.True(t, ok)
	assert.Equal(t, StatusExecuting, s)

	_, ok = ParseStatus("executing")
	assert.False(t, ok)
	_, ok = ParseStatus("")
	assert.False(t, ok)
}

func TestParams_Validate(t *testing.T) {
	cases := []struct {
		p   Params
		ok  bool
		msg string
	}{
		{Params{Month: 1, Year: 2026}, true, ""},
		{Params{Month: 12, Year: 2000}, true, ""},
		{Params{Month: 12, Year: 2100}, true, ""},
		{Params{Month: 0, Year: 2026}, false, "month must be 1-12"},
		{Params{Month: 13, Year: 2026}, false, "month must be 1-12"},
		{Params{Month: 6, Year: 1999}, false, "year must be valid"},
		{Params{Month: 6, Year: 2101}, false, "year must be valid"},
	}
	for _, tc := range cases {
		msg, ok := tc.p.Validate()
		assert.Equal(t, tc.ok, ok, "%+v", tc.p)
		assert.Equal(t, tc.msg, msg, "%+v", tc.p)
	}
}

func TestFingerprint(t *testing.T) {
	fp, err := Fingerprint(TypeStatement, Params{Month: 1, Year: 2026})
	assert.NoError(t, err)
	assert.Equal(t, `statement:{"month":1,"year":2026}`, fp)

	other, err := Fingerprint(TypeStatement, Params{Month: 2, Year: 2026})
	assert.NoError(t, err)
	assert.NotEqual(t, fp, other)
}

func TestFormatTime_MillisecondsAndZulu(t *testing.T) {
	parsed, err := ParseTime("2026-01-05T10:11:12.345678+02:00")
	assert.NoError(t, err)
	assert.Equal(t, "2026-01-05T08:11:12.345Z", FormatTime(parsed))
	assert.Equal(t, FormatTime(parsed), FormatTime(Truncate(parsed)))
}
