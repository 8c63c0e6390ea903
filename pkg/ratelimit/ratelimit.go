// Package ratelimit implements the broker's fixed-window request limits.
//
// Each call is counted against a global bucket first and then against the
// caller's identity bucket. Buckets live in a Store so several broker
// processes can share them through Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// DefaultWindow is the fixed window length.
const DefaultWindow = time.Minute

const globalKey = "global"

// Store counts hits in fixed windows.
type Store interface {
	// Hit records one call against key. It returns false once key has
	// reached limit within the current window.
	Hit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Policy defines per-identity and global ceilings for one caller role.
type Policy struct {
	PerIdentity int
	Global      int
	Window      time.Duration
}

// AgentPolicy applies to agent endpoints.
var AgentPolicy = Policy{PerIdentity: 60, Global: 300, Window: DefaultWindow}

// PhonePolicy applies to approver endpoints.
var PhonePolicy = Policy{PerIdentity: 120, Global: 300, Window: DefaultWindow}

// Limiter applies a Policy over a Store.
type Limiter struct {
	store  Store
	policy Policy
}

// New creates a limiter. A zero window defaults to DefaultWindow.
func New(store Store, policy Policy) *Limiter {
	if policy.Window <= 0 {
		policy.Window = DefaultWindow
	}
	return &Limiter{store: store, policy: policy}
}

// Allow reports whether identity may make another call.
func (l *Limiter) Allow(ctx context.Context, identity string) (bool, error) {
	ok, err := l.store.Hit(ctx, globalKey, l.policy.Global, l.policy.Window)
	if err != nil {
		return false, fmt.Errorf("ratelimit: global bucket: %w", err)
	}
	if !ok {
		return false, nil
	}
	ok, err = l.store.Hit(ctx, "identity:"+identity, l.policy.PerIdentity, l.policy.Window)
	if err != nil {
		return false, fmt.Errorf("ratelimit: identity bucket: %w", err)
	}
	return ok, nil
}

// RetryAfter is the Retry-After hint in whole seconds.
func (l *Limiter) RetryAfter() int {
	secs := int(l.policy.Window / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
