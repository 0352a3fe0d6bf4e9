package domain

import "time"

// LimitUsage reports current consumption of one sliding window.
type LimitUsage struct {
	Scope   RateScope
	Current int
	Limit   int
	Window  time.Duration
}

// RateLimitStatus is the admin view of one identifier's limiter state:
// the account lock, every window that applies to the identifier, and
// the failed-attempt counter that feeds lock decisions (ADR-007 §4).
type RateLimitStatus struct {
	Identifier     string
	Locked         bool
	LockTTL        time.Duration // zero when not locked
	Limits         []LimitUsage
	FailedAttempts int
	Threshold      int
}
