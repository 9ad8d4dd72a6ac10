// Package staleness classifies cached forecasts by age.
package staleness

import (
	"fmt"
	"time"
)

// Verdict is the usability tier of a cached record.
type Verdict int

const (
	Fresh Verdict = iota
	StaleButServable
	Expired
)

func (v Verdict) String() string {
	switch v {
	case Fresh:
		return "fresh"
	case StaleButServable:
		return "stale"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Classify returns the verdict for a record fetched at fetchedAt, evaluated at now.
// A fetchedAt later than now is treated as age zero.
func Classify(fetchedAt, now time.Time, maxAge, softMaxAge time.Duration) Verdict {
	age := now.Sub(fetchedAt)
	if age < 0 {
		age = 0
	}
	switch {
	case age >= maxAge:
		return Expired
	case age >= softMaxAge:
		return StaleButServable
	default:
		return Fresh
	}
}

// Policy carries configured thresholds.
type Policy struct {
	MaxAge     time.Duration
	SoftMaxAge time.Duration
}

// NewPolicy validates 0 < softMaxAge <= maxAge.
func NewPolicy(maxAge, softMaxAge time.Duration) (Policy, error) {
	if softMaxAge <= 0 {
		return Policy{}, fmt.Errorf("soft max age must be positive, got %s", softMaxAge)
	}
	if maxAge < softMaxAge {
		return Policy{}, fmt.Errorf("max age %s must not be less than soft max age %s", maxAge, softMaxAge)
	}
	return Policy{MaxAge: maxAge, SoftMaxAge: softMaxAge}, nil
}

// Classify applies the policy thresholds.
func (p Policy) Classify(fetchedAt, now time.Time) Verdict {
	return Classify(fetchedAt, now, p.MaxAge, p.SoftMaxAge)
}
