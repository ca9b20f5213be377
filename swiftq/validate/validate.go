// Package validate normalizes and rejects malformed producer/operator
// input before it reaches storage, per spec.md §4.6.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	cron "github.com/robfig/cron/v3"
)

// Sentinel validation errors. Callers use errors.Is against
// ErrInvalid to detect any validation failure without matching text.
var (
	ErrInvalid = errors.New("invalid input")
)

const (
	MaxQueueNameLength   = 255
	MaxSingletonKeyLen   = 255
	MaxExpireSeconds     = 24 * 60 * 60
)

var queueNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

func invalid(field, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalid, field, reason)
}

// QueueName validates a queue/dead-letter-queue identifier: non-empty,
// at most 255 chars, and restricted to [A-Za-z0-9_.-]+.
func QueueName(name string) error {
	if name == "" {
		return invalid("name", "must not be empty")
	}
	if len(name) > MaxQueueNameLength {
		return invalid("name", fmt.Sprintf("must be at most %d characters", MaxQueueNameLength))
	}
	if !queueNamePattern.MatchString(name) {
		return invalid("name", "must match [A-Za-z0-9_.-]+")
	}
	return nil
}

// Priority validates that p fits in a signed 16-bit integer; the Go
// type already constrains this, so Priority exists to validate values
// arriving as a wider integer (e.g. from JSON) before narrowing.
func Priority(p int64) error {
	if p < -32768 || p > 32767 {
		return invalid("priority", "must fit in a signed 16-bit integer")
	}
	return nil
}

// NonNegativeDuration validates a duration expressed in seconds (or
// minutes, by the caller's convention) against an optional maximum.
// max <= 0 means unbounded.
func NonNegativeDuration(field string, value, max int) error {
	if value < 0 {
		return invalid(field, "must not be negative")
	}
	if max > 0 && value > max {
		return invalid(field, fmt.Sprintf("must be at most %d", max))
	}
	return nil
}

// ExpireSeconds validates expire_in_seconds against spec.md §4.6's
// 24-hour maximum.
func ExpireSeconds(seconds int) error {
	if seconds <= 0 {
		return invalid("expire_in_seconds", "must be positive")
	}
	return NonNegativeDuration("expire_in_seconds", seconds, MaxExpireSeconds)
}

// SingletonKey validates an optional singleton/debounce/throttle key.
func SingletonKey(key string) error {
	if len(key) > MaxSingletonKeyLen {
		return invalid("singleton_key", fmt.Sprintf("must be at most %d characters", MaxSingletonKeyLen))
	}
	return nil
}

// SingletonSeconds validates the debounce/throttle bucket width.
func SingletonSeconds(seconds int) error {
	if seconds <= 0 {
		return invalid("singleton_seconds", "must be positive")
	}
	return nil
}

var validPolicies = map[string]bool{
	"standard":  true,
	"short":     true,
	"singleton": true,
	"stately":   true,
}

// Policy validates the queue policy enum.
func Policy(policy string) error {
	if !validPolicies[policy] {
		return invalid("policy", "must be one of standard, short, singleton, stately")
	}
	return nil
}

// Cron validates that spec parses under the standard 5-field grammar
// in the named IANA timezone, per spec.md §4.4's "schedule(...)
// validates the cron expression eagerly by parsing it."
func Cron(spec, timezone string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return invalid("cron", err.Error())
	}
	if timezone == "" {
		return nil
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return invalid("timezone", err.Error())
	}
	return nil
}
