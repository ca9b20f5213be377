package validate

import (
	"errors"
	"strings"
	"testing"
)

func TestQueueName(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "emails", false},
		{"valid with punctuation", "emails.retry-1_b", false},
		{"empty", "", true},
		{"invalid chars", "emails!", true},
		{"too long", strings.Repeat("a", MaxQueueNameLength+1), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := QueueName(tc.input)
			if (err != nil) != tc.wantErr {
				t.Fatalf("QueueName(%q) error = %v, wantErr %v", tc.input, err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected error wrapping ErrInvalid, got %v", err)
			}
		})
	}
}

func TestPriority(t *testing.T) {
	if err := Priority(0); err != nil {
		t.Fatalf("Priority(0) should be valid: %v", err)
	}
	if err := Priority(32767); err != nil {
		t.Fatalf("Priority(32767) should be valid: %v", err)
	}
	if err := Priority(32768); err == nil {
		t.Fatalf("Priority(32768) should be invalid")
	}
	if err := Priority(-32769); err == nil {
		t.Fatalf("Priority(-32769) should be invalid")
	}
}

func TestExpireSeconds(t *testing.T) {
	if err := ExpireSeconds(0); err == nil {
		t.Fatalf("0 should be invalid")
	}
	if err := ExpireSeconds(MaxExpireSeconds); err != nil {
		t.Fatalf("max should be valid: %v", err)
	}
	if err := ExpireSeconds(MaxExpireSeconds + 1); err == nil {
		t.Fatalf("above max should be invalid")
	}
}

func TestSingletonKey(t *testing.T) {
	if err := SingletonKey(""); err != nil {
		t.Fatalf("empty key is optional, should be valid: %v", err)
	}
	if err := SingletonKey(strings.Repeat("k", MaxSingletonKeyLen+1)); err == nil {
		t.Fatalf("over-length key should be invalid")
	}
}

func TestPolicy(t *testing.T) {
	for _, p := range []string{"standard", "short", "singleton", "stately"} {
		if err := Policy(p); err != nil {
			t.Fatalf("Policy(%q) should be valid: %v", p, err)
		}
	}
	if err := Policy("bogus"); err == nil {
		t.Fatalf("Policy(bogus) should be invalid")
	}
}

func TestCron(t *testing.T) {
	if err := Cron("*/5 * * * *", "UTC"); err != nil {
		t.Fatalf("valid cron should parse: %v", err)
	}
	if err := Cron("*/5 * * * *", "America/New_York"); err != nil {
		t.Fatalf("valid cron with named tz should parse: %v", err)
	}
	if err := Cron("not a cron", "UTC"); err == nil {
		t.Fatalf("invalid cron should fail")
	}
	if err := Cron("*/5 * * * *", "Not/AZone"); err == nil {
		t.Fatalf("invalid timezone should fail")
	}
}
