package swiftq

import (
	"testing"
	"time"
)

func TestNextRetryDelayLinear(t *testing.T) {
	cases := []struct {
		name              string
		retryDelaySeconds int
		retryCount        int
		want              time.Duration
	}{
		{"zero delay", 0, 3, 0},
		{"first retry", 30, 0, 30 * time.Second},
		{"later retry same delay", 30, 4, 30 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NextRetryDelay(tc.retryDelaySeconds, tc.retryCount, false)
			if got != tc.want {
				t.Fatalf("NextRetryDelay(%d, %d, false) = %s, want %s", tc.retryDelaySeconds, tc.retryCount, got, tc.want)
			}
		})
	}
}

func TestNextRetryDelayExponential(t *testing.T) {
	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{2, 40 * time.Second},
		{3, 80 * time.Second},
	}
	for _, tc := range cases {
		got := NextRetryDelay(10, tc.retryCount, true)
		if got != tc.want {
			t.Fatalf("NextRetryDelay(10, %d, true) = %s, want %s", tc.retryCount, got, tc.want)
		}
	}
}

func TestExceedsRetryLimit(t *testing.T) {
	cases := []struct {
		retryCount, retryLimit int
		want                   bool
	}{
		{0, 3, false},
		{3, 3, false},
		{4, 3, true},
	}
	for _, tc := range cases {
		got := ExceedsRetryLimit(tc.retryCount, tc.retryLimit)
		if got != tc.want {
			t.Fatalf("ExceedsRetryLimit(%d, %d) = %v, want %v", tc.retryCount, tc.retryLimit, got, tc.want)
		}
	}
}
