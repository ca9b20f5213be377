package swiftq

import "time"

// NextRetryDelay computes the start_after advance for a job moving
// into the retry state, per spec.md §4.1: linear retryDelay seconds,
// or retryDelay × 2^retryCount when backoff is enabled. Grounded on
// taskharbor's ExponentialBackoffPolicy.NextDelay shape, generalized
// to the spec's linear/exponential switch; the DB-tracked retry delay
// has no jitter requirement in spec.md so none is applied here. Called
// by the worker's failure path ahead of Manager.Retry.
func NextRetryDelay(retryDelaySeconds, retryCount int, backoff bool) time.Duration {
	if retryDelaySeconds <= 0 {
		return 0
	}
	if !backoff {
		return time.Duration(retryDelaySeconds) * time.Second
	}
	multiplier := int64(1) << uint(retryCount) // 2^retryCount
	return time.Duration(retryDelaySeconds) * time.Duration(multiplier) * time.Second
}

// ExceedsRetryLimit reports whether retryCount has pushed past
// retryLimit, the dead-letter/fail trigger condition. It is the same
// test the retry SQL's post-increment state gate applies; Manager.Retry
// calls it on the post-increment count that SQL returns, and the
// worker's pre-check calls it with retryCount+1 to test the retry it
// is about to spend.
func ExceedsRetryLimit(retryCount, retryLimit int) bool {
	return retryCount > retryLimit
}
