package swiftq

import "time"

// JobState is one of the six lifecycle states a job can occupy.
type JobState string

const (
	StateCreated   JobState = "created"
	StateRetry     JobState = "retry"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateCancelled JobState = "cancelled"
	StateFailed    JobState = "failed"
)

// Terminal reports whether s admits no further transition except resume.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

// Policy governs how a queue's jobs are admitted and scheduled.
type Policy string

const (
	PolicyStandard  Policy = "standard"
	PolicyShort     Policy = "short"
	PolicySingleton Policy = "singleton"
	PolicyStately   Policy = "stately"
)

// Queue is the persisted configuration for a named destination.
type Queue struct {
	Name             string
	Policy           Policy
	RetryLimit       int
	RetryDelay       int // seconds
	RetryBackoff     bool
	ExpireSeconds    int
	RetentionMinutes int
	DeadLetter       *string
	CreatedOn        time.Time
	UpdatedOn        time.Time
}

// Job is a single unit of work: payload plus lifecycle bookkeeping.
type Job struct {
	ID               string
	Name             string
	Priority         int16
	Data             []byte
	State            JobState
	RetryLimit       int
	RetryCount       int
	RetryDelay       int
	RetryBackoff     bool
	StartAfter       time.Time
	StartedOn        *time.Time
	SingletonKey     *string
	SingletonOn      *time.Time
	ExpireInSeconds  int
	CreatedOn        time.Time
	CompletedOn      *time.Time
	KeepUntil        time.Time
	Output           []byte
	DeadLetter       *string
	Policy           Policy
}

// ArchivedJob is a Job row copied into the archive table.
type ArchivedJob struct {
	Job
	ArchivedOn time.Time
}

// Schedule is a cron rule bound to a queue.
type Schedule struct {
	Name     string
	Cron     string
	Timezone string
	Data     []byte
	Options  SendOptions
}

// Subscription fans one published event out to a queue.
type Subscription struct {
	Event string
	Name  string
}

// SendOptions are the closed set of knobs accepted by Send/Insert.
// This models spec.md's Design Note "dynamic option bags → explicit
// configuration structs": every option send/insert/schedule accepts
// is enumerated here, never a free-form map.
type SendOptions struct {
	ID                string
	Priority          int16
	StartAfter        time.Time
	SingletonKey      string
	SingletonSeconds  int
	RetryLimit        *int
	RetryDelay        *int
	RetryBackoff      *bool
	ExpireInSeconds   *int
	KeepUntil         *time.Time
	DeadLetter        string
}

// WorkOptions configure a single Fetch call.
type WorkOptions struct {
	BatchSize       int
	IncludeMetadata bool
	Priority        bool
}

// GetJobOptions configure GetJobByID.
type GetJobOptions struct {
	IncludeArchive bool
}

// QueueOptions are the closed set of knobs accepted by CreateQueue/UpdateQueue.
type QueueOptions struct {
	Policy           Policy
	RetryLimit       int
	RetryDelay       int
	RetryBackoff     bool
	ExpireSeconds    int
	RetentionMinutes int
	DeadLetter       string
}

// CallbackResult is the tagged-union result a worker callback returns,
// per spec.md's Design Note "polymorphic result from user callback".
type CallbackResult struct {
	ok     bool
	output []byte
	reason string
}

// Ok builds a successful callback result carrying output to persist.
func Ok(output []byte) CallbackResult {
	return CallbackResult{ok: true, output: output}
}

// Fail builds a failed callback result carrying the failure reason.
func Fail(reason string) CallbackResult {
	return CallbackResult{ok: false, reason: reason}
}

// IsOk reports which branch of the tagged union is populated.
func (r CallbackResult) IsOk() bool { return r.ok }

// Output returns the success payload (only meaningful when IsOk()).
func (r CallbackResult) Output() []byte { return r.output }

// Reason returns the failure reason (only meaningful when !IsOk()).
func (r CallbackResult) Reason() string { return r.reason }

// StateCounts is the three-way union the monitor tick computes:
// per (queue, state), per state across all queues, and a grand total.
type StateCounts struct {
	ByQueueState map[string]map[JobState]int64
	ByState      map[JobState]int64
	Total        int64
}
