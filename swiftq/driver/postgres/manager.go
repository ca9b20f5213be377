package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"swiftq/swiftq"
)

// lockWaitTimeoutCode is Postgres' SQLSTATE for "lock_not_available"
// raised when a statement-level lock_timeout expires. Re-modeled per
// spec.md §9's Design Note as a first-class claim-contention signal
// the driver returns, never exposed to callers as a raw error code.
const lockWaitTimeoutCode = "55P03"

// Manager implements the queue & job operation surface (spec.md §4.1)
// against a postgres Store.
type Manager struct {
	store *Store
}

// NewManager wraps store with the job-manager operation surface.
func NewManager(store *Store) *Manager {
	return &Manager{store: store}
}

// Send inserts a single job and returns its id, or "" when a singleton
// unique-constraint conflict silently absorbed the insert (spec.md
// §4.1's "conflict is not an error").
func (m *Manager) Send(ctx context.Context, queue string, data []byte, opts swiftq.SendOptions) (string, error) {
	ids, err := m.Insert(ctx, []PendingJob{{Queue: queue, Data: data, Options: opts}})
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", nil
	}
	return ids[0], nil
}

// PendingJob is one row of the bulk Insert call.
type PendingJob struct {
	Queue   string
	Data    []byte
	Options swiftq.SendOptions
}

// Insert is the bulk variant send/insert share, used for fan-out
// (spec.md §4.1's insert(jobs[])). Each row's id is returned in the
// same order as jobs; an entry is "" when that row's singleton
// constraint rejected the insert.
func (m *Manager) Insert(ctx context.Context, jobs []PendingJob) ([]string, error) {
	ids := make([]string, len(jobs))
	tx, err := m.store.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i, j := range jobs {
		id, err := m.insertOne(ctx, tx, j)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit insert: %w", err)
	}
	return ids, nil
}

func (m *Manager) insertOne(ctx context.Context, tx pgx.Tx, j PendingJob) (string, error) {
	opts := j.Options
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	startAfter := opts.StartAfter
	if startAfter.IsZero() {
		startAfter = time.Now().UTC()
	}

	var singletonKey *string
	if opts.SingletonKey != "" {
		k := opts.SingletonKey
		singletonKey = &k
	}

	var singletonOn *time.Time
	if opts.SingletonSeconds > 0 {
		b := singletonBucket(time.Now().UTC(), opts.SingletonSeconds)
		singletonOn = &b
		if singletonKey == nil {
			k := fmt.Sprintf("debounce_%s", j.Queue)
			singletonKey = &k
		}
	}

	retryLimit, retryDelay, retryBackoff, expireSeconds, keepUntil, policy, deadLetter, err := m.resolveQueueDefaults(ctx, tx, j.Queue, opts)
	if err != nil {
		return "", err
	}

	tag, err := tx.Exec(ctx, qInsertJob,
		id, j.Queue, opts.Priority, j.Data,
		retryLimit, retryDelay, retryBackoff,
		startAfter, singletonKey, singletonOn,
		expireSeconds, keepUntil, policy, deadLetter,
	)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Singleton/debounce/throttle bucket collision: absorbed, not an error.
		return "", nil
	}
	return id, nil
}

// singletonBucket floors t to the nearest multiple of seconds,
// producing the debounce/throttle co-location bucket (spec.md §4.1,
// Glossary "singleton bucket").
func singletonBucket(t time.Time, seconds int) time.Time {
	epoch := t.Unix()
	floored := (epoch / int64(seconds)) * int64(seconds)
	return time.Unix(floored, 0).UTC()
}

// resolveQueueDefaults reads the queue row so an insert without
// explicit retry/expiry options falls back to the queue's configured
// policy.
func (m *Manager) resolveQueueDefaults(ctx context.Context, tx pgx.Tx, queueName string, opts swiftq.SendOptions) (retryLimit, retryDelay int, retryBackoff bool, expireSeconds int, keepUntil time.Time, policy string, deadLetter *string, err error) {
	row := tx.QueryRow(ctx, `SELECT policy, retry_limit, retry_delay, retry_backoff, expire_seconds, retention_minutes, dead_letter FROM queue WHERE name = $1`, queueName)

	var qRetentionMinutes int
	var qDeadLetter *string
	if scanErr := row.Scan(&policy, &retryLimit, &retryDelay, &retryBackoff, &expireSeconds, &qRetentionMinutes, &qDeadLetter); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return 0, 0, false, 0, time.Time{}, "", nil, fmt.Errorf("%w: %s", swiftq.ErrQueueNotFound, queueName)
		}
		return 0, 0, false, 0, time.Time{}, "", nil, fmt.Errorf("lookup queue: %w", scanErr)
	}

	if opts.RetryLimit != nil {
		retryLimit = *opts.RetryLimit
	}
	if opts.RetryDelay != nil {
		retryDelay = *opts.RetryDelay
	}
	if opts.RetryBackoff != nil {
		retryBackoff = *opts.RetryBackoff
	}
	if opts.ExpireInSeconds != nil {
		expireSeconds = *opts.ExpireInSeconds
	}

	keepUntil = time.Now().UTC().AddDate(0, 0, 14)
	if opts.KeepUntil != nil {
		keepUntil = *opts.KeepUntil
	} else {
		keepUntil = time.Now().UTC().Add(time.Duration(qRetentionMinutes) * time.Minute)
	}

	deadLetter = qDeadLetter
	if opts.DeadLetter != "" {
		d := opts.DeadLetter
		deadLetter = &d
	}

	return retryLimit, retryDelay, retryBackoff, expireSeconds, keepUntil, policy, deadLetter, nil
}

// Fetch atomically claims up to opts.BatchSize jobs from queue,
// transitioning them created|retry -> active. Lock-wait-timeout is
// caught here and surfaced as an empty batch, never propagated
// (spec.md §4.1, §7, §9).
func (m *Manager) Fetch(ctx context.Context, queue string, opts swiftq.WorkOptions) ([]swiftq.Job, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}

	tx, err := m.store.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin fetch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, qFetchClaim, queue, batchSize)
	if err != nil {
		if isLockWaitTimeout(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch claim: %w", err)
	}

	jobs, err := scanJobs(rows)
	rows.Close()
	if err != nil {
		if isLockWaitTimeout(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan claimed jobs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isLockWaitTimeout(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("commit fetch: %w", err)
	}

	return jobs, nil
}

func isLockWaitTimeout(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == lockWaitTimeoutCode
	}
	return false
}

func scanJobs(rows pgx.Rows) ([]swiftq.Job, error) {
	var jobs []swiftq.Job
	for rows.Next() {
		var j swiftq.Job
		var policy string
		if err := rows.Scan(
			&j.ID, &j.Name, &j.Priority, &j.Data, &j.State,
			&j.RetryLimit, &j.RetryCount, &j.RetryDelay, &j.RetryBackoff,
			&j.StartAfter, &j.StartedOn, &j.SingletonKey, &j.SingletonOn,
			&j.ExpireInSeconds, &j.CreatedOn, &j.CompletedOn, &j.KeepUntil,
			&j.Output, &j.DeadLetter, &policy,
		); err != nil {
			return nil, err
		}
		j.Policy = swiftq.Policy(policy)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Complete transitions id[] from any non-terminal state to completed.
func (m *Manager) Complete(ctx context.Context, ids []string, output []byte) error {
	_, err := m.store.Pool().Exec(ctx, qCompleteJobs, ids, output)
	if err != nil {
		return fmt.Errorf("complete jobs: %w", err)
	}
	return nil
}

// Fail transitions id[] to failed. It does not perform retry
// bookkeeping (spec.md §4.1).
func (m *Manager) Fail(ctx context.Context, ids []string, output []byte) error {
	_, err := m.store.Pool().Exec(ctx, qFailJobs, ids, output)
	if err != nil {
		return fmt.Errorf("fail jobs: %w", err)
	}
	return nil
}

// Cancel transitions any non-terminal id[] to cancelled.
func (m *Manager) Cancel(ctx context.Context, ids []string) error {
	_, err := m.store.Pool().Exec(ctx, qCancelJobs, ids)
	if err != nil {
		return fmt.Errorf("cancel jobs: %w", err)
	}
	return nil
}

// Resume transitions cancelled id[] back to created.
func (m *Manager) Resume(ctx context.Context, ids []string) error {
	_, err := m.store.Pool().Exec(ctx, qResumeJobs, ids)
	if err != nil {
		return fmt.Errorf("resume jobs: %w", err)
	}
	return nil
}

// RetryOutcome describes what Retry did to a single job, letting the
// caller perform dead-letter routing (spec.md §4.1's "dead letter"
// edge case) outside the single-row UPDATE.
type RetryOutcome struct {
	ID            string
	RetryCount    int
	RetryLimit    int
	DeadLetter    *string
	Queue         string
	Data          []byte
	ExceededLimit bool
}

// Retry increments retry_count on id[]. A job still within retry_limit
// moves to retry with start_after advanced by retryDelaySeconds, used
// as given (callers compute any backoff, e.g. with
// swiftq.NextRetryDelay); a job pushed past retry_limit moves to
// failed instead.
func (m *Manager) Retry(ctx context.Context, ids []string, retryDelaySeconds int) ([]RetryOutcome, error) {
	rows, err := m.store.Pool().Query(ctx, qRetryJobs, ids, retryDelaySeconds)
	if err != nil {
		return nil, fmt.Errorf("retry jobs: %w", err)
	}
	defer rows.Close()

	var outcomes []RetryOutcome
	for rows.Next() {
		var o RetryOutcome
		if err := rows.Scan(&o.ID, &o.RetryCount, &o.RetryLimit, &o.DeadLetter, &o.Queue, &o.Data); err != nil {
			return nil, fmt.Errorf("scan retry outcome: %w", err)
		}
		o.ExceededLimit = swiftq.ExceedsRetryLimit(o.RetryCount, o.RetryLimit)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// RouteDeadLetter inserts a reset copy of job (fresh id, state
// created, counters reset per that queue's own defaults) into its
// configured dead letter queue and marks the source job failed,
// atomically. Called by the worker's failure path once a job has
// exhausted its retry budget and a dead letter queue is configured
// (spec.md §4.1's dead-letter edge case).
func (m *Manager) RouteDeadLetter(ctx context.Context, job swiftq.Job, output []byte) error {
	if job.DeadLetter == nil || *job.DeadLetter == "" {
		return fmt.Errorf("job %s has no dead letter queue configured", job.ID)
	}

	tx, err := m.store.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin dead letter tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := m.insertOne(ctx, tx, PendingJob{Queue: *job.DeadLetter, Data: job.Data}); err != nil {
		return fmt.Errorf("insert dead letter copy: %w", err)
	}
	if _, err := tx.Exec(ctx, qFailJobs, []string{job.ID}, output); err != nil {
		return fmt.Errorf("fail source job: %w", err)
	}

	return tx.Commit(ctx)
}

// DeleteJob hard-removes id[].
func (m *Manager) DeleteJob(ctx context.Context, ids []string) error {
	_, err := m.store.Pool().Exec(ctx, qDeleteJobs, ids)
	if err != nil {
		return fmt.Errorf("delete jobs: %w", err)
	}
	return nil
}

// GetJobByID is the primary lookup, optionally falling back to the
// archive table.
func (m *Manager) GetJobByID(ctx context.Context, queue, id string, opts swiftq.GetJobOptions) (*swiftq.Job, error) {
	row := m.store.Pool().QueryRow(ctx, qGetJobByID, queue, id)
	j, err := scanJobRow(row)
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if !opts.IncludeArchive {
		return nil, fmt.Errorf("%w: %s/%s", swiftq.ErrJobNotFound, queue, id)
	}

	arow := m.store.Pool().QueryRow(ctx, qGetArchivedJobByID, queue, id)
	var aj swiftq.Job
	var policy string
	var archivedOn time.Time
	if err := arow.Scan(
		&aj.ID, &aj.Name, &aj.Priority, &aj.Data, &aj.State,
		&aj.RetryLimit, &aj.RetryCount, &aj.RetryDelay, &aj.RetryBackoff,
		&aj.StartAfter, &aj.StartedOn, &aj.SingletonKey, &aj.SingletonOn,
		&aj.ExpireInSeconds, &aj.CreatedOn, &aj.CompletedOn, &aj.KeepUntil,
		&aj.Output, &aj.DeadLetter, &policy, &archivedOn,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", swiftq.ErrJobNotFound, queue, id)
		}
		return nil, fmt.Errorf("get archived job: %w", err)
	}
	aj.Policy = swiftq.Policy(policy)
	return &aj, nil
}

func scanJobRow(row pgx.Row) (*swiftq.Job, error) {
	var j swiftq.Job
	var policy string
	if err := row.Scan(
		&j.ID, &j.Name, &j.Priority, &j.Data, &j.State,
		&j.RetryLimit, &j.RetryCount, &j.RetryDelay, &j.RetryBackoff,
		&j.StartAfter, &j.StartedOn, &j.SingletonKey, &j.SingletonOn,
		&j.ExpireInSeconds, &j.CreatedOn, &j.CompletedOn, &j.KeepUntil,
		&j.Output, &j.DeadLetter, &policy,
	); err != nil {
		return nil, err
	}
	j.Policy = swiftq.Policy(policy)
	return &j, nil
}

// Publish reads subscription rows for event and enqueues one Send per
// subscriber queue.
func (m *Manager) Publish(ctx context.Context, event string, data []byte, opts swiftq.SendOptions) error {
	rows, err := m.store.Pool().Query(ctx, qSubscribers, event)
	if err != nil {
		return fmt.Errorf("list subscribers: %w", err)
	}
	var queues []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			rows.Close()
			return fmt.Errorf("scan subscriber: %w", err)
		}
		queues = append(queues, q)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, q := range queues {
		if _, err := m.Send(ctx, q, data, opts); err != nil {
			return fmt.Errorf("publish to %s: %w", q, err)
		}
	}
	return nil
}

// Subscribe inserts an (event, name) row, ignoring duplicates.
func (m *Manager) Subscribe(ctx context.Context, event, queue string) error {
	_, err := m.store.Pool().Exec(ctx, qSubscribe, event, queue)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// Unsubscribe deletes the (event, name) row.
func (m *Manager) Unsubscribe(ctx context.Context, event, queue string) error {
	_, err := m.store.Pool().Exec(ctx, qUnsubscribe, event, queue)
	if err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

// CreateQueue inserts queue metadata.
func (m *Manager) CreateQueue(ctx context.Context, name string, opts swiftq.QueueOptions) error {
	_, err := m.store.Pool().Exec(ctx, qCreateQueue, name, string(opts.Policy), opts.RetryLimit, opts.RetryDelay, opts.RetryBackoff, opts.ExpireSeconds, opts.RetentionMinutes, opts.DeadLetter)
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	return nil
}

// UpdateQueue overwrites queue metadata.
func (m *Manager) UpdateQueue(ctx context.Context, name string, opts swiftq.QueueOptions) error {
	tag, err := m.store.Pool().Exec(ctx, qUpdateQueue, name, string(opts.Policy), opts.RetryLimit, opts.RetryDelay, opts.RetryBackoff, opts.ExpireSeconds, opts.RetentionMinutes, opts.DeadLetter)
	if err != nil {
		return fmt.Errorf("update queue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", swiftq.ErrQueueNotFound, name)
	}
	return nil
}

// DeleteQueue removes queue metadata; schedules and subscriptions
// cascade, jobs do not (spec.md §3).
func (m *Manager) DeleteQueue(ctx context.Context, name string) error {
	_, err := m.store.Pool().Exec(ctx, qDeleteQueue, name)
	if err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}
	return nil
}

// GetQueue fetches one queue's metadata.
func (m *Manager) GetQueue(ctx context.Context, name string) (*swiftq.Queue, error) {
	row := m.store.Pool().QueryRow(ctx, qGetQueue, name)
	q, err := scanQueueRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", swiftq.ErrQueueNotFound, name)
		}
		return nil, fmt.Errorf("get queue: %w", err)
	}
	return q, nil
}

// GetQueues lists every queue's metadata.
func (m *Manager) GetQueues(ctx context.Context) ([]swiftq.Queue, error) {
	rows, err := m.store.Pool().Query(ctx, qGetQueues)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()

	var out []swiftq.Queue
	for rows.Next() {
		q, err := scanQueueRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue: %w", err)
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

func scanQueueRow(row pgx.Row) (*swiftq.Queue, error) {
	var q swiftq.Queue
	var policy string
	var deadLetter *string
	if err := row.Scan(&q.Name, &policy, &q.RetryLimit, &q.RetryDelay, &q.RetryBackoff, &q.ExpireSeconds, &q.RetentionMinutes, &deadLetter, &q.CreatedOn, &q.UpdatedOn); err != nil {
		return nil, err
	}
	q.Policy = swiftq.Policy(policy)
	q.DeadLetter = deadLetter
	return &q, nil
}

// GetQueueSize returns the per-state breakdown for a queue (a
// SPEC_FULL.md supplement: exposing the same shape the supervisor's
// monitor tick already computes).
func (m *Manager) GetQueueSize(ctx context.Context, name string) (map[swiftq.JobState]int64, error) {
	rows, err := m.store.Pool().Query(ctx, qGetQueueSize, name)
	if err != nil {
		return nil, fmt.Errorf("queue size: %w", err)
	}
	defer rows.Close()

	sizes := make(map[swiftq.JobState]int64)
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan queue size row: %w", err)
		}
		sizes[swiftq.JobState(state)] = count
	}
	return sizes, rows.Err()
}

// PurgeQueue deletes terminal jobs for a queue.
func (m *Manager) PurgeQueue(ctx context.Context, name string) error {
	_, err := m.store.Pool().Exec(ctx, qPurgeQueue, name)
	if err != nil {
		return fmt.Errorf("purge queue: %w", err)
	}
	return nil
}

// ClearStorage truncates all five tables.
func (m *Manager) ClearStorage(ctx context.Context) error {
	_, err := m.store.Pool().Exec(ctx, qClearQueueTable)
	if err != nil {
		return fmt.Errorf("clear storage: %w", err)
	}
	return nil
}

// Schedule upserts a cron row by queue name (spec.md §4.4). Foreign
// key violations are remapped to a user-facing "queue not found"
// error per spec.md §7.
func (m *Manager) Schedule(ctx context.Context, name, cronExpr, timezone string, data []byte, opts swiftq.SendOptions) error {
	optsJSON, err := encodeSendOptions(opts)
	if err != nil {
		return err
	}
	_, err = m.store.Pool().Exec(ctx, qUpsertSchedule, name, cronExpr, timezone, data, optsJSON)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("%w: %s", swiftq.ErrQueueNotFound, name)
		}
		return fmt.Errorf("schedule: %w", err)
	}
	return nil
}

// Unschedule removes a queue's cron row.
func (m *Manager) Unschedule(ctx context.Context, name string) error {
	_, err := m.store.Pool().Exec(ctx, qDeleteSchedule, name)
	if err != nil {
		return fmt.Errorf("unschedule: %w", err)
	}
	return nil
}

// ListSchedules returns every configured cron rule.
func (m *Manager) ListSchedules(ctx context.Context) ([]swiftq.Schedule, error) {
	rows, err := m.store.Pool().Query(ctx, qListSchedules)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []swiftq.Schedule
	for rows.Next() {
		var s swiftq.Schedule
		var optsJSON []byte
		if err := rows.Scan(&s.Name, &s.Cron, &s.Timezone, &s.Data, &optsJSON); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if len(optsJSON) > 0 {
			opts, err := decodeSendOptions(optsJSON)
			if err != nil {
				return nil, err
			}
			s.Options = opts
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
