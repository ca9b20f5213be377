package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"swiftq/swiftq"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("SWIFTQ_TEST_DSN")
	if dsn == "" {
		t.Skip("SWIFTQ_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := New(ctx, dsn, 5)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		t.Fatalf("migrate: %v", err)
	}
	if _, err := store.Pool().Exec(ctx, `TRUNCATE job, archive, schedule, subscription, queue CASCADE`); err != nil {
		store.Close()
		t.Fatalf("truncate: %v", err)
	}
	if _, err := store.Pool().Exec(ctx, `UPDATE version SET maintained_on = NULL, monitored_on = NULL, cron_on = NULL`); err != nil {
		store.Close()
		t.Fatalf("reset version: %v", err)
	}

	t.Cleanup(store.Close)
	return store
}

func mustCreateQueue(t *testing.T, ctx context.Context, mgr *Manager, name string) {
	t.Helper()
	if err := mgr.CreateQueue(ctx, name, swiftq.QueueOptions{
		Policy:           swiftq.PolicyStandard,
		RetryLimit:       3,
		RetryDelay:       1,
		ExpireSeconds:    900,
		RetentionMinutes: 20160,
	}); err != nil {
		t.Fatalf("create queue %s: %v", name, err)
	}
}

func TestInsertFetchCompleteRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	mgr := NewManager(store)

	mustCreateQueue(t, ctx, mgr, "emails")

	id, err := mgr.Send(ctx, "emails", []byte(`{"to":"a@example.com"}`), swiftq.SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id == "" {
		t.Fatalf("expected a non-empty job id")
	}

	jobs, err := mgr.Fetch(ctx, "emails", swiftq.WorkOptions{BatchSize: 10})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != id {
		t.Fatalf("expected to fetch the sent job, got %+v", jobs)
	}
	if jobs[0].State != swiftq.StateActive {
		t.Fatalf("expected fetched job to be claimed active, got %s", jobs[0].State)
	}

	// A second fetch must not reclaim the already-active job.
	again, err := mgr.Fetch(ctx, "emails", swiftq.WorkOptions{BatchSize: 10})
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no jobs on second fetch, got %d", len(again))
	}

	if err := mgr.Complete(ctx, []string{id}, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := mgr.GetJobByID(ctx, "emails", id, swiftq.GetJobOptions{})
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != swiftq.StateCompleted {
		t.Fatalf("expected completed state, got %s", got.State)
	}
}

func TestSingletonConflictAbsorbedNotErrored(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	mgr := NewManager(store)

	mustCreateQueue(t, ctx, mgr, "reports")

	opts := swiftq.SendOptions{SingletonKey: "daily-report", SingletonSeconds: 3600}
	id1, err := mgr.Send(ctx, "reports", []byte(`{}`), opts)
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	if id1 == "" {
		t.Fatalf("expected first send to succeed")
	}

	id2, err := mgr.Send(ctx, "reports", []byte(`{}`), opts)
	if err != nil {
		t.Fatalf("second send should not error: %v", err)
	}
	if id2 != "" {
		t.Fatalf("expected second send to be silently absorbed, got id %q", id2)
	}
}

func TestCancelAndResume(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	mgr := NewManager(store)

	mustCreateQueue(t, ctx, mgr, "reports")
	id, err := mgr.Send(ctx, "reports", []byte(`{}`), swiftq.SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := mgr.Cancel(ctx, []string{id}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	job, err := mgr.GetJobByID(ctx, "reports", id, swiftq.GetJobOptions{})
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.State != swiftq.StateCancelled {
		t.Fatalf("expected cancelled, got %s", job.State)
	}

	if err := mgr.Resume(ctx, []string{id}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	job, err = mgr.GetJobByID(ctx, "reports", id, swiftq.GetJobOptions{})
	if err != nil {
		t.Fatalf("get job after resume: %v", err)
	}
	if job.State != swiftq.StateCreated {
		t.Fatalf("expected created after resume, got %s", job.State)
	}
}

func TestRetryAdvancesRetryCountAndRoutesDeadLetter(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	mgr := NewManager(store)

	dlq := "reports-dead"
	mustCreateQueue(t, ctx, mgr, dlq)
	if err := mgr.CreateQueue(ctx, "reports", swiftq.QueueOptions{
		Policy: swiftq.PolicyStandard, RetryLimit: 1, RetryDelay: 1, ExpireSeconds: 900, RetentionMinutes: 1440, DeadLetter: dlq,
	}); err != nil {
		t.Fatalf("create queue: %v", err)
	}

	id, err := mgr.Send(ctx, "reports", []byte(`{}`), swiftq.SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	outcomes, err := mgr.Retry(ctx, []string{id}, 1)
	if err != nil {
		t.Fatalf("retry #1: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].ExceededLimit {
		t.Fatalf("expected first retry within limit, got %+v", outcomes)
	}

	outcomes, err = mgr.Retry(ctx, []string{id}, 1)
	if err != nil {
		t.Fatalf("retry #2: %v", err)
	}
	if len(outcomes) != 1 || !outcomes[0].ExceededLimit {
		t.Fatalf("expected second retry to exceed the limit, got %+v", outcomes)
	}
	if outcomes[0].DeadLetter == nil || *outcomes[0].DeadLetter != dlq {
		t.Fatalf("expected dead letter queue %q, got %+v", dlq, outcomes[0].DeadLetter)
	}

	job, err := mgr.GetJobByID(ctx, "reports", id, swiftq.GetJobOptions{})
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.State != swiftq.StateFailed {
		t.Fatalf("expected source job in failed state once retry_count exceeds retry_limit, got %s", job.State)
	}
}

func TestRouteDeadLetterInsertsResetCopyAndFailsSource(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	mgr := NewManager(store)

	dlq := "reports-dead"
	mustCreateQueue(t, ctx, mgr, dlq)
	if err := mgr.CreateQueue(ctx, "reports", swiftq.QueueOptions{
		Policy: swiftq.PolicyStandard, RetryLimit: 1, RetryDelay: 1, ExpireSeconds: 900, RetentionMinutes: 1440, DeadLetter: dlq,
	}); err != nil {
		t.Fatalf("create queue: %v", err)
	}

	id, err := mgr.Send(ctx, "reports", []byte(`{"k":"v"}`), swiftq.SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	job, err := mgr.GetJobByID(ctx, "reports", id, swiftq.GetJobOptions{})
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	job.RetryCount = job.RetryLimit

	if err := mgr.RouteDeadLetter(ctx, *job, []byte(`{"error":"boom"}`)); err != nil {
		t.Fatalf("route dead letter: %v", err)
	}

	source, err := mgr.GetJobByID(ctx, "reports", id, swiftq.GetJobOptions{})
	if err != nil {
		t.Fatalf("get source job: %v", err)
	}
	if source.State != swiftq.StateFailed {
		t.Fatalf("expected source job failed, got %s", source.State)
	}

	sizes, err := mgr.GetQueueSize(ctx, dlq)
	if err != nil {
		t.Fatalf("dlq queue size: %v", err)
	}
	if sizes[swiftq.StateCreated] != 1 {
		t.Fatalf("expected one reset copy created in %q, got %+v", dlq, sizes)
	}
}

func TestQueueCRUDAndSize(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	mgr := NewManager(store)

	mustCreateQueue(t, ctx, mgr, "billing")
	if _, err := mgr.Send(ctx, "billing", []byte(`{}`), swiftq.SendOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	sizes, err := mgr.GetQueueSize(ctx, "billing")
	if err != nil {
		t.Fatalf("queue size: %v", err)
	}
	if sizes[swiftq.StateCreated] != 1 {
		t.Fatalf("expected 1 created job, got %+v", sizes)
	}

	if err := mgr.UpdateQueue(ctx, "billing", swiftq.QueueOptions{Policy: swiftq.PolicyShort, RetryLimit: 5, ExpireSeconds: 60, RetentionMinutes: 10}); err != nil {
		t.Fatalf("update queue: %v", err)
	}
	q, err := mgr.GetQueue(ctx, "billing")
	if err != nil {
		t.Fatalf("get queue: %v", err)
	}
	if q.Policy != swiftq.PolicyShort || q.RetryLimit != 5 {
		t.Fatalf("expected updated queue metadata, got %+v", q)
	}

	if err := mgr.PurgeQueue(ctx, "billing"); err != nil {
		t.Fatalf("purge queue: %v", err)
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	mgr := NewManager(store)

	mustCreateQueue(t, ctx, mgr, "digest")
	if err := mgr.Schedule(ctx, "digest", "0 * * * *", "UTC", []byte(`{}`), swiftq.SendOptions{}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	schedules, err := mgr.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(schedules) != 1 || schedules[0].Name != "digest" {
		t.Fatalf("expected one schedule for digest, got %+v", schedules)
	}

	if err := mgr.Unschedule(ctx, "digest"); err != nil {
		t.Fatalf("unschedule: %v", err)
	}
	schedules, err = mgr.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list schedules after unschedule: %v", err)
	}
	if len(schedules) != 0 {
		t.Fatalf("expected no schedules after unschedule, got %+v", schedules)
	}
}

func TestScheduleUnknownQueueIsQueueNotFound(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	mgr := NewManager(store)

	err := mgr.Schedule(ctx, "does-not-exist", "0 * * * *", "UTC", []byte(`{}`), swiftq.SendOptions{})
	if err == nil {
		t.Fatalf("expected an error scheduling against an unknown queue")
	}
}

func TestPublishSubscribeFanOut(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	mgr := NewManager(store)

	mustCreateQueue(t, ctx, mgr, "fanout-a")
	mustCreateQueue(t, ctx, mgr, "fanout-b")

	if err := mgr.Subscribe(ctx, "user.created", "fanout-a"); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if err := mgr.Subscribe(ctx, "user.created", "fanout-b"); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	if err := mgr.Publish(ctx, "user.created", []byte(`{"id":1}`), swiftq.SendOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, q := range []string{"fanout-a", "fanout-b"} {
		sizes, err := mgr.GetQueueSize(ctx, q)
		if err != nil {
			t.Fatalf("queue size %s: %v", q, err)
		}
		if sizes[swiftq.StateCreated] != 1 {
			t.Fatalf("expected one job fanned out to %s, got %+v", q, sizes)
		}
	}

	if err := mgr.Unsubscribe(ctx, "user.created", "fanout-b"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
}

func TestLeaderElectionIsExclusivePerTick(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	first, err := store.TryAcquireLeader(ctx, TickMaintenance, time.Minute)
	if err != nil {
		t.Fatalf("acquire #1: %v", err)
	}
	if !first {
		t.Fatalf("expected the first acquire to win the lease")
	}

	second, err := store.TryAcquireLeader(ctx, TickMaintenance, time.Minute)
	if err != nil {
		t.Fatalf("acquire #2: %v", err)
	}
	if second {
		t.Fatalf("expected the second acquire to lose while the lease is fresh")
	}

	// A different tick is independently leased.
	other, err := store.TryAcquireLeader(ctx, TickCron, time.Minute)
	if err != nil {
		t.Fatalf("acquire cron tick: %v", err)
	}
	if !other {
		t.Fatalf("expected the cron tick's independent lease to be acquirable")
	}
}

func TestMeasureSkewAgainstOwnClock(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	skew, err := store.MeasureSkew(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("measure skew: %v", err)
	}
	if skew > 5*time.Second || skew < -5*time.Second {
		t.Fatalf("expected a small skew against the local clock in CI, got %s", skew)
	}
}

func TestRunMaintenanceExpiresTimedOutActiveJobs(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	mgr := NewManager(store)

	mustCreateQueue(t, ctx, mgr, "slow")
	oneSecond := 1
	id, err := mgr.Send(ctx, "slow", []byte(`{}`), swiftq.SendOptions{ExpireInSeconds: &oneSecond})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := mgr.Fetch(ctx, "slow", swiftq.WorkOptions{BatchSize: 1}); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	// Backdate start_after/created_on isn't necessary: expire_in_seconds
	// is measured from started_on, so push it into the past directly.
	if _, err := store.Pool().Exec(ctx, `UPDATE job SET started_on = now() - interval '1 hour' WHERE id = $1`, id); err != nil {
		t.Fatalf("backdate started_on: %v", err)
	}

	res, err := store.RunMaintenance(ctx, 24*time.Hour, 24*time.Hour, 24*time.Hour)
	if err != nil {
		t.Fatalf("run maintenance: %v", err)
	}
	if res.Expired < 1 {
		t.Fatalf("expected at least one expired job, got %+v", res)
	}

	job, err := mgr.GetJobByID(ctx, "slow", id, swiftq.GetJobOptions{})
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.State != swiftq.StateFailed {
		t.Fatalf("expected timed-out job to be failed, got %s", job.State)
	}
}

func TestMonitorStates(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	mgr := NewManager(store)

	mustCreateQueue(t, ctx, mgr, "counts")
	if _, err := mgr.Send(ctx, "counts", []byte(`{}`), swiftq.SendOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	counts, err := store.MonitorStates(ctx)
	if err != nil {
		t.Fatalf("monitor states: %v", err)
	}
	if counts["counts"]["created"] != 1 {
		t.Fatalf("expected one created job in counts queue, got %+v", counts)
	}
}
