package boss

import (
	"context"
	"os"
	"testing"
	"time"

	"swiftq/swiftq"
)

func testConfig() swiftq.Config {
	return swiftq.Config{
		Host: "localhost", Port: 5432, User: "swiftq", Password: "swiftq", Database: "swiftq",
		Max:                          5,
		ArchiveIntervalSeconds:       86400,
		ArchiveFailedIntervalSeconds: 86400,
		DeleteAfterSeconds:           86400,
		MaintenanceIntervalSeconds:   300,
		MonitorStateIntervalSeconds:  60,
		ClockMonitorIntervalSeconds:  60,
		PollingIntervalSeconds:       1,
		MetricsAddr:                  "",
		ShutdownTimeout:              5 * time.Second,
	}
}

func TestSendBeforeStartReturnsErrClosed(t *testing.T) {
	b := New(testConfig(), nil, nil)

	_, err := b.Send(context.Background(), "emails", []byte(`{}`), swiftq.SendOptions{})
	if err != swiftq.ErrClosed {
		t.Fatalf("expected ErrClosed before Start, got %v", err)
	}
}

func TestStopBeforeStartIsNoOp(t *testing.T) {
	b := New(testConfig(), nil, nil)

	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop before Start should be a no-op, got %v", err)
	}
}

func TestStartSendStopIntegration(t *testing.T) {
	dsn := os.Getenv("SWIFTQ_TEST_DSN")
	if dsn == "" {
		t.Skip("SWIFTQ_TEST_DSN not set")
	}

	cfg := swiftq.Config{
		ConnectionString:             dsn,
		Max:                          5,
		ArchiveIntervalSeconds:       86400,
		ArchiveFailedIntervalSeconds: 86400,
		DeleteAfterSeconds:           86400,
		MaintenanceIntervalSeconds:   300,
		MonitorStateIntervalSeconds:  60,
		ClockMonitorIntervalSeconds:  60,
		PollingIntervalSeconds:       1,
		MetricsAddr:                  "",
		ShutdownTimeout:              5 * time.Second,
	}

	b := New(cfg, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := b.Manager().CreateQueue(ctx, "boss-smoke", swiftq.QueueOptions{}); err != nil {
		t.Fatalf("create queue: %v", err)
	}

	var gotID string
	done := make(chan struct{}, 1)
	b.RegisterWorker("boss-smoke", func(_ context.Context, job swiftq.Job) swiftq.CallbackResult {
		gotID = job.ID
		done <- struct{}{}
		return swiftq.Ok(nil)
	}, swiftq.WorkOptions{BatchSize: 1})

	id, err := b.Send(ctx, "boss-smoke", []byte(`{"k":"v"}`), swiftq.SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for worker to process sent job")
	}
	if gotID != id {
		t.Fatalf("expected worker to receive job %s, got %s", id, gotID)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := b.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
