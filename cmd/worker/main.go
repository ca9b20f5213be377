// Command worker runs a standalone swiftq consumer process: it starts
// the façade (storage, supervisor, timekeeper, ops HTTP mux) and
// registers one worker per queue named on the command line.
//
// Grounded on the teacher's cmd/worker/main.go signal-handling and
// startup sequence, trimmed of the image-processing handler
// registrations (out of scope here — job payloads are opaque
// documents) and pointed at swiftq/swiftq/boss instead of the
// teacher's queue/store/worker trio directly.
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"swiftq/swiftq"
	"swiftq/swiftq/boss"
	"swiftq/swiftq/worker"
)

func main() {
	cfg, err := swiftq.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	queues := os.Args[1:]
	if len(queues) == 0 {
		queues = []string{"default"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		logger.Info("shutdown signal received")
		cancel()
	}()

	b := boss.New(cfg, logger, nil)
	if err := b.Start(ctx); err != nil {
		log.Fatalf("start swiftq: %v", err)
	}

	for _, q := range queues {
		b.RegisterWorker(q, echoHandler(logger), swiftq.WorkOptions{BatchSize: 10})
	}

	logger.Info("worker started", "queues", queues)
	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+5*time.Second)
	defer stopCancel()
	if err := b.Stop(stopCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

// echoHandler is a placeholder handler: the actual job handler is
// application-specific business logic supplied by the embedder, out
// of scope for this repo. It demonstrates the Handler contract by
// succeeding unconditionally and echoing the job's id in its output.
func echoHandler(logger *slog.Logger) worker.Handler {
	return func(_ context.Context, job swiftq.Job) swiftq.CallbackResult {
		logger.Info("job received", "queue", job.Name, "job_id", job.ID)
		out, err := json.Marshal(map[string]string{"processed": job.ID})
		if err != nil {
			return swiftq.Fail(err.Error())
		}
		return swiftq.Ok(out)
	}
}
