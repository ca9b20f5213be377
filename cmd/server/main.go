// Command server runs a standalone swiftq producer process: the
// façade (storage, supervisor, timekeeper, ops HTTP mux), with no
// workers registered. It is meant to be embedded by application code
// that calls Boss.Send/Boss.Manager() directly; the job dashboard and
// HTTP enqueue API spec.md §1 excludes are not part of this binary.
//
// Grounded on the teacher's cmd/api/main.go signal-handling and
// startup sequence, trimmed of the HTTP router (api.New/server.Router)
// since the job-facing dashboard stays out of scope here.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"swiftq/swiftq"
	"swiftq/swiftq/boss"
)

func main() {
	queueName := flag.String("queue", "", "if set, send one job to this queue at startup as a smoke test")
	payload := flag.String("data", "{}", "JSON payload to send with -queue")
	flag.Parse()

	cfg, err := swiftq.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

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

	if *queueName != "" {
		id, err := b.Send(ctx, *queueName, []byte(*payload), swiftq.SendOptions{})
		if err != nil {
			logger.Error("send", "queue", *queueName, "error", err)
		} else {
			logger.Info("sent job", "queue", *queueName, "job_id", id)
		}
	}

	logger.Info("server started", "metrics_addr", cfg.MetricsAddr)
	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+5*time.Second)
	defer stopCancel()
	if err := b.Stop(stopCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}
