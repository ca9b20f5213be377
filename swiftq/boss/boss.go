// Package boss wires the storage layer, the job manager, the event
// bus, the worker registry, and the supervisor/timekeeper background
// loops into one façade, and handles graceful start/stop. It is kept
// out of the root swiftq package because that package's own types
// (Bus, Job, Clock, ...) are imported by worker, supervisor, and cron
// — a façade living there that also imports those three packages
// would be an import cycle. Grounded on the teacher's
// cmd/worker/main.go and cmd/api/main.go wiring sequence (connect ->
// migrate -> construct components -> run) and taskharbor's
// Worker.Run drain-on-cancel pattern, generalized into a single
// reusable type rather than two separate process entrypoints.
package boss

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"swiftq/swiftq"
	"swiftq/swiftq/cron"
	"swiftq/swiftq/driver/postgres"
	"swiftq/swiftq/ratelimit"
	"swiftq/swiftq/supervisor"
	"swiftq/swiftq/telemetry"
	"swiftq/swiftq/validate"
	"swiftq/swiftq/worker"
)

// ErrThrottled is returned by Send when the producer-side token bucket
// rejects the call (SPEC_FULL.md's supplemented rate-limit feature).
var ErrThrottled = fmt.Errorf("swiftq: rate limited")

type bossState int32

const (
	stateIdle bossState = iota
	stateStarting
	stateStarted
	stateStopped
)

// Boss is the façade described above.
type Boss struct {
	cfg   swiftq.Config
	log   *slog.Logger
	clock swiftq.Clock
	bus   *swiftq.Bus

	state  atomic.Int32
	cancel context.CancelFunc
	runCtx context.Context
	wg     sync.WaitGroup

	store   *postgres.Store
	mgr     *postgres.Manager
	limiter *ratelimit.TokenBucket
	offload *postgres.BlobOffloader
	opsSrv  *http.Server

	mu      sync.Mutex
	workers map[string]*worker.Worker
}

// New constructs a Boss from cfg. log defaults to slog.Default() and
// clock to swiftq.SystemClock{} when nil. Start must be called before
// the queue is usable.
func New(cfg swiftq.Config, log *slog.Logger, clock swiftq.Clock) *Boss {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = swiftq.SystemClock{}
	}
	return &Boss{
		cfg:     cfg,
		log:     log,
		clock:   clock,
		bus:     swiftq.NewBus(),
		workers: make(map[string]*worker.Worker),
	}
}

// Bus exposes the typed event registry so embedders can subscribe
// before or after Start.
func (b *Boss) Bus() *swiftq.Bus { return b.bus }

// Manager exposes the postgres-backed operation surface directly, for
// callers that need operations Boss does not wrap (Cancel, Resume,
// Retry, queue CRUD, Publish/Subscribe, Schedule, ...). Valid only
// after Start returns successfully.
func (b *Boss) Manager() *postgres.Manager { return b.mgr }

// Start opens the pool, idempotently installs the schema, then starts
// the supervisor and timekeeper. It is a no-op when already started or
// starting: concurrent Start calls collapse (spec.md §6).
func (b *Boss) Start(ctx context.Context) error {
	if !b.state.CompareAndSwap(int32(stateIdle), int32(stateStarting)) {
		return nil
	}

	store, err := postgres.New(ctx, b.cfg.DSN(), b.cfg.Max)
	if err != nil {
		b.state.Store(int32(stateIdle))
		return fmt.Errorf("connect postgres: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		b.state.Store(int32(stateIdle))
		return fmt.Errorf("migrate schema: %w", err)
	}
	b.store = store
	b.mgr = postgres.NewManager(store)

	if b.cfg.RateLimitCapacity > 0 {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     b.cfg.RedisAddr,
			Password: b.cfg.RedisPassword,
			DB:       b.cfg.RedisDB,
		})
		b.limiter = ratelimit.NewTokenBucket(redisClient, b.cfg.RateLimitCapacity, b.cfg.RateLimitRefillPerSec, time.Hour)
	} else {
		b.limiter = ratelimit.NewTokenBucket(nil, 0, 0, 0)
	}

	if b.cfg.BlobOffloadBytes > 0 && b.cfg.BlobBucket != "" {
		s3Client, err := newS3Client(ctx, b.cfg)
		if err != nil {
			store.Close()
			b.state.Store(int32(stateIdle))
			return fmt.Errorf("init blob offload: %w", err)
		}
		b.offload = postgres.NewBlobOffloader(s3Client, b.cfg.BlobBucket, b.cfg.BlobOffloadBytes)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.runCtx = runCtx
	b.cancel = cancel

	sup := supervisor.New(store, supervisor.Config{
		MaintenanceInterval: time.Duration(b.cfg.MaintenanceIntervalSeconds) * time.Second,
		MonitorInterval:     time.Duration(b.cfg.MonitorStateIntervalSeconds) * time.Second,
		ArchiveAfter:        time.Duration(b.cfg.ArchiveIntervalSeconds) * time.Second,
		ArchiveFailedAfter:  time.Duration(b.cfg.ArchiveFailedIntervalSeconds) * time.Second,
		DropAfter:           time.Duration(b.cfg.DeleteAfterSeconds) * time.Second,
	}, b.bus, b.log, b.offload)

	tk := cron.New(store, b.mgr, cron.Config{
		CronMonitorInterval:  time.Minute,
		ClockMonitorInterval: time.Duration(b.cfg.ClockMonitorIntervalSeconds) * time.Second,
		ArchiveInterval:      time.Duration(b.cfg.ArchiveIntervalSeconds) * time.Second,
	}, b.bus, b.log, b.clock)

	b.wg.Add(2)
	go func() { defer b.wg.Done(); sup.Run(runCtx) }()
	go func() { defer b.wg.Done(); tk.Run(runCtx) }()

	if b.cfg.MetricsAddr != "" {
		b.startOpsServer()
	}

	b.state.Store(int32(stateStarted))
	return nil
}

func newS3Client(ctx context.Context, cfg swiftq.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.BlobRegion),
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.BlobPathStyle
		if cfg.BlobEndpoint != "" {
			o.BaseEndpoint = &cfg.BlobEndpoint
		}
	}), nil
}

// startOpsServer serves only /healthz and /metrics: ambient
// observability, never the out-of-scope job dashboard (spec.md §1).
func (b *Boss) startOpsServer() {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	b.opsSrv = &http.Server{Addr: b.cfg.MetricsAddr, Handler: r}
	go func() {
		if err := b.opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.log.Error("ops server stopped", "error", err)
		}
	}()
}

// RegisterWorker starts a polling loop for queue, dispatching fetched
// batches to handler. The returned Worker can be Notify()'d directly;
// Send already notifies any worker registered for the targeted queue.
func (b *Boss) RegisterWorker(queue string, handler worker.Handler, opts swiftq.WorkOptions) *worker.Worker {
	interval := time.Duration(b.cfg.PollingIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	w := worker.New(uuid.NewString(), queue, b.mgr, handler, opts, interval, b.bus)

	b.mu.Lock()
	b.workers[w.ID()] = w
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		w.Run(b.runCtx)
	}()
	return w
}

// Send validates and admits one job, applying the producer-side rate
// limiter ahead of the manager's singleton/debounce admission check,
// then wakes any worker already polling the target queue.
func (b *Boss) Send(ctx context.Context, queue string, data []byte, opts swiftq.SendOptions) (string, error) {
	if bossState(b.state.Load()) != stateStarted {
		return "", swiftq.ErrClosed
	}
	if err := validate.QueueName(queue); err != nil {
		return "", err
	}
	if opts.SingletonKey != "" {
		if err := validate.SingletonKey(opts.SingletonKey); err != nil {
			return "", err
		}
	}
	if opts.SingletonSeconds > 0 {
		if err := validate.SingletonSeconds(opts.SingletonSeconds); err != nil {
			return "", err
		}
	}

	if b.limiter.Enabled() {
		allowed, _, err := b.limiter.Allow(ctx, queue)
		if err != nil {
			return "", fmt.Errorf("rate limit check: %w", err)
		}
		if !allowed {
			telemetry.JobsThrottled.WithLabelValues(queue).Inc()
			return "", ErrThrottled
		}
	}

	id, err := b.mgr.Send(ctx, queue, data, opts)
	if err != nil {
		b.bus.Emit(swiftq.EventError, swiftq.ErrorEvent{Op: "send", Err: err})
		return "", err
	}
	if id == "" {
		return "", nil
	}

	telemetry.JobsSent.WithLabelValues(queue).Inc()
	b.bus.Emit(swiftq.EventInsert, swiftq.InsertEvent{Queue: queue, ID: id})
	b.notifyWorkers(queue)
	return id, nil
}

func (b *Boss) notifyWorkers(queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range b.workers {
		if w.Queue() == queue {
			w.Notify()
		}
	}
}

// Stop requests shutdown: every worker is stopped and its in-flight
// batch (if any) is allowed to drain, then the supervisor and
// timekeeper loops are cancelled; the wait is bounded by
// cfg.ShutdownTimeout (spec.md §4.3/§5's drain-then-close policy).
// A second Stop call is a no-op.
func (b *Boss) Stop(ctx context.Context) error {
	if !b.state.CompareAndSwap(int32(stateStarted), int32(stateStopped)) {
		return nil
	}

	done := make(chan struct{})
	go func() {
		b.mu.Lock()
		workers := make([]*worker.Worker, 0, len(b.workers))
		for _, w := range b.workers {
			workers = append(workers, w)
		}
		b.mu.Unlock()

		var drain sync.WaitGroup
		for _, w := range workers {
			drain.Add(1)
			go func(w *worker.Worker) {
				defer drain.Done()
				w.Stop()
			}(w)
		}
		drain.Wait()
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
		close(done)
	}()

	timeout := b.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		b.log.Warn("graceful shutdown timed out waiting for workers to drain", "timeout", timeout)
	case <-ctx.Done():
	}
	if b.cancel != nil {
		b.cancel()
	}

	if b.opsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = b.opsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if b.store != nil {
		b.store.Close()
	}

	b.bus.Emit(swiftq.EventStopped, swiftq.StoppedEvent{})
	return nil
}
