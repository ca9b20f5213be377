// Package supervisor runs the two periodic, leader-gated ticks
// spec.md §5 names: maintenance (expire timed-out jobs, archive
// terminal jobs, drop stale archive rows) and monitor (publish
// per-queue/per-state job counts). Grounded on the teacher's
// cmd/worker/main.go background-ticker shape, reworked around the
// driver's per-tick leader-election CAS instead of a single-process
// assumption.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"swiftq/swiftq"
	"swiftq/swiftq/driver/postgres"
	"swiftq/swiftq/telemetry"
)

// Leader is the subset of the postgres Store a Supervisor needs.
type Leader interface {
	TryAcquireLeader(ctx context.Context, tick postgres.LeaderTick, interval time.Duration) (bool, error)
	RunMaintenance(ctx context.Context, archiveAfter, archiveFailedAfter, dropAfter time.Duration) (postgres.MaintenanceResult, error)
	MonitorStates(ctx context.Context) (map[string]map[string]int64, error)
	OffloadRecentlyArchived(ctx context.Context, off *postgres.BlobOffloader) error
}

// Config carries the intervals and retention windows the two ticks need.
type Config struct {
	MaintenanceInterval time.Duration
	MonitorInterval     time.Duration
	ArchiveAfter        time.Duration
	ArchiveFailedAfter  time.Duration
	DropAfter           time.Duration
}

// Supervisor runs the maintenance and monitor ticks on their own
// timers, each gated by a non-reentrant leader-election CAS so only
// one process in a cluster performs the work on any given tick
// (spec.md §5).
type Supervisor struct {
	store  Leader
	cfg    Config
	bus    *swiftq.Bus
	log    *slog.Logger
	offload *postgres.BlobOffloader

	maintRunning bool
	monRunning   bool
}

// New constructs a Supervisor. offload may be nil to disable blob offload.
func New(store Leader, cfg Config, bus *swiftq.Bus, log *slog.Logger, offload *postgres.BlobOffloader) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{store: store, cfg: cfg, bus: bus, log: log, offload: offload}
}

// Run drives both ticks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	maintTicker := time.NewTicker(s.cfg.MaintenanceInterval)
	monTicker := time.NewTicker(s.cfg.MonitorInterval)
	defer maintTicker.Stop()
	defer monTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-maintTicker.C:
			s.tickMaintenance(ctx)
		case <-monTicker.C:
			s.tickMonitor(ctx)
		}
	}
}

func (s *Supervisor) tickMaintenance(ctx context.Context) {
	if s.maintRunning {
		return
	}
	acquired, err := s.store.TryAcquireLeader(ctx, postgres.TickMaintenance, s.cfg.MaintenanceInterval)
	if err != nil {
		s.log.Error("acquire maintenance leader", "error", err)
		return
	}
	if !acquired {
		return
	}

	s.maintRunning = true
	defer func() { s.maintRunning = false }()

	result, err := s.store.RunMaintenance(ctx, s.cfg.ArchiveAfter, s.cfg.ArchiveFailedAfter, s.cfg.DropAfter)
	if err != nil {
		s.log.Error("run maintenance", "error", err)
		s.emitError("maintenance", err)
		return
	}

	if s.offload != nil {
		if err := s.store.OffloadRecentlyArchived(ctx, s.offload); err != nil {
			s.log.Warn("offload archived blobs", "error", err)
		}
	}

	telemetry.MaintenanceExpired.Add(float64(result.Expired))
	telemetry.MaintenanceArchived.Add(float64(result.Archived))
	telemetry.MaintenanceDropped.Add(float64(result.Dropped))

	s.log.Info("maintenance tick", "expired", result.Expired, "archived", result.Archived, "dropped", result.Dropped)
	if s.bus != nil {
		s.bus.Emit(swiftq.EventMaintenance, swiftq.MaintenanceEvent{
			Expired: result.Expired, Archived: result.Archived, Dropped: result.Dropped,
		})
	}
}

func (s *Supervisor) tickMonitor(ctx context.Context) {
	if s.monRunning {
		return
	}
	acquired, err := s.store.TryAcquireLeader(ctx, postgres.TickMonitor, s.cfg.MonitorInterval)
	if err != nil {
		s.log.Error("acquire monitor leader", "error", err)
		return
	}
	if !acquired {
		return
	}

	s.monRunning = true
	defer func() { s.monRunning = false }()

	byQueueState, err := s.store.MonitorStates(ctx)
	if err != nil {
		s.log.Error("monitor states", "error", err)
		s.emitError("monitor", err)
		return
	}

	counts := buildStateCounts(byQueueState)
	for queue, states := range byQueueState {
		for state, n := range states {
			telemetry.QueueStateDepth.WithLabelValues(queue, state).Set(float64(n))
		}
	}

	if s.bus != nil {
		s.bus.Emit(swiftq.EventMonitorStates, swiftq.MonitorStatesEvent{Counts: counts})
	}
}

func buildStateCounts(byQueueState map[string]map[string]int64) swiftq.StateCounts {
	counts := swiftq.StateCounts{
		ByQueueState: make(map[string]map[swiftq.JobState]int64),
		ByState:      make(map[swiftq.JobState]int64),
	}
	for queue, states := range byQueueState {
		converted := make(map[swiftq.JobState]int64, len(states))
		for state, n := range states {
			js := swiftq.JobState(state)
			converted[js] = n
			counts.ByState[js] += n
			counts.Total += n
		}
		counts.ByQueueState[queue] = converted
	}
	return counts
}

func (s *Supervisor) emitError(op string, err error) {
	if s.bus != nil {
		s.bus.Emit(swiftq.EventError, swiftq.ErrorEvent{Op: op, Err: err})
	}
}
