package postgres

import (
	"context"
	"fmt"
	"time"
)

// LeaderTick names the three independently-leased ticks a cluster of
// swiftq processes coordinates over the singleton version row
// (spec.md §5's maintenance/monitor ticks and §4.4's cron tick).
type LeaderTick string

const (
	TickMaintenance LeaderTick = "maintained_on"
	TickMonitor     LeaderTick = "monitored_on"
	TickCron        LeaderTick = "cron_on"
)

// TryAcquireLeader attempts to claim tick by advancing its timestamp
// column, but only if the column is unset or older than interval. The
// UPDATE's affected-row count is the lease: many processes can race
// this call concurrently and at most one sees RowsAffected() == 1
// (spec.md §5's "leader election per tick" design).
func (s *Store) TryAcquireLeader(ctx context.Context, tick LeaderTick, interval time.Duration) (bool, error) {
	var q string
	switch tick {
	case TickMaintenance:
		q = qTryLeaderMaintained
	case TickMonitor:
		q = qTryLeaderMonitored
	case TickCron:
		q = qTryLeaderCron
	default:
		return false, fmt.Errorf("unknown leader tick %q", tick)
	}

	tag, err := s.pool.Exec(ctx, q, int(interval.Seconds()))
	if err != nil {
		return false, fmt.Errorf("acquire leader %s: %w", tick, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MeasureSkew returns the database server's clock minus the caller's
// local clock, letting the cron timekeeper warn when local and server
// time disagree enough to misfire schedules (spec.md §4.4).
func (s *Store) MeasureSkew(ctx context.Context, localNow time.Time) (time.Duration, error) {
	var serverNow time.Time
	if err := s.pool.QueryRow(ctx, qServerNow).Scan(&serverNow); err != nil {
		return 0, fmt.Errorf("measure clock skew: %w", err)
	}
	return serverNow.Sub(localNow), nil
}
