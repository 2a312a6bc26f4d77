package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// HealthState is the thresholded state Health computes from its counters.
type HealthState string

// Health states.
const (
	HealthHealthy  HealthState = "HEALTHY"
	HealthDegraded HealthState = "DEGRADED"
	HealthCritical HealthState = "CRITICAL"
)

// HealthSnapshot is a point-in-time read of Health's counters and derived state.
type HealthSnapshot struct {
	WorkerID            string
	LastSuccess         *time.Time
	ConsecutiveFailures int64
	StuckThreads        int64
	PoolExhaustions     int64
	State               HealthState
}

// Health implements the Health & Watchdog component: a thread-safe
// counter structure per worker/router plus the thresholded state
// computation. Counters live process-local per the design; the mirror
// method below is the optional cross-replica extension.
type Health struct {
	WorkerID string

	mu                  sync.Mutex
	lastSuccess         *time.Time
	consecutiveFailures int64
	stuckThreads        int64
	poolExhaustions     int64

	redis *redis.Client
}

// NewHealth constructs a Health tracker for one worker/router instance.
// redisClient may be nil, in which case counters stay process-local.
func NewHealth(workerID string, redisClient *redis.Client) *Health {
	return &Health{WorkerID: workerID, redis: redisClient}
}

// RecordSuccess resets consecutive failures and stamps last_success.
func (h *Health) RecordSuccess() {
	h.mu.Lock()
	now := time.Now()
	h.lastSuccess = &now
	h.consecutiveFailures = 0
	h.mu.Unlock()
	h.mirror(context.Background(), "consecutive_failures", 0)
}

// RecordFailure increments consecutive failures.
func (h *Health) RecordFailure() {
	h.mu.Lock()
	h.consecutiveFailures++
	n := h.consecutiveFailures
	h.mu.Unlock()
	h.mirror(context.Background(), "consecutive_failures", n)
}

// RecordStuckThread increments the stuck-thread counter, called when a
// processing task exceeds visibility_timeout + 5s of wall time.
func (h *Health) RecordStuckThread() {
	n := atomic.AddInt64(&h.stuckThreads, 1)
	h.mirror(context.Background(), "stuck_threads", n)
}

// RecordPoolExhaustion increments the pool-exhaustion counter.
func (h *Health) RecordPoolExhaustion() {
	n := atomic.AddInt64(&h.poolExhaustions, 1)
	h.mirror(context.Background(), "pool_exhaustions", n)
}

// Snapshot reads the current counters and derived state.
func (h *Health) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := HealthSnapshot{
		WorkerID:            h.WorkerID,
		LastSuccess:         h.lastSuccess,
		ConsecutiveFailures: h.consecutiveFailures,
		StuckThreads:        atomic.LoadInt64(&h.stuckThreads),
		PoolExhaustions:     atomic.LoadInt64(&h.poolExhaustions),
	}
	s.State = classify(s.StuckThreads, s.PoolExhaustions, s.ConsecutiveFailures)
	return s
}

func classify(stuckThreads, poolExhaustions, consecutiveFailures int64) HealthState {
	switch {
	case stuckThreads >= 3 || poolExhaustions >= 5:
		return HealthCritical
	case consecutiveFailures >= 10:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

func (h *Health) mirror(ctx context.Context, field string, value int64) {
	if h.redis == nil {
		return
	}
	key := "commandbus:health:" + h.WorkerID
	if err := h.redis.HSet(ctx, key, field, value).Err(); err != nil {
		slog.Warn("health redis mirror failed", slog.Any("error", err))
		return
	}
	h.redis.Expire(ctx, key, 5*time.Minute)
}

// RecoveryFunc is invoked by the Watchdog when a worker's state is CRITICAL.
type RecoveryFunc func(context.Context)

// Watchdog periodically reads a Health snapshot and acts on thresholded
// transitions: CRITICAL invokes recovery (by default, Stop on the owning
// worker, letting an external supervisor restart it); DEGRADED only logs.
type Watchdog struct {
	Health   *Health
	Interval time.Duration
	Recover  RecoveryFunc
}

// NewWatchdog constructs a Watchdog polling health every interval.
func NewWatchdog(health *Health, interval time.Duration, recover RecoveryFunc) *Watchdog {
	return &Watchdog{Health: health, Interval: interval, Recover: recover}
}

// Run blocks, polling until ctx is canceled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := w.Health.Snapshot()
			switch snap.State {
			case HealthCritical:
				slog.Error("worker health critical", slog.String("worker_id", snap.WorkerID),
					slog.Int64("stuck_threads", snap.StuckThreads), slog.Int64("pool_exhaustions", snap.PoolExhaustions))
				if w.Recover != nil {
					w.Recover(ctx)
				}
			case HealthDegraded:
				slog.Warn("worker health degraded", slog.String("worker_id", snap.WorkerID),
					slog.Int64("consecutive_failures", snap.ConsecutiveFailures))
			}
		}
	}
}

// AggregateFleetState reads every worker's mirrored counters from Redis and
// returns the worst observed state, letting an external dashboard or
// supervisor see CRITICAL/DEGRADED across replicas without this core owning
// a UX for it.
func AggregateFleetState(ctx context.Context, client *redis.Client, workerIDs []string) (HealthState, error) {
	worst := HealthHealthy
	for _, id := range workerIDs {
		key := "commandbus:health:" + id
		vals, err := client.HGetAll(ctx, key).Result()
		if err != nil {
			return "", fmt.Errorf("op=health.AggregateFleetState: %w", err)
		}
		if len(vals) == 0 {
			continue
		}
		var stuck, exhaustions, failures int64
		fmt.Sscanf(vals["stuck_threads"], "%d", &stuck)
		fmt.Sscanf(vals["pool_exhaustions"], "%d", &exhaustions)
		fmt.Sscanf(vals["consecutive_failures"], "%d", &failures)
		state := classify(stuck, exhaustions, failures)
		if rank(state) > rank(worst) {
			worst = state
		}
	}
	return worst, nil
}

func rank(s HealthState) int {
	switch s {
	case HealthCritical:
		return 2
	case HealthDegraded:
		return 1
	default:
		return 0
	}
}
