package usecase

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cleanup := func() {
		_ = client.Close()
		mr.Close()
	}
	return client, cleanup
}

func TestHealth_MirrorsCountersToRedis(t *testing.T) {
	client, cleanup := newTestRedisClient(t)
	defer cleanup()

	h := NewHealth("worker-reporting", client)
	h.RecordFailure()
	h.RecordFailure()

	vals, err := client.HGetAll(context.Background(), "commandbus:health:worker-reporting").Result()
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if vals["consecutive_failures"] != "2" {
		t.Fatalf("expected mirrored consecutive_failures=2, got %q", vals["consecutive_failures"])
	}
}

func TestAggregateFleetState_WorstAcrossReplicas(t *testing.T) {
	client, cleanup := newTestRedisClient(t)
	defer cleanup()

	healthy := NewHealth("worker-reporting-1", client)
	healthy.RecordSuccess()

	critical := NewHealth("worker-reporting-2", client)
	for i := 0; i < 3; i++ {
		critical.RecordStuckThread()
	}

	state, err := AggregateFleetState(context.Background(), client, []string{"worker-reporting-1", "worker-reporting-2"})
	if err != nil {
		t.Fatalf("AggregateFleetState: %v", err)
	}
	if state != HealthCritical {
		t.Fatalf("expected fleet state CRITICAL when any replica is critical, got %s", state)
	}
}

func TestAggregateFleetState_AllHealthy(t *testing.T) {
	client, cleanup := newTestRedisClient(t)
	defer cleanup()

	h := NewHealth("worker-reporting-1", client)
	h.RecordSuccess()

	state, err := AggregateFleetState(context.Background(), client, []string{"worker-reporting-1"})
	if err != nil {
		t.Fatalf("AggregateFleetState: %v", err)
	}
	if state != HealthHealthy {
		t.Fatalf("expected HEALTHY, got %s", state)
	}
}

func TestAggregateFleetState_UnknownWorkerIgnored(t *testing.T) {
	client, cleanup := newTestRedisClient(t)
	defer cleanup()

	state, err := AggregateFleetState(context.Background(), client, []string{"worker-never-started"})
	if err != nil {
		t.Fatalf("AggregateFleetState: %v", err)
	}
	if state != HealthHealthy {
		t.Fatalf("a worker with no mirrored counters should not affect the aggregate, got %s", state)
	}
}
