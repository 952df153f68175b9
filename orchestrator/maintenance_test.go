package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/mohans/quorumq/auth"
	"github.com/mohans/quorumq/queue"
)

func TestMaintenance_RunOnce(t *testing.T) {
	db := openDB(t)
	clock := &fakeClock{now: time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC)}
	store := queue.NewSQLStore(db, queue.StoreOptions{Now: clock.Now})
	tokens, err := auth.NewTokenStore(db, auth.TokenConfig{TTL: time.Hour, Now: clock.Now})
	if err != nil {
		t.Fatalf("NewTokenStore: %v", err)
	}
	ctx := context.Background()

	if _, _, err := tokens.Login(ctx, "alice"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	for _, nt := range []queue.NewTask{
		{ID: "low", Name: "low", Type: "review", Priority: queue.PriorityLow},
		{ID: "high", Name: "high", Type: "review", Priority: queue.PriorityHigh},
	} {
		if _, err := store.Enqueue(ctx, nt); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	m, err := NewMaintenance(store, tokens, MaintenanceConfig{
		Retention: 24 * time.Hour,
		AgeBoost:  map[int]time.Duration{3: 4 * time.Hour, 2: 8 * time.Hour, 1: 24 * time.Hour},
	})
	if err != nil {
		t.Fatalf("NewMaintenance: %v", err)
	}

	clock.Advance(5 * time.Hour)
	rep, err := m.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.TasksBoosted != 1 || rep.TokensPurged != 0 {
		t.Fatalf("want one boost and no purge, got %#v", rep)
	}
	low, _ := store.GetByID(ctx, "low")
	if low.Priority != queue.PriorityMedium || low.OriginalPriority != queue.PriorityLow {
		t.Fatalf("low task should be boosted one level: %#v", low)
	}

	clock.Advance(25 * time.Hour)
	rep, err = m.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.TokensPurged != 1 {
		t.Fatalf("want the expired token purged, got %#v", rep)
	}
	high, _ := store.GetByID(ctx, "high")
	if high.Priority != queue.PriorityCritical {
		t.Fatalf("high task should reach P0 after a day: %#v", high)
	}
}

func TestMaintenance_RejectsBadSchedule(t *testing.T) {
	db := openDB(t)
	m, err := NewMaintenance(queue.NewSQLStore(db, queue.StoreOptions{}), nil, MaintenanceConfig{Schedule: "every now and then"})
	if err != nil {
		t.Fatalf("NewMaintenance: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err == nil {
		t.Fatalf("want an error for a bad cron spec")
	}
}
