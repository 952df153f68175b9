package queue

import (
	"context"
	"errors"
	"testing"
)

func TestSQLStore_GetByID_NotFound(t *testing.T) {
	db, _ := openTestDB(t)
	store := NewSQLStore(db, StoreOptions{})
	if rec, err := store.GetByID(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got rec=%#v err=%v", rec, err)
	}
	if _, err := store.Transition(context.Background(), "missing", StateRunning, "w", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on transition, got %v", err)
	}
}

func TestSQLStore_Enqueue_RejectsInvalidInput(t *testing.T) {
	db, _ := openTestDB(t)
	store := NewSQLStore(db, StoreOptions{})
	ctx := context.Background()
	cases := []NewTask{
		{Type: "t"},
		{Name: "n"},
		{Name: "n", Type: "t", Priority: -1},
		{Name: "n", Type: "t", MaxRetries: intPtr(-1)},
		{ID: "has space", Name: "n", Type: "t"},
	}
	for i, nt := range cases {
		if _, err := store.Enqueue(ctx, nt); !errors.Is(err, ErrInvalidTask) {
			t.Fatalf("case %d: want ErrInvalidTask, got %v", i, err)
		}
	}
	tasks, err := store.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("invalid input must not mutate state, found %d tasks", len(tasks))
	}
}

func TestSQLStore_Enqueue_DuplicateID(t *testing.T) {
	db, _ := openTestDB(t)
	store := NewSQLStore(db, StoreOptions{})
	ctx := context.Background()
	if _, err := store.Enqueue(ctx, NewTask{ID: "dup", Name: "n", Type: "t"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := store.Enqueue(ctx, NewTask{ID: "dup", Name: "n", Type: "t"}); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("want ErrDuplicateTask, got %v", err)
	}
}

func TestSQLStore_Claim_RequiresWorker(t *testing.T) {
	db, _ := openTestDB(t)
	store := NewSQLStore(db, StoreOptions{})
	if _, err := store.Claim(context.Background(), " "); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("want ErrInvalidTask, got %v", err)
	}
}

func TestParsePriority(t *testing.T) {
	cases := map[string]int{"P0": 0, "critical": 0, "P1-HIGH": 1, "medium": 2, "low": 3, "7": 7}
	for in, want := range cases {
		got, err := ParsePriority(in)
		if err != nil || got != want {
			t.Fatalf("ParsePriority(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	if _, err := ParsePriority("urgent-ish"); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("want ErrInvalidTask, got %v", err)
	}
}

func TestValidateTransition_Graph(t *testing.T) {
	legal := map[[2]State]bool{
		{StateQueued, StateRunning}:     true,
		{StateRunning, StateReview}:     true,
		{StateRunning, StateFailed}:     true,
		{StateReview, StateApproved}:    true,
		{StateReview, StateFailed}:      true,
		{StateApproved, StateCompleted}: true,
		{StateFailed, StateQueued}:      true,
	}
	all := []State{StateQueued, StateRunning, StateReview, StateApproved, StateCompleted, StateFailed}
	for _, from := range all {
		for _, to := range all {
			err := ValidateTransition(from, to)
			if legal[[2]State{from, to}] {
				if err != nil {
					t.Fatalf("%s -> %s should be legal: %v", from, to, err)
				}
			} else if !errors.Is(err, ErrIllegalTransition) {
				t.Fatalf("%s -> %s should be illegal, got %v", from, to, err)
			}
		}
	}
}
