package history

import (
	"context"
	"testing"
)

func TestMemoryStoreRecentIsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, kind := range []Kind{ExecutionStarted, StageEntered, TaskFailed, ExecutionFailed} {
		store.Append(ctx, Event{RunID: "run-1", Kind: kind})
	}
	store.Append(ctx, Event{RunID: "run-2", Kind: ExecutionStarted})

	events, err := store.Recent(ctx, "run-1", 3)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	want := []Kind{ExecutionFailed, TaskFailed, StageEntered}
	if len(events) != len(want) {
		t.Fatalf("len(events) = %d, want %d", len(events), len(want))
	}
	for i, k := range want {
		if events[i].Kind != k {
			t.Fatalf("events[%d] = %s, want %s", i, events[i].Kind, k)
		}
		if events[i].Timestamp.IsZero() {
			t.Fatalf("events[%d] has no timestamp", i)
		}
	}
}

func TestKindFailure(t *testing.T) {
	if !TaskFailed.Failure() || !WorkerFailed.Failure() || !ExecutionFailed.Failure() {
		t.Fatal("failure kinds not recognised")
	}
	if StageEntered.Failure() || ExecutionSucceeded.Failure() {
		t.Fatal("non-failure kind reported as failure")
	}
}
