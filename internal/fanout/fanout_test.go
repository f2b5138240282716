package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tendant/transcript-pipeline/internal/invoker"
	"github.com/tendant/transcript-pipeline/internal/stages"
)

var onePolicy = stages.RetryPolicy{MaxAttempts: 1}

// countingWorker tracks how many invocations are in flight at once
type countingWorker struct {
	inFlight    int32
	maxInFlight int32
	calls       int32
	delay       func(index int) time.Duration
	fail        func(index int) error

	mu      sync.Mutex
	invoked []int
}

func (w *countingWorker) Invoke(ctx context.Context, stage stages.Name, payload json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Index int `json:"index"`
	}
	_ = json.Unmarshal(payload, &req)

	atomic.AddInt32(&w.calls, 1)
	n := atomic.AddInt32(&w.inFlight, 1)
	defer atomic.AddInt32(&w.inFlight, -1)
	for {
		max := atomic.LoadInt32(&w.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&w.maxInFlight, max, n) {
			break
		}
	}

	w.mu.Lock()
	w.invoked = append(w.invoked, req.Index)
	w.mu.Unlock()

	if w.delay != nil {
		time.Sleep(w.delay(req.Index))
	}
	if w.fail != nil {
		if err := w.fail(req.Index); err != nil {
			return nil, err
		}
	}
	return json.RawMessage(fmt.Sprintf(`{"result":%d}`, req.Index)), nil
}

func makeItems(n int) []Item {
	payloads := make([]json.RawMessage, n)
	for i := range payloads {
		payloads[i] = json.RawMessage(fmt.Sprintf(`{"index":%d}`, i))
	}
	return Items(payloads)
}

func newCoordinator(w invoker.Worker) *Coordinator {
	return NewCoordinator(invoker.New(w, nil), nil)
}

// TestRunParallelPreservesOrder runs with random completion delays; output order must follow input index.
func TestRunParallelPreservesOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 20; round++ {
		n := 1 + rng.Intn(25)
		delays := make([]time.Duration, n)
		for i := range delays {
			delays[i] = time.Duration(rng.Intn(3000)) * time.Microsecond
		}
		w := &countingWorker{delay: func(i int) time.Duration { return delays[i] }}

		results, err := newCoordinator(w).RunParallel(context.Background(), makeItems(n), stages.TranscribeSegments, onePolicy, 1+rng.Intn(10))
		if err != nil {
			t.Fatalf("round %d: RunParallel() error = %v", round, err)
		}
		if len(results) != n {
			t.Fatalf("round %d: len(results) = %d, want %d", round, len(results), n)
		}
		for i, r := range results {
			if want := fmt.Sprintf(`{"result":%d}`, i); string(r) != want {
				t.Fatalf("round %d: results[%d] = %s, want %s", round, i, r, want)
			}
		}
	}
}

// TestRunParallelBoundsConcurrency checks no more than maxConcurrency calls are ever in flight.
func TestRunParallelBoundsConcurrency(t *testing.T) {
	for _, limit := range []int{1, 5, 10} {
		w := &countingWorker{delay: func(int) time.Duration { return 2 * time.Millisecond }}
		if _, err := newCoordinator(w).RunParallel(context.Background(), makeItems(40), stages.DiarizeChunks, onePolicy, limit); err != nil {
			t.Fatalf("RunParallel() error = %v", err)
		}
		if w.maxInFlight > int32(limit) {
			t.Fatalf("max in flight = %d, limit %d", w.maxInFlight, limit)
		}
		if w.calls != 40 {
			t.Fatalf("calls = %d, want 40", w.calls)
		}
	}
}

// TestRunParallelFailFast checks the failing item's failure is returned while its peers succeed.
func TestRunParallelFailFast(t *testing.T) {
	w := &countingWorker{fail: func(i int) error {
		if i == 2 {
			return invoker.InvalidInput("ValidationError", "bad chunk")
		}
		return nil
	}}

	_, err := newCoordinator(w).RunParallel(context.Background(), makeItems(5), stages.DiarizeChunks, onePolicy, 5)
	f, ok := stages.AsFailure(err)
	if !ok {
		t.Fatalf("error = %v, want *stages.Failure", err)
	}
	if f.Stage != stages.DiarizeChunks || f.Cause != "ValidationError - bad chunk" {
		t.Fatalf("failure = %+v", f)
	}
}

// TestRunParallelStopsDispatchAfterFailure checks no item is dispatched after a failure is observed.
func TestRunParallelStopsDispatchAfterFailure(t *testing.T) {
	w := &countingWorker{fail: func(i int) error {
		if i == 2 {
			return invoker.InvalidInput("ValidationError", "bad chunk")
		}
		return nil
	}}

	_, err := newCoordinator(w).RunParallel(context.Background(), makeItems(5), stages.DiarizeChunks, onePolicy, 1)
	if err == nil {
		t.Fatal("expected failure")
	}
	if w.calls != 3 {
		t.Fatalf("calls = %d, want 3 (items 3 and 4 must not be dispatched)", w.calls)
	}
	for _, idx := range w.invoked {
		if idx > 2 {
			t.Fatalf("item %d dispatched after failure", idx)
		}
	}
}

// TestRunParallelLowestIndexFailureWins checks precedence is by index, not arrival.
func TestRunParallelLowestIndexFailureWins(t *testing.T) {
	w := &countingWorker{
		delay: func(i int) time.Duration {
			if i == 1 {
				return 20 * time.Millisecond
			}
			return 0
		},
		fail: func(i int) error {
			if i == 1 || i == 3 {
				return invoker.InvalidInput("ValidationError", fmt.Sprintf("item %d", i))
			}
			return nil
		},
	}

	_, err := newCoordinator(w).RunParallel(context.Background(), makeItems(4), stages.TranscribeSegments, onePolicy, 4)
	f, ok := stages.AsFailure(err)
	if !ok || f.Cause != "ValidationError - item 1" {
		t.Fatalf("failure = %+v, want item 1", f)
	}
}

func TestRunParallelEmpty(t *testing.T) {
	w := &countingWorker{}
	results, err := newCoordinator(w).RunParallel(context.Background(), nil, stages.DiarizeChunks, onePolicy, 5)
	if err != nil {
		t.Fatalf("RunParallel() error = %v", err)
	}
	if results == nil || len(results) != 0 {
		t.Fatalf("results = %v, want empty non-nil", results)
	}
	if w.calls != 0 {
		t.Fatalf("calls = %d, want 0", w.calls)
	}
}

func TestRunParallelRejectsBadIndexes(t *testing.T) {
	items := []Item{{Index: 0}, {Index: 0}}
	_, err := newCoordinator(&countingWorker{}).RunParallel(context.Background(), items, stages.DiarizeChunks, onePolicy, 2)
	f, ok := stages.AsFailure(err)
	if !ok || f.Message != stages.ErrorMalformedPayload {
		t.Fatalf("error = %v", err)
	}
	if errors.Is(err, context.Canceled) {
		t.Fatal("unexpected cancellation")
	}
}

func TestRunReportsAttemptsAndFailedItem(t *testing.T) {
	var mu sync.Mutex
	calls := map[int]int{}
	w := invoker.WorkerFunc(func(ctx context.Context, stage stages.Name, payload json.RawMessage) (json.RawMessage, error) {
		var req struct {
			Index int `json:"index"`
		}
		_ = json.Unmarshal(payload, &req)
		mu.Lock()
		calls[req.Index]++
		n := calls[req.Index]
		mu.Unlock()

		switch {
		case req.Index == 1 && n == 1:
			return nil, invoker.Transient("Throttled", "try again")
		case req.Index == 2:
			return nil, invoker.InvalidInput("ValidationError", "bad chunk")
		}
		return json.RawMessage(`{}`), nil
	})
	c := NewCoordinator(invoker.New(w, nil), nil)

	report, err := c.Run(context.Background(), makeItems(4), stages.DiarizeChunks, stages.RetryPolicy{MaxAttempts: 3}, 1)
	if err == nil {
		t.Fatal("expected failure")
	}
	// item 0 once, item 1 twice, item 2 once; item 3 never dispatched
	if report.Attempts != 4 {
		t.Errorf("attempts = %d, want 4", report.Attempts)
	}
	if report.FailedIndex != 2 {
		t.Errorf("failed index = %d, want 2", report.FailedIndex)
	}
	var werr *invoker.WorkerError
	if !errors.As(report.LastError, &werr) || werr.Message != "ValidationError" {
		t.Errorf("last error = %v", report.LastError)
	}
}

func TestRunCountsRetriesOnSuccess(t *testing.T) {
	var failed atomic.Bool
	w := invoker.WorkerFunc(func(ctx context.Context, stage stages.Name, payload json.RawMessage) (json.RawMessage, error) {
		if failed.CompareAndSwap(false, true) {
			return nil, invoker.Transient("Throttled", "")
		}
		return json.RawMessage(`{}`), nil
	})
	c := NewCoordinator(invoker.New(w, nil), nil)

	report, err := c.Run(context.Background(), makeItems(3), stages.TranscribeSegments, stages.RetryPolicy{MaxAttempts: 2}, 3)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Attempts != 4 || report.FailedIndex != -1 || len(report.Results) != 3 {
		t.Errorf("report = %+v", report)
	}
}
