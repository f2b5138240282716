package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/tendant/transcript-pipeline/internal/invoker"
	"github.com/tendant/transcript-pipeline/internal/metrics"
	"github.com/tendant/transcript-pipeline/internal/stages"
)

// Item is one unit of a fan-out stage
type Item struct {
	Index   int
	Payload json.RawMessage
}

// StageInvoker invokes one stage worker with retries
type StageInvoker interface {
	Invoke(ctx context.Context, stage stages.Name, payload json.RawMessage, policy stages.RetryPolicy) (*invoker.Result, error)
}

// Coordinator runs the items of a fan-out stage on a bounded pool and collects the
// results back in input order
type Coordinator struct {
	invoker StageInvoker
	metrics *metrics.Metrics
}

// NewCoordinator creates a coordinator delegating each item to inv
func NewCoordinator(inv StageInvoker, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		invoker: inv,
		metrics: m,
	}
}

// Report describes a finished fan-out
type Report struct {
	// Results holds the item responses in input order; nil when an item failed
	Results []json.RawMessage
	// Attempts counts worker calls across every dispatched item, retries included
	Attempts int
	// FailedIndex is the index of the failure returned, or -1
	FailedIndex int
	// LastError is the last worker error of the failed item
	LastError error
}

// RunParallel invokes stage for every item with at most maxConcurrency calls in flight.
// The i-th result belongs to the item with Index i. After the first terminal failure no
// new item is dispatched; items already running finish, and the failure with the lowest
// index is returned.
func (c *Coordinator) RunParallel(ctx context.Context, items []Item, stage stages.Name, policy stages.RetryPolicy, maxConcurrency int) ([]json.RawMessage, error) {
	report, err := c.Run(ctx, items, stage, policy, maxConcurrency)
	if err != nil {
		return nil, err
	}
	return report.Results, nil
}

// Run is RunParallel returning the attempt count and the failing item as well.
// The report is never nil.
func (c *Coordinator) Run(ctx context.Context, items []Item, stage stages.Name, policy stages.RetryPolicy, maxConcurrency int) (*Report, error) {
	report := &Report{FailedIndex: -1}
	if len(items) == 0 {
		report.Results = []json.RawMessage{}
		return report, nil
	}
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if err := checkIndexes(items); err != nil {
		return report, stages.NewFailure(stage, stages.ErrorMalformedPayload, err)
	}

	results := make([]json.RawMessage, len(items))
	failures := make([]*stages.Failure, len(items))
	lastErrors := make([]error, len(items))
	var stopped atomic.Bool
	var attempts atomic.Int64

	// slots are taken by the dispatch loop so the stop check happens before a launch
	slots := make(chan struct{}, maxConcurrency)
	var g errgroup.Group

	dispatched := 0
	for _, item := range items {
		slots <- struct{}{}
		if stopped.Load() {
			<-slots
			break
		}
		dispatched++
		g.Go(func() error {
			defer func() { <-slots }()

			c.metrics.InFlight(string(stage), 1)
			result, err := c.invoker.Invoke(ctx, stage, item.Payload, policy)
			c.metrics.InFlight(string(stage), -1)
			if result != nil {
				attempts.Add(int64(result.Attempts))
			}

			if err != nil {
				f, ok := stages.AsFailure(err)
				if !ok {
					f = stages.NewFailure(stage, stages.ErrorWorker, err)
				}
				failures[item.Index] = f
				if result != nil {
					lastErrors[item.Index] = result.LastError
				}
				stopped.Store(true)
				return nil
			}
			results[item.Index] = result.Payload
			return nil
		})
	}
	_ = g.Wait()

	report.Attempts = int(attempts.Load())
	for i, f := range failures {
		if f != nil {
			log.Printf("[%s] Fan-out stopped: item %d failed (%d of %d dispatched): %v", stage, i, dispatched, len(items), f)
			report.FailedIndex = i
			report.LastError = lastErrors[i]
			return report, f
		}
	}
	report.Results = results
	return report, nil
}

// checkIndexes verifies every index is in range and used once
func checkIndexes(items []Item) error {
	seen := make([]bool, len(items))
	for _, item := range items {
		if item.Index < 0 || item.Index >= len(items) {
			return fmt.Errorf("item index %d out of range [0,%d)", item.Index, len(items))
		}
		if seen[item.Index] {
			return fmt.Errorf("duplicate item index %d", item.Index)
		}
		seen[item.Index] = true
	}
	return nil
}

// Items wraps payloads as items indexed by position
func Items(payloads []json.RawMessage) []Item {
	items := make([]Item, len(payloads))
	for i, p := range payloads {
		items[i] = Item{Index: i, Payload: p}
	}
	return items
}
