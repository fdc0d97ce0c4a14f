// Package runner implements the single-flight refresh executor (C6):
// it serializes refresh invocations for one dataset over a depth-1
// request channel, and fans out successful writes to any synchronized
// follower datasets.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/siddontang/loggers"
	"golang.org/x/sync/errgroup"

	"github.com/block/accelerant/pkg/accelerator"
	"github.com/block/accelerant/pkg/dataset"
	"github.com/block/accelerant/pkg/federated"
	"github.com/block/accelerant/pkg/refresh"
)

// Result is published on the completion channel after every invocation,
// successful or not.
type Result struct {
	Outcome  refresh.Outcome
	Err      error
	AttemptAt time.Time
}

// Follower is a synchronized dataset's accelerator: after the primary
// write succeeds, the runner best-effort-replays the same data into it.
type Follower struct {
	Name        dataset.Name
	Accelerator accelerator.TableProvider
}

// TaskRunner is the per-dataset single-flight executor.
type TaskRunner struct {
	logger loggers.Advanced
	task   *refresh.Task

	federated   *federated.Table
	accelerator accelerator.TableProvider
	policy      *refresh.Policy

	requests   chan *refresh.Overrides
	completion chan Result

	mu        sync.Mutex
	followers []Follower
	firstRun  bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a TaskRunner. Call Start to begin servicing requests.
func New(logger loggers.Advanced, fed *federated.Table, acc accelerator.TableProvider, policy *refresh.Policy) *TaskRunner {
	return &TaskRunner{
		logger:      logger,
		task:        &refresh.Task{Logger: logger},
		federated:   fed,
		accelerator: acc,
		policy:      policy,
		requests:    make(chan *refresh.Overrides, 1),
		completion:  make(chan Result, 1),
		firstRun:    true,
	}
}

// Requests returns the depth-1 request channel external triggers send on.
func (r *TaskRunner) Requests() chan<- *refresh.Overrides { return r.requests }

// Completion returns the channel completions are published on.
func (r *TaskRunner) Completion() <-chan Result { return r.completion }

// AddFollower registers a synchronized dataset to receive best-effort
// fan-out of every future successful write.
func (r *TaskRunner) AddFollower(f Follower) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.followers = append(r.followers, f)
}

// SetFirstRun overrides the first-run flag the next runOnce observes.
// Must be called before Start: a resumed dataset (existing checkpoint,
// compatible schema) passes false so Append mode windows off the
// accelerator's existing max value instead of refresh_data_window.
func (r *TaskRunner) SetFirstRun(v bool) {
	r.firstRun = v
}

// Start begins the single worker goroutine that drains r.requests.
func (r *TaskRunner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go r.loop(ctx)
}

// Close cancels any in-flight task and waits for the worker to exit.
// Partial Full-mode writes are discarded by the task's atomic-swap
// protocol; partial Append writes are left in place by design.
func (r *TaskRunner) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *TaskRunner) loop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case overrides, ok := <-r.requests:
			if !ok {
				return
			}
			r.runOnce(ctx, overrides)
		}
	}
}

func (r *TaskRunner) runOnce(ctx context.Context, overrides *refresh.Overrides) {
	snapshot := overrides.Apply(r.policy.Snapshot())
	firstRun := r.firstRun

	var batches []arrow.Record
	out, err := r.task.Run(ctx, refresh.Input{
		Federated:   r.federated,
		Accelerator: r.accelerator,
		Policy:      snapshot,
		FirstRun:    firstRun,
		Collector: func(rec arrow.Record) {
			rec.Retain()
			batches = append(batches, rec)
		},
	})
	if err == nil {
		r.firstRun = false
		r.fanOutToFollowers(ctx, batches)
	}
	for _, rec := range batches {
		rec.Release()
	}

	select {
	case r.completion <- Result{Outcome: out, Err: err, AttemptAt: time.Now()}:
	case <-ctx.Done():
	}
}

// fanOutToFollowers replays the exact batches the primary write just
// produced into every synchronized follower's accelerator, best-effort:
// a follower error is logged, never fatal to the primary's outcome.
func (r *TaskRunner) fanOutToFollowers(ctx context.Context, batches []arrow.Record) {
	r.mu.Lock()
	followers := append([]Follower(nil), r.followers...)
	r.mu.Unlock()
	if len(followers) == 0 || len(batches) == 0 {
		return
	}

	group, gctx := errgroup.WithContext(ctx)
	for _, f := range followers {
		f := f
		group.Go(func() error {
			if err := r.replicateInto(gctx, f, batches); err != nil && r.logger != nil {
				r.logger.Errorf("synchronized follower %s failed: %s", f.Name, err)
			}
			return nil
		})
	}
	_ = group.Wait()
}

// replicateInto writes the same batches the primary just committed into
// a follower's accelerator.
func (r *TaskRunner) replicateInto(ctx context.Context, f Follower, batches []arrow.Record) error {
	writer, err := f.Accelerator.Writer(ctx)
	if err != nil {
		return err
	}
	for _, rec := range batches {
		if err := writer.InsertBatch(ctx, rec); err != nil {
			_ = writer.Rollback(ctx)
			return err
		}
	}
	return writer.Commit(ctx)
}
