// Package refresher implements the per-dataset state machine (C7) that
// drives a runner.TaskRunner on a schedule, signals readiness, persists
// checkpoints, and invalidates any cache sitting on top of the
// accelerated table. State is an int32 read and written through
// sync/atomic, with a String() method, and scheduling runs in one
// long-lived, resumable loop goroutine rather than a one-shot run.
package refresher

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/siddontang/loggers"

	"github.com/block/accelerant/pkg/accelerator"
	"github.com/block/accelerant/pkg/cache"
	"github.com/block/accelerant/pkg/checkpoint"
	"github.com/block/accelerant/pkg/dataset"
	"github.com/block/accelerant/pkg/federated"
	"github.com/block/accelerant/pkg/refresh"
	"github.com/block/accelerant/pkg/runner"
	"github.com/block/accelerant/pkg/telemetry"
)

type state int32

const (
	stateCreated state = iota
	stateStarting
	stateLoading
	stateReady
	stateRefreshing
	stateError
)

func (s state) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateStarting:
		return "starting"
	case stateLoading:
		return "loading"
	case stateReady:
		return "ready"
	case stateRefreshing:
		return "refreshing"
	case stateError:
		return "error"
	}
	return "unknown"
}

// FollowerHandoff is the subset of runner.TaskRunner a Refresher needs
// to hand its dataset off to another dataset's runner as a
// synchronized follower, per §4.5's synchronize_with transfer of
// ownership.
type FollowerHandoff interface {
	AddFollower(f runner.Follower)
}

// Refresher schedules refresh attempts for a single dataset and tracks
// its readiness.
type Refresher struct {
	name dataset.Name
	spec dataset.Spec

	runner      *runner.TaskRunner
	policy      *refresh.Policy
	accelerator accelerator.TableProvider
	checkpoints checkpoint.Store
	invalidator cache.Invalidator
	logger      loggers.Advanced

	sinkMu sync.Mutex
	sink   telemetry.Sink

	// synchronizeTarget, when non-nil, is handed this dataset's name and
	// accelerator as a follower after the first successful load, and
	// this Refresher's own scheduler loop then terminates (§4.5).
	synchronizeTarget FollowerHandoff

	currentState int32 // state, accessed only via atomic

	readyOnce sync.Once
	ready     chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Refresher for one dataset. checkpoints and
// invalidator may be nil to disable those concerns (a dataset with no
// checkpoint/cache wiring still refreshes and becomes ready).
func New(
	name dataset.Name,
	spec dataset.Spec,
	fed *federated.Table,
	acc accelerator.TableProvider,
	checkpoints checkpoint.Store,
	invalidator cache.Invalidator,
	logger loggers.Advanced,
) *Refresher {
	policy := refresh.NewPolicy(spec)
	return &Refresher{
		name:        name,
		spec:        spec,
		runner:      runner.New(logger, fed, acc, policy),
		policy:      policy,
		accelerator: acc,
		checkpoints: checkpoints,
		invalidator: invalidator,
		sink:        telemetry.NoopSink{},
		logger:      logger,
		ready:       make(chan struct{}),
	}
}

// SetSink wires a telemetry sink; until called, refresh events are
// silently discarded via telemetry.NoopSink. Safe to call concurrently
// with a running loop - the sink is read under the same lock from
// inside the completion branch.
func (r *Refresher) SetSink(sink telemetry.Sink) {
	if sink == nil {
		return
	}
	r.sinkMu.Lock()
	r.sink = sink
	r.sinkMu.Unlock()
}

func (r *Refresher) getSink() telemetry.Sink {
	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()
	return r.sink
}

// SynchronizeWith wires the target dataset's runner to receive this
// dataset's accelerator as a follower once this Refresher's own first
// load completes.
func (r *Refresher) SynchronizeWith(target FollowerHandoff) {
	r.synchronizeTarget = target
}

// AddFollower registers a synchronized dataset on this Refresher's own
// runner - used when this Refresher is itself a synchronize_with
// target.
func (r *Refresher) AddFollower(f runner.Follower) {
	r.runner.AddFollower(f)
}

func (r *Refresher) getState() state {
	return state(atomic.LoadInt32(&r.currentState))
}

func (r *Refresher) setState(s state) {
	atomic.StoreInt32(&r.currentState, int32(s))
}

// Ready returns a channel that closes exactly once, the first time this
// dataset's initial load completes successfully (§4.5 OnLoad
// readiness). A dataset configured for OnRegistration readiness should
// simply not wait on this channel.
func (r *Refresher) Ready() <-chan struct{} { return r.ready }

func (r *Refresher) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Infof(format, args...)
	}
}

func (r *Refresher) errorf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Errorf(format, args...)
	}
}

// Start begins the scheduler loop and the underlying runner's worker.
// Before either starts, it applies §4.6's restart decision: a
// checkpoint whose schema fingerprint still matches the accelerator's
// current schema means existing data is served immediately rather than
// truncated and reloaded; anything else (no checkpoint, or a mismatch)
// falls back to the normal full reload.
func (r *Refresher) Start(ctx context.Context) {
	r.setState(stateStarting)
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	resume := r.checkResumable(ctx)
	if resume {
		r.runner.SetFirstRun(false)
	}

	r.runner.Start(ctx)

	r.wg.Add(1)
	go r.loop(ctx, resume)
}

// checkResumable implements Invariant 6's schema-compatibility check:
// it reads this dataset's last checkpoint and compares its schema
// fingerprint against the accelerator's current schema. A missing
// checkpoint, a read error, an empty accelerator schema, or a
// fingerprint mismatch all resolve to false (reinitialize).
func (r *Refresher) checkResumable(ctx context.Context) bool {
	if r.checkpoints == nil {
		return false
	}
	row, found, err := r.checkpoints.Read(ctx, r.name.String())
	if err != nil || !found {
		return false
	}
	schema, err := r.accelerator.Schema(ctx)
	if err != nil || schema.NumFields() == 0 {
		return false
	}
	return checkpoint.Fingerprint(schema) == row.SchemaFingerprint
}

// Close stops the scheduler and the underlying runner, discarding any
// in-flight refresh per runner.TaskRunner.Close's semantics.
func (r *Refresher) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.runner.Close()
}

// Trigger requests an out-of-schedule refresh, optionally overriding
// the policy for this one attempt. It is non-blocking: a trigger
// arriving while one is already queued for the underlying runner is
// simply dropped, matching the runner's depth-1 request channel.
func (r *Refresher) Trigger(overrides *refresh.Overrides) {
	select {
	case r.runner.Requests() <- overrides:
	default:
	}
}

// loop drives the scheduler. When resume is true, §4.6 has already
// decided the existing accelerator content is current: the dataset is
// marked ready immediately and the loop only arms the normal period ±
// jitter timer. Otherwise the first tick fires after a 0 ± jitter
// delay (per compute_delay's first-schedule call) rather than waiting
// out a full period, then every later tick uses the normal period.
func (r *Refresher) loop(ctx context.Context, resume bool) {
	defer r.wg.Done()

	firstTick := !resume
	if resume {
		r.logf("resuming %s from checkpoint, schema fingerprint matches, skipping reload", r.name)
		r.setState(stateReady)
		r.readyOnce.Do(func() { close(r.ready) })
	} else {
		r.setState(stateLoading)
	}

	timer := time.NewTimer(r.firstDelay(resume))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-timer.C:
			if !firstTick {
				r.setState(stateRefreshing)
			}
			firstTick = false
			select {
			case r.runner.Requests() <- nil:
			case <-ctx.Done():
				return
			}

		case res := <-r.runner.Completion():
			r.getSink().RecordRefresh(telemetry.Event{
				Dataset:     r.name,
				Mode:        r.policy.Snapshot().Mode,
				Success:     res.Err == nil,
				RowsWritten: res.Outcome.RowsWritten,
				Duration:    res.Outcome.Duration,
				Err:         res.Err,
				At:          res.AttemptAt,
			})
			if res.Err != nil {
				r.setState(stateError)
				r.errorf("refresh failed for %s: %s", r.name, res.Err)
			} else {
				if err := r.onSuccess(ctx, res); err != nil {
					r.errorf("post-refresh bookkeeping failed for %s: %s", r.name, err)
				}
				r.setState(stateReady)
				r.readyOnce.Do(func() { close(r.ready) })

				if r.synchronizeTarget != nil {
					r.logf("handing off %s to synchronize_with target", r.name)
					r.synchronizeTarget.AddFollower(runner.Follower{Name: r.name, Accelerator: r.accelerator})
					return
				}
			}
			timer.Reset(r.nextInterval())
		}
	}
}

func (r *Refresher) onSuccess(ctx context.Context, res runner.Result) error {
	if r.invalidator != nil {
		if err := r.invalidator.InvalidateForTable(ctx, r.name); err != nil {
			r.errorf("cache invalidation failed for %s: %s", r.name, err)
		}
	}
	if r.checkpoints != nil {
		schema, err := r.accelerator.Schema(ctx)
		if err != nil {
			return fmt.Errorf("reading accelerator schema for checkpoint: %w", err)
		}
		row := checkpoint.Row{
			DatasetName:       r.name.String(),
			LastRefresh:       time.Now().UTC(),
			SchemaFingerprint: checkpoint.Fingerprint(schema),
		}
		if err := r.checkpoints.Write(ctx, row); err != nil {
			return fmt.Errorf("writing checkpoint: %w", err)
		}
	}
	return nil
}

// nextInterval computes the next scheduler delay: CheckInterval ±
// rand(0, MaxJitter) when jitter is enabled, else the bare interval. A
// zero CheckInterval (unset) falls back to a fixed 24-hour delay with
// no jitter, so scheduled ticks come once a day and Trigger drives any
// other refresh of this dataset.
func (r *Refresher) nextInterval() time.Duration {
	snap := r.policy.Snapshot()
	if snap.CheckInterval <= 0 {
		return 24 * time.Hour
	}
	return jitteredDelay(snap.CheckInterval, snap.JitterEnabled, snap.MaxJitter)
}

// firstDelay is the scheduler's delay before its very first tick. A
// resumed dataset (existing, schema-compatible checkpoint) just uses
// the normal period, since it has nothing urgent to load. Otherwise
// the delay is 0 ± jitter rather than a full period, so the initial
// load starts almost immediately.
func (r *Refresher) firstDelay(resume bool) time.Duration {
	if resume {
		return r.nextInterval()
	}
	snap := r.policy.Snapshot()
	return jitteredDelay(0, snap.JitterEnabled, snap.MaxJitter)
}

// jitteredDelay applies period ± rand(0, maxJitter), a symmetric coin
// flip rather than a one-sided addition, clamped at 0 when the
// subtracted jitter would otherwise go negative.
func jitteredDelay(period time.Duration, jitterEnabled bool, maxJitter time.Duration) time.Duration {
	if !jitterEnabled || maxJitter <= 0 {
		return period
	}
	jitter := time.Duration(rand.Int63n(int64(maxJitter)))
	if rand.Intn(2) == 0 {
		return period + jitter
	}
	if jitter >= period {
		return 0
	}
	return period - jitter
}
