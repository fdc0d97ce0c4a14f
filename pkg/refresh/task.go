// Package refresh implements one invocation of a dataset refresh: plan
// a query against the federated source, stream Arrow batches into the
// accelerator, apply mode-specific merge semantics, and report the
// outcome (C5).
package refresh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cenkalti/backoff/v4"
	"github.com/siddontang/loggers"

	"github.com/block/accelerant/pkg/accelerator"
	"github.com/block/accelerant/pkg/connector"
	"github.com/block/accelerant/pkg/dataset"
	"github.com/block/accelerant/pkg/federated"
)

// Outcome is what a successful Task.Run reports back to its caller.
type Outcome struct {
	RowsWritten int64
	Duration    time.Duration
}

// Input bundles everything one invocation of Task.Run needs.
type Input struct {
	Dataset     dataset.Spec
	Federated   *federated.Table
	Accelerator accelerator.TableProvider
	Policy      Snapshot
	// FirstRun is true for every invocation of this dataset since
	// process start until one succeeds (false from the start when the
	// dataset resumed from a checkpoint); it gates the one-time schema
	// validation and the refresh_data_window bound in Append mode.
	FirstRun bool
	// Collector, if set, is invoked with every batch written to the
	// accelerator in Full or Append mode (and with the synthesized
	// single-row record of every Changes-mode insert/update), letting a
	// caller (the Runner) fan the exact same data out to synchronized
	// followers. The callee does not own the record; it must Retain if
	// it needs to keep it past the call.
	Collector func(rec arrow.Record)
}

// Task runs one refresh invocation, including its own retry policy.
type Task struct {
	Logger loggers.Advanced
}

func (t *Task) logf(format string, args ...any) {
	if t.Logger != nil {
		t.Logger.Infof(format, args...)
	}
}

// Run executes one refresh, retrying per the policy's retry settings
// when the resulting error is retryable (§4.3 step 4).
func (t *Task) Run(ctx context.Context, in Input) (Outcome, error) {
	if !in.Policy.RetryEnabled {
		return t.attempt(ctx, in)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // bounded by attempt count, not wall clock
	var out Outcome
	attempts := 0
	op := func() error {
		attempts++
		var err error
		out, err = t.attempt(ctx, in)
		if err == nil {
			return nil
		}
		var rerr *Error
		if errors.As(err, &rerr) && !rerr.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	maxAttempts := in.Policy.RetryMax
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	err := backoff.Retry(op, backoff.WithMaxRetries(b, uint64(maxAttempts-1)))
	if err != nil {
		var rerr *Error
		if !errors.As(err, &rerr) {
			err = newError(KindRefreshFailure, err)
		}
	}
	return out, err
}

func (t *Task) attempt(ctx context.Context, in Input) (Outcome, error) {
	start := time.Now()
	if ctx.Err() != nil {
		return Outcome{}, newError(KindCancellationError, ctx.Err())
	}

	if in.FirstRun && in.Policy.TimeColumn != "" {
		if err := t.validateTimeFormat(ctx, in); err != nil {
			return Outcome{}, err
		}
	}

	var (
		rows int64
		err  error
	)
	switch in.Policy.Mode {
	case dataset.RefreshFull:
		rows, err = t.runFull(ctx, in)
	case dataset.RefreshAppend:
		rows, err = t.runAppend(ctx, in)
	case dataset.RefreshChanges:
		rows, err = t.runChanges(ctx, in)
	default:
		err = newError(KindConfigurationError, fmt.Errorf("unknown refresh mode %v", in.Policy.Mode))
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{RowsWritten: rows, Duration: time.Since(start)}, nil
}

func (t *Task) validateTimeFormat(ctx context.Context, in Input) error {
	schema, err := in.Federated.Schema(ctx)
	if err != nil {
		return newError(connErrorKind(err), err)
	}
	idx := schema.FieldIndices(in.Policy.TimeColumn)
	if len(idx) == 0 {
		return newError(KindConfigurationError, fmt.Errorf("time column %q not found in federated schema", in.Policy.TimeColumn))
	}
	if in.Policy.TimeFormat == dataset.TimeFormatUnspecified {
		// No declared time_format: nothing to check the column type against.
		return nil
	}
	if err := dataset.ValidateTimeFormat(in.Policy.TimeFormat, schema.Field(idx[0]).Type); err != nil {
		return newError(KindConfigurationError, err)
	}
	return nil
}

// connErrorKind classifies an error surfaced from a connector call: a
// 429/backpressure signal is its own distinct, retryable kind (§7)
// rather than folding into the generic connection-error bucket.
func connErrorKind(err error) ErrorKind {
	if errors.Is(err, connector.ErrRateLimited) {
		return KindRateLimited
	}
	return KindConnectionError
}

func (t *Task) planSQL(in Input, defaultSQL string) string {
	if in.Policy.SQL != nil && *in.Policy.SQL != "" {
		return *in.Policy.SQL
	}
	return defaultSQL
}

func (t *Task) runFull(ctx context.Context, in Input) (int64, error) {
	sql := t.planSQL(in, fmt.Sprintf("SELECT * FROM %s", in.Federated.Path()))
	provider, err := in.Federated.Provider(ctx)
	if err != nil {
		return 0, newError(connErrorKind(err), err)
	}
	reader, err := provider.Scan(ctx, connector.Query{SQL: sql})
	if err != nil {
		return 0, newError(connErrorKind(err), err)
	}
	defer reader.Close()

	if err := t.checkSchemaCompat(ctx, in, reader.Schema()); err != nil {
		return 0, err
	}

	writer, err := in.Accelerator.Writer(ctx)
	if err != nil {
		return 0, newError(KindAccelerationInitError, err)
	}
	if err := writer.Truncate(ctx); err != nil {
		_ = writer.Rollback(ctx)
		return 0, newError(KindRefreshFailure, err)
	}

	var rows int64
	for {
		rec, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = writer.Rollback(ctx)
			return 0, newError(connErrorKind(err), err)
		}
		if err := writer.InsertBatch(ctx, rec); err != nil {
			rec.Release()
			_ = writer.Rollback(ctx)
			return 0, newError(KindRefreshFailure, err)
		}
		if in.Collector != nil {
			in.Collector(rec)
		}
		rows += rec.NumRows()
		rec.Release()
	}
	if err := writer.Commit(ctx); err != nil {
		_ = writer.Rollback(ctx)
		return 0, newError(KindRefreshFailure, err)
	}
	return rows, nil
}

func (t *Task) runAppend(ctx context.Context, in Input) (int64, error) {
	low, err := t.appendLowerBound(ctx, in)
	if err != nil {
		return 0, err
	}

	where := ""
	if low != nil {
		where = fmt.Sprintf(" WHERE %s >= %s", in.Policy.TimeColumn, formatBound(*low))
	}
	sql := t.planSQL(in, fmt.Sprintf("SELECT * FROM %s%s", in.Federated.Path(), where))

	provider, err := in.Federated.Provider(ctx)
	if err != nil {
		return 0, newError(connErrorKind(err), err)
	}
	reader, err := provider.Scan(ctx, connector.Query{SQL: sql})
	if err != nil {
		return 0, newError(connErrorKind(err), err)
	}
	defer reader.Close()

	if err := t.checkSchemaCompat(ctx, in, reader.Schema()); err != nil {
		return 0, err
	}

	writer, err := in.Accelerator.Writer(ctx)
	if err != nil {
		return 0, newError(KindAccelerationInitError, err)
	}

	var rows int64
	for {
		rec, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = writer.Rollback(ctx)
			return 0, newError(connErrorKind(err), err)
		}
		// Empty append windows are not errors (§4.3 tie-break): the
		// loop simply never executes an InsertBatch.
		if err := writer.InsertBatch(ctx, rec); err != nil {
			rec.Release()
			_ = writer.Rollback(ctx)
			return 0, newError(KindRefreshFailure, err)
		}
		if in.Collector != nil {
			in.Collector(rec)
		}
		rows += rec.NumRows()
		rec.Release()
	}
	if err := writer.Commit(ctx); err != nil {
		_ = writer.Rollback(ctx)
		return 0, newError(KindRefreshFailure, err)
	}
	return rows, nil
}

// appendLowerBound computes Append mode's lower bound per §4.3:
// max(time_col) in accelerator - append_overlap on second-and-later
// runs, now() - refresh_data_window on the first run if set, else
// unbounded (nil).
func (t *Task) appendLowerBound(ctx context.Context, in Input) (*time.Time, error) {
	if !in.FirstRun {
		writer, err := in.Accelerator.Writer(ctx)
		if err != nil {
			return nil, newError(KindAccelerationInitError, err)
		}
		defer writer.Rollback(ctx) //nolint:errcheck // read-only probe
		maxVal, found, err := writer.MaxValue(ctx, in.Policy.TimeColumn)
		if err != nil {
			return nil, newError(KindRefreshFailure, err)
		}
		if found {
			ts, err := coerceTime(maxVal)
			if err != nil {
				return nil, newError(KindRefreshFailure, err)
			}
			low := ts.Add(-in.Policy.AppendOverlap)
			return &low, nil
		}
	}
	if in.Policy.DataWindow != nil {
		low := time.Now().Add(-*in.Policy.DataWindow)
		return &low, nil
	}
	return nil, nil
}

func (t *Task) runChanges(ctx context.Context, in Input) (int64, error) {
	stream, err := in.Federated.ChangesStream(ctx)
	if err != nil {
		return 0, newError(connErrorKind(err), err)
	}
	defer stream.Close()

	if err := t.checkSchemaCompat(ctx, in, stream.Schema()); err != nil {
		return 0, err
	}

	writer, err := in.Accelerator.Writer(ctx)
	if err != nil {
		return 0, newError(KindAccelerationInitError, err)
	}

	var rows int64
	for {
		change, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = writer.Rollback(ctx)
			return 0, newError(connErrorKind(err), err)
		}
		if err := writer.ApplyChange(ctx, toAcceleratorKind(change.Kind), change.Row); err != nil {
			change.Row.Release()
			_ = writer.Rollback(ctx)
			return 0, newError(KindRefreshFailure, err)
		}
		if in.Collector != nil && change.Kind != connector.ChangeDelete {
			in.Collector(change.Row)
		}
		rows++
		change.Row.Release()
	}
	if err := writer.Commit(ctx); err != nil {
		_ = writer.Rollback(ctx)
		return 0, newError(KindRefreshFailure, err)
	}
	return rows, nil
}

func toAcceleratorKind(k connector.ChangeKind) accelerator.ChangeKind {
	switch k {
	case connector.ChangeUpdate:
		return accelerator.ChangeUpdate
	case connector.ChangeDelete:
		return accelerator.ChangeDelete
	default:
		return accelerator.ChangeInsert
	}
}

// checkSchemaCompat implements the Open Question resolution from §9:
// any divergence between the accelerator's schema and the incoming
// schema (whether caused by a federated schema change or by a
// refresh_sql that changes the projected column set) is always a
// SchemaMismatch.
func (t *Task) checkSchemaCompat(ctx context.Context, in Input, incoming *arrow.Schema) error {
	accSchema, err := in.Accelerator.Schema(ctx)
	if err != nil {
		return newError(KindAccelerationInitError, err)
	}
	if accSchema.NumFields() == 0 {
		// Nothing materialized yet: any incoming schema is compatible.
		return nil
	}
	if !schemasCompatible(accSchema, incoming) {
		return newError(KindSchemaMismatch, fmt.Errorf("accelerator schema %s incompatible with refresh projection %s", accSchema, incoming))
	}
	return nil
}

// schemasCompatible requires the incoming schema to carry exactly the
// accelerator's columns, matched by name, each with the same type; a
// missing, retyped or extra column is a divergence.
func schemasCompatible(acc, incoming *arrow.Schema) bool {
	if acc.NumFields() != incoming.NumFields() {
		return false
	}
	for _, f := range acc.Fields() {
		idx := incoming.FieldIndices(f.Name)
		if len(idx) == 0 {
			return false
		}
		if !arrow.TypeEqual(f.Type, incoming.Field(idx[0]).Type) {
			return false
		}
	}
	return true
}
