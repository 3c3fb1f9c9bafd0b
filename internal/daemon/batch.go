package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/roach88/flatline/internal/flat"
	"github.com/roach88/flatline/internal/ir"
	"github.com/roach88/flatline/internal/lease"
	"github.com/roach88/flatline/internal/progress"
	"github.com/roach88/flatline/internal/version"
)

// batchResult describes a committed batch.
type batchResult struct {
	applied []flat.WriteOp
	skipped int
}

// commitWithRetry commits one batch, retrying the whole batch with
// exponential backoff. Waits between attempts end early when runCtx is
// cancelled; the transaction itself only stops on hardCtx.
func (a *agent) commitWithRetry(runCtx, hardCtx context.Context, events []ir.Event) error {
	first, last := events[0].GlobalPosition, events[len(events)-1].GlobalPosition

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.d.opts.retryInitial
	b.MaxInterval = a.d.opts.retryMax

	attempts := 0
	res, err := backoff.Retry(runCtx, func() (batchResult, error) {
		attempts++
		a.mu.Lock()
		a.attempts = attempts
		a.mu.Unlock()

		res, err := a.commitBatch(hardCtx, events, attempts)
		if err == nil {
			return res, nil
		}
		if a.permanent(hardCtx, err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(a.d.opts.maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			a.d.ins.retries.Add(hardCtx, 1, metric.WithAttributes(attribute.String("projection", a.def.Name)))
			a.logger.Warn("batch failed, retrying",
				zap.Int64("first", first),
				zap.Int64("last", last),
				zap.Int("attempt", attempts),
				zap.Duration("backoff", next),
				zap.Error(err))
		}),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		if errors.Is(err, context.Canceled) && runCtx.Err() != nil {
			return err
		}
		var de *Error
		if errors.As(err, &de) {
			de.Attempts = attempts
			return de
		}
		if a.permanent(hardCtx, err) {
			return &Error{Code: ErrCodeUnrecoverable, Projection: a.def.Name, Position: last, Attempts: attempts, Err: err}
		}
		return &Error{Code: ErrCodeTransientWriteFailure, Projection: a.def.Name, Position: last, Attempts: attempts, Err: err}
	}

	a.afterCommit(events, res)
	return nil
}

// permanent reports whether retrying err cannot help.
func (a *agent) permanent(hardCtx context.Context, err error) bool {
	var de *Error
	switch {
	case errors.As(err, &de):
		return true
	case hardCtx.Err() != nil:
		return true
	case a.d.opts.transient != nil:
		return !a.d.opts.transient(err)
	default:
		return false
	}
}

// commitBatch writes all events, fences the lease, advances the mark and
// commits, all in one transaction. Permanent failures are returned as
// *Error; anything else may be retried.
func (a *agent) commitBatch(ctx context.Context, events []ir.Event, attempt int) (res batchResult, err error) {
	first, last := events[0].GlobalPosition, events[len(events)-1].GlobalPosition
	ctx, span := a.d.ins.tracer.Start(ctx, "daemon.batch", trace.WithAttributes(
		attribute.String("flatline.projection", a.def.Name),
		attribute.Int64("flatline.batch.first", first),
		attribute.Int64("flatline.batch.last", last),
		attribute.Int("flatline.batch.size", len(events)),
		attribute.Int("flatline.batch.attempt", attempt),
	))
	started := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	unrecoverable := func(pos int64, cause error) *Error {
		return &Error{Code: ErrCodeUnrecoverable, Projection: a.def.Name, Position: pos, Err: cause}
	}

	tx, err := a.d.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	if a.d.mode == ModeCoordinated {
		if f, ok := a.d.opts.coordinator.(Fencer); ok {
			if err := f.Fence(ctx, tx, a.def.Name, a.d.opts.owner); err != nil {
				if errors.Is(err, lease.ErrNotOwner) {
					return res, &Error{Code: ErrCodeOwnershipLost, Projection: a.def.Name, Position: first, Err: err}
				}
				return res, fmt.Errorf("fence lease: %w", err)
			}
		}
	}

	for _, ev := range events {
		if a.d.versions.IsStale(a.def.Name, ev.StreamID, version.Version{Seq: ev.Sequence}) {
			res.skipped++
			continue
		}
		op, err := flat.Apply(ev, a.def)
		if err != nil {
			return res, unrecoverable(ev.GlobalPosition, err)
		}
		if op.Kind == flat.Noop {
			res.skipped++
			continue
		}
		stmt, err := a.d.opts.dialect.Render(a.def, op)
		if err != nil {
			return res, unrecoverable(ev.GlobalPosition, fmt.Errorf("render %s: %w", op.EventType, err))
		}
		if err := flat.Exec(ctx, tx, stmt); err != nil {
			return res, fmt.Errorf("write %s at position %d: %w", op.EventType, ev.GlobalPosition, err)
		}
		res.applied = append(res.applied, op)
	}

	if err := a.d.progress.Advance(ctx, tx, a.def.Name, last); err != nil {
		if errors.Is(err, progress.ErrRegression) {
			return res, unrecoverable(last, err)
		}
		return res, fmt.Errorf("advance mark: %w", err)
	}

	if a.d.opts.beforeCommit != nil {
		if err := a.d.opts.beforeCommit(ctx, a.def.Name, events); err != nil {
			return res, fmt.Errorf("before commit: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit batch: %w", err)
	}

	attrs := metric.WithAttributes(attribute.String("projection", a.def.Name))
	a.d.ins.batches.Add(ctx, 1, attrs)
	a.d.ins.applied.Add(ctx, int64(len(res.applied)), attrs)
	a.d.ins.skipped.Add(ctx, int64(res.skipped), attrs)
	a.d.ins.batchDuration.Record(ctx, time.Since(started).Seconds(), attrs)
	return res, nil
}

// afterCommit updates the version cache and the in-memory mark. Only
// committed writes reach the cache.
func (a *agent) afterCommit(events []ir.Event, res batchResult) {
	byPos := make(map[int64]ir.Event, len(events))
	for _, ev := range events {
		byPos[ev.GlobalPosition] = ev
	}
	for _, op := range res.applied {
		ev := byPos[op.Position]
		if op.Kind == flat.Delete {
			a.d.versions.ClearVersion(a.def.Name, ev.StreamID)
			continue
		}
		a.d.versions.StoreVersion(a.def.Name, ev.StreamID, version.Version{Seq: ev.Sequence})
	}

	first, last := events[0].GlobalPosition, events[len(events)-1].GlobalPosition
	a.mu.Lock()
	a.position = last
	a.attempts = 0
	a.err = nil
	a.updatedAt = a.d.opts.now()
	lag := a.tail - last
	a.broadcastLocked()
	a.mu.Unlock()

	a.logger.Debug("batch committed",
		zap.Int64("first", first),
		zap.Int64("last", last),
		zap.Int("applied", len(res.applied)),
		zap.Int("skipped", res.skipped))

	if lag <= a.d.opts.catchUpThreshold && a.snapshot().State == StateCatchingUp {
		a.transition(StateRunning, nil)
	}
	state := a.snapshot().State
	a.d.observe(Observation{
		Projection: a.def.Name,
		From:       state,
		To:         state,
		First:      first,
		Last:       last,
		Applied:    len(res.applied),
	})
}
