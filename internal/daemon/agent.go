package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/flatline/internal/ir"
	"github.com/roach88/flatline/internal/lease"
	"github.com/roach88/flatline/internal/projection"
)

// agent drives one projection. Its goroutine is the only writer of the
// projection table and mark.
type agent struct {
	d           *Daemon
	def         *projection.Definition
	fingerprint string
	logger      *zap.Logger

	mu        sync.Mutex
	state     State
	position  int64
	loaded    bool
	tail      int64
	owner     string
	attempts  int
	err       error
	updatedAt time.Time
	changed   chan struct{}
	cancel    context.CancelFunc
	hard      context.CancelFunc
	done      chan struct{}
}

func newAgent(d *Daemon, def *projection.Definition, fingerprint string) *agent {
	done := make(chan struct{})
	close(done)
	return &agent{
		d:           d,
		def:         def,
		fingerprint: fingerprint,
		logger:      d.opts.logger.Named("agent").With(zap.String("projection", def.Name)),
		changed:     make(chan struct{}),
		done:        done,
	}
}

// start launches the agent goroutine under contexts derived from the
// daemon's run and hard-stop contexts.
func (a *agent) start(runParent, hardParent context.Context) {
	runCtx, cancel := context.WithCancel(runParent)
	hardCtx, hard := context.WithCancel(hardParent)

	a.mu.Lock()
	a.cancel, a.hard = cancel, hard
	a.done = make(chan struct{})
	a.err = nil
	a.attempts = 0
	a.loaded = false
	done := a.done
	a.mu.Unlock()

	a.transition(StateStarting, nil)
	go func() {
		defer close(done)
		defer hard()
		a.run(runCtx, hardCtx)
	}()
}

// stop cancels the agent and waits for it, cancelling the in-flight
// transaction when ctx expires first.
func (a *agent) stop(ctx context.Context) error {
	a.mu.Lock()
	cancel, hard, done := a.cancel, a.hard, a.done
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		hard()
		<-done
		return ctx.Err()
	}
}

func (a *agent) wait(ctx context.Context) error {
	select {
	case <-a.doneChan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *agent) doneChan() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

func (a *agent) run(runCtx, hardCtx context.Context) {
	var wake <-chan struct{}
	if n, ok := a.d.src.(Notifier); ok {
		ch, unsubscribe := n.Subscribe()
		defer unsubscribe()
		wake = ch
	}

	for {
		if runCtx.Err() != nil {
			a.halt(hardCtx)
			return
		}

		if a.d.mode == ModeCoordinated {
			if !a.acquire(runCtx, wake) {
				a.halt(hardCtx)
				return
			}
		}
		// The mark may have moved since the cache was filled.
		a.d.versions.Purge(a.def.Name)

		pos, err := a.d.progress.LastPosition(runCtx, a.d.db, a.def.Name)
		if err != nil {
			if runCtx.Err() != nil {
				a.halt(hardCtx)
				return
			}
			a.fail(fmt.Errorf("load mark: %w", err))
			a.release(hardCtx)
			return
		}
		a.setPosition(pos)
		a.logger.Info("projection mark loaded", zap.Int64("position", pos))

		err = a.consume(runCtx, hardCtx, wake)
		switch {
		case err == nil:
			a.halt(hardCtx)
			return
		case IsOwnershipLost(err):
			a.logger.Warn("projection lease lost", zap.Error(err))
			a.mu.Lock()
			a.err = err
			a.owner = ""
			a.loaded = false
			a.mu.Unlock()
			a.transition(StateStarting, err)
		default:
			a.fail(err)
			a.release(hardCtx)
			return
		}
	}
}

// consume processes batches until the run context ends (nil) or a batch
// fails permanently.
func (a *agent) consume(runCtx, hardCtx context.Context, wake <-chan struct{}) error {
	renewed := a.d.opts.now()
	idle := time.NewTimer(a.d.opts.pollInterval)
	defer idle.Stop()

	for {
		if runCtx.Err() != nil {
			return nil
		}
		if a.d.mode == ModeCoordinated && a.d.opts.now().Sub(renewed) >= a.d.opts.leaseTTL/3 {
			if err := a.renew(runCtx); err != nil {
				return err
			}
			renewed = a.d.opts.now()
		}

		events, err := a.readBatch(runCtx, wake)
		if err != nil {
			if runCtx.Err() != nil {
				return nil
			}
			a.logger.Warn("read events failed", zap.Error(err))
			events = nil
		}

		if len(events) == 0 {
			a.refreshTail(runCtx)
			resetTimer(idle, a.d.opts.pollInterval)
			select {
			case <-runCtx.Done():
				return nil
			case <-wake:
			case <-idle.C:
			}
			continue
		}

		if err := a.checkOrder(events); err != nil {
			return err
		}
		a.refreshTail(runCtx)

		if err := a.commitWithRetry(runCtx, hardCtx, events); err != nil {
			if runCtx.Err() != nil && errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

// readBatch reads up to batchSize events past the mark. A partial batch
// waits up to batchMaxWait for more events before it is returned.
func (a *agent) readBatch(ctx context.Context, wake <-chan struct{}) ([]ir.Event, error) {
	size := a.d.opts.batchSize
	after := a.snapshot().Position
	events, err := a.d.src.ReadEventsAfter(ctx, after, size)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 || len(events) >= size || a.d.opts.batchMaxWait <= 0 {
		return events, nil
	}

	deadline := time.NewTimer(a.d.opts.batchMaxWait)
	defer deadline.Stop()
	for len(events) < size {
		final := false
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-deadline.C:
			final = true
		}
		more, err := a.d.src.ReadEventsAfter(ctx, events[len(events)-1].GlobalPosition, size-len(events))
		if err != nil {
			return events, nil
		}
		events = append(events, more...)
		if final {
			break
		}
	}
	return events, nil
}

// checkOrder verifies positions are strictly increasing past the mark.
func (a *agent) checkOrder(events []ir.Event) error {
	last := a.snapshot().Position
	for _, ev := range events {
		if ev.GlobalPosition <= last {
			return &Error{
				Code:       ErrCodeOrderingViolation,
				Projection: a.def.Name,
				Position:   ev.GlobalPosition,
				Err:        fmt.Errorf("position %d does not follow %d", ev.GlobalPosition, last),
			}
		}
		last = ev.GlobalPosition
	}
	return nil
}

// refreshTail records the log tail and switches between Running and
// CatchingUp.
func (a *agent) refreshTail(ctx context.Context) {
	tail, err := a.d.src.TailPosition(ctx)
	if err != nil {
		return
	}
	a.mu.Lock()
	a.tail = tail
	lag := tail - a.position
	from := a.state
	a.mu.Unlock()

	to := StateRunning
	if lag > a.d.opts.catchUpThreshold {
		to = StateCatchingUp
	}
	if from != to && (from == StateRunning || from == StateCatchingUp || from == StateStarting) {
		if to == StateCatchingUp {
			a.logger.Info("projection is catching up", zap.Int64("lag", lag))
		}
		a.transition(to, nil)
	}
}

// acquire blocks until the lease is held or ctx ends.
func (a *agent) acquire(ctx context.Context, wake <-chan struct{}) bool {
	owner := a.d.opts.owner
	logged := false
	for {
		ok, err := a.d.opts.coordinator.Acquire(ctx, a.def.Name, owner, a.d.opts.leaseTTL)
		switch {
		case err != nil && ctx.Err() == nil:
			a.logger.Warn("lease acquisition failed", zap.Error(err))
		case ok:
			a.mu.Lock()
			a.owner = owner
			a.mu.Unlock()
			a.logger.Info("projection lease acquired", zap.String("owner", owner))
			return true
		case !logged:
			a.logger.Debug("projection lease held elsewhere, standing by")
			logged = true
		}

		t := time.NewTimer(a.d.opts.pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		case <-wake:
			t.Stop()
		}
	}
}

func (a *agent) renew(ctx context.Context) error {
	err := a.d.opts.coordinator.Renew(ctx, a.def.Name, a.d.opts.owner, a.d.opts.leaseTTL)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, lease.ErrNotOwner):
		return &Error{Code: ErrCodeOwnershipLost, Projection: a.def.Name, Position: a.snapshot().Position, Err: err}
	default:
		// The fence inside the next transaction still guards the write.
		a.logger.Warn("lease renewal failed", zap.Error(err))
		return nil
	}
}

func (a *agent) release(ctx context.Context) {
	if a.d.mode != ModeCoordinated {
		return
	}
	a.mu.Lock()
	held := a.owner != ""
	a.owner = ""
	a.mu.Unlock()
	if !held {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.d.opts.pollInterval)
	defer cancel()
	if err := a.d.opts.coordinator.Release(ctx, a.def.Name, a.d.opts.owner); err != nil {
		a.logger.Warn("lease release failed", zap.Error(err))
	}
}

// halt finishes a cooperative stop.
func (a *agent) halt(ctx context.Context) {
	a.release(ctx)
	a.transition(StateStopped, nil)
}

func (a *agent) stopping() {
	if a.snapshot().State.Active() {
		a.transition(StateStopping, nil)
	}
}

func (a *agent) fail(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
	a.logger.Error("projection errored", zap.Error(err))
	a.d.ins.failures.Add(context.Background(), 1)
	a.transition(StateErrored, err)
}

// reset clears position and error after a rebuild.
func (a *agent) reset() {
	a.mu.Lock()
	a.position = 0
	a.loaded = true
	a.err = nil
	a.attempts = 0
	a.updatedAt = a.d.opts.now()
	a.broadcastLocked()
	a.mu.Unlock()
}

func (a *agent) transition(to State, cause error) {
	a.mu.Lock()
	from := a.state
	if from == to {
		a.mu.Unlock()
		return
	}
	a.state = to
	a.updatedAt = a.d.opts.now()
	pos := a.position
	a.broadcastLocked()
	a.mu.Unlock()

	if to != StateErrored {
		a.logger.Info("projection state changed",
			zap.Stringer("from", from), zap.Stringer("to", to), zap.Int64("position", pos))
	}
	a.d.observe(Observation{Projection: a.def.Name, From: from, To: to, Err: cause})
}

func (a *agent) setPosition(pos int64) {
	a.mu.Lock()
	a.position = pos
	a.loaded = true
	a.updatedAt = a.d.opts.now()
	a.broadcastLocked()
	a.mu.Unlock()
}

// changes returns a channel closed on the next position or state change.
func (a *agent) changes() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.changed
}

func (a *agent) broadcastLocked() {
	close(a.changed)
	a.changed = make(chan struct{})
}

// markLoaded reports whether position reflects the persisted mark of the
// current run.
func (a *agent) markLoaded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loaded
}

func (a *agent) lastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *agent) snapshot() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Status{
		Projection:  a.def.Name,
		Table:       a.d.opts.dialect.Table(a.def),
		State:       a.state,
		Position:    a.position,
		Tail:        a.tail,
		Owner:       a.owner,
		Attempts:    a.attempts,
		Fingerprint: a.fingerprint,
		UpdatedAt:   a.updatedAt,
	}
	if a.tail > a.position {
		st.Lag = a.tail - a.position
	}
	if a.err != nil {
		st.LastError = a.err.Error()
	}
	return st
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
