package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roach88/flatline/internal/progress"
	"github.com/roach88/flatline/internal/projection"
	"github.com/roach88/flatline/internal/schema"
	"github.com/roach88/flatline/internal/version"
)

// Daemon runs one agent per configured projection.
//
// Thread-safety model:
//   - all exported methods are safe from any goroutine
//   - each agent is the only writer of its projection table and mark
//
// INVARIANTS:
//   - row writes and the mark advance of a batch commit in one transaction
//   - within a projection, events are applied in strictly increasing
//     global position order
type Daemon struct {
	src      Source
	db       *sql.DB
	opts     options
	logger   *zap.Logger
	progress *progress.Tracker
	versions *version.Tracker
	ins      *instruments

	mu      sync.Mutex
	mode    Mode
	defs    []*projection.Definition
	agents  map[string]*agent
	order   []string
	running bool
	cancel  context.CancelFunc
	hard    context.CancelFunc
	runCtx  context.Context
	hardCtx context.Context
}

// New creates a daemon that reads src and writes projected tables, marks and
// fences through db.
func New(src Source, db *sql.DB, opts ...Option) (*Daemon, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o = o.normalized()

	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.owner == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate owner id: %w", err)
		}
		o.owner = id.String()
	}
	size := o.versionCacheSize
	if size <= 0 {
		size = version.DefaultSize
	}
	versions, err := version.NewTracker(size)
	if err != nil {
		return nil, fmt.Errorf("create version cache: %w", err)
	}
	ins, err := newInstruments(o.tracerProvider, o.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("create instruments: %w", err)
	}

	return &Daemon{
		src:      src,
		db:       db,
		opts:     o,
		logger:   o.logger.Named("daemon"),
		progress: progress.NewTracker(progress.WithDialect(o.dialect), progress.WithClock(o.now)),
		versions: versions,
		ins:      ins,
		agents:   make(map[string]*agent),
	}, nil
}

// Owner returns the id this daemon uses for leases.
func (d *Daemon) Owner() string { return d.opts.owner }

// Progress returns the progression tracker used for marks.
func (d *Daemon) Progress() *progress.Tracker { return d.progress }

// Configure validates the definitions and replaces the configured set. It
// fails while the daemon is running.
func (d *Daemon) Configure(defs []*projection.Definition, mode Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrAlreadyRunning
	}

	switch mode {
	case ModeSolo:
	case ModeCoordinated:
		if d.opts.coordinator == nil {
			return errors.New("configure: coordinated mode needs a coordinator")
		}
	default:
		return fmt.Errorf("configure: unknown mode %q", mode)
	}
	if len(defs) == 0 {
		return errors.New("configure: at least one projection is required")
	}

	var errs []error
	names := make(map[string]bool, len(defs))
	tables := make(map[string]string, len(defs))
	for _, def := range defs {
		if def == nil {
			errs = append(errs, errors.New("nil projection definition"))
			continue
		}
		if verrs := def.Validate(); len(verrs) > 0 {
			errs = append(errs, verrs)
			continue
		}
		if names[def.Name] {
			errs = append(errs, fmt.Errorf("projection %q configured twice", def.Name))
		}
		names[def.Name] = true
		table := d.opts.dialect.Table(def)
		if other, ok := tables[table]; ok {
			errs = append(errs, fmt.Errorf("projections %q and %q both write table %s", other, def.Name, table))
		}
		tables[table] = def.Name
	}
	if len(errs) > 0 {
		return fmt.Errorf("configure: %w", errors.Join(errs...))
	}

	agents := make(map[string]*agent, len(defs))
	order := make([]string, 0, len(defs))
	for _, def := range defs {
		fingerprint, err := def.Fingerprint()
		if err != nil {
			return fmt.Errorf("configure: %w", err)
		}
		agents[def.Name] = newAgent(d, def, fingerprint)
		order = append(order, def.Name)
	}
	d.mode = mode
	d.defs = append([]*projection.Definition(nil), defs...)
	d.agents = agents
	d.order = order
	return nil
}

// Start prepares the tracking tables, optionally applies and asserts the
// schema, and launches one agent per projection. Agents keep running until
// Stop; ctx only bounds the startup work.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.defs) == 0 {
		return ErrNotConfigured
	}
	if d.running {
		return ErrAlreadyRunning
	}

	for _, name := range d.order {
		d.agents[name].transition(StateStarting, nil)
	}
	fail := func(err error) error {
		for _, name := range d.order {
			d.agents[name].fail(err)
		}
		return err
	}

	if err := d.progress.EnsureTable(ctx, d.db); err != nil {
		return fail(fmt.Errorf("start: %w", err))
	}
	if d.mode == ModeCoordinated {
		if et, ok := d.opts.coordinator.(interface{ EnsureTable(context.Context) error }); ok {
			if err := et.EnsureTable(ctx); err != nil {
				return fail(fmt.Errorf("start: %w", err))
			}
		}
	}
	if d.opts.applySchema {
		if err := schema.Apply(ctx, d.db, d.opts.dialect, d.defs); err != nil {
			return fail(fmt.Errorf("start: %w", err))
		}
	}
	if d.opts.catalog != nil && d.opts.failFastSchema {
		if res, err := schema.AssertStrict(ctx, d.opts.catalog, d.defs); err != nil {
			for _, disc := range res.Discrepancies {
				d.logger.Error("schema discrepancy",
					zap.String("projection", disc.Projection),
					zap.String("kind", disc.Kind),
					zap.String("object", disc.Object),
					zap.String("expected", disc.Expected),
					zap.String("actual", disc.Actual))
			}
			return fail(fmt.Errorf("start: %w", err))
		}
	}

	d.runCtx, d.cancel = context.WithCancel(context.Background())
	d.hardCtx, d.hard = context.WithCancel(context.Background())
	d.running = true

	for _, name := range d.order {
		a := d.agents[name]
		d.logger.Info("starting projection",
			zap.String("projection", name),
			zap.String("table", d.opts.dialect.Table(a.def)),
			zap.String("fingerprint", a.fingerprint),
			zap.String("mode", string(d.mode)),
			zap.String("owner", d.opts.owner))
		a.start(d.runCtx, d.hardCtx)
	}
	return nil
}

// Stop asks every agent to finish its in-flight batch and halt. When ctx
// expires first, in-flight transactions are cancelled and roll back; the
// marks stay where the last commit left them.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	agents := make([]*agent, 0, len(d.order))
	for _, name := range d.order {
		agents = append(agents, d.agents[name])
	}
	cancel, hard := d.cancel, d.hard
	d.running = false
	d.mu.Unlock()

	for _, a := range agents {
		a.stopping()
	}
	cancel()

	var timedOut error
	for _, a := range agents {
		if err := a.wait(ctx); err != nil && timedOut == nil {
			timedOut = err
			hard()
		}
	}
	hard()
	for _, a := range agents {
		<-a.doneChan()
	}
	if timedOut != nil {
		d.logger.Warn("stop timed out, in-flight batches rolled back", zap.Error(timedOut))
		return fmt.Errorf("stop: %w", timedOut)
	}
	d.logger.Info("daemon stopped")
	return nil
}

// Restart relaunches an agent that is Errored or Stopped while the daemon
// runs. Its mark is reloaded and its version cache entries are purged.
func (d *Daemon) Restart(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[name]
	if !ok {
		return fmt.Errorf("restart %s: %w", name, ErrUnknownProjection)
	}
	if !d.running {
		return fmt.Errorf("restart %s: %w", name, ErrNotRunning)
	}
	if st := a.snapshot().State; st.Active() {
		return fmt.Errorf("restart %s: agent is %s", name, st)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d.versions.Purge(name)
	d.logger.Info("restarting projection", zap.String("projection", name))
	a.start(d.runCtx, d.hardCtx)
	return nil
}

// Rebuild truncates a teardown-enabled projection table and resets its mark
// in one transaction, so the next run replays the log from the start. A
// running agent is drained first and relaunched afterwards.
func (d *Daemon) Rebuild(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[name]
	if !ok {
		return fmt.Errorf("rebuild %s: %w", name, ErrUnknownProjection)
	}
	if !a.def.TeardownOnRebuild {
		return fmt.Errorf("rebuild %s: teardown on rebuild is not enabled", name)
	}

	wasActive := a.snapshot().State.Active()
	if wasActive {
		a.stopping()
		if err := a.stop(ctx); err != nil {
			return fmt.Errorf("rebuild %s: %w", name, err)
		}
	}

	if err := d.progress.EnsureTable(ctx, d.db); err != nil {
		return fmt.Errorf("rebuild %s: %w", name, err)
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rebuild %s: begin: %w", name, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, schema.TeardownStatement(a.def, d.opts.dialect)); err != nil {
		return fmt.Errorf("rebuild %s: teardown: %w", name, err)
	}
	if err := d.progress.Reset(ctx, tx, name); err != nil {
		return fmt.Errorf("rebuild %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rebuild %s: commit: %w", name, err)
	}

	d.versions.Purge(name)
	a.reset()
	d.logger.Info("projection rebuilt", zap.String("projection", name))

	if wasActive && d.running {
		a.start(d.runCtx, d.hardCtx)
	}
	return nil
}

// AssertSchema compares the catalog with the configured projections. With
// strict, a non-empty result is returned as a *schema.MismatchError.
func (d *Daemon) AssertSchema(ctx context.Context, strict bool) (schema.Result, error) {
	d.mu.Lock()
	defs := d.defs
	d.mu.Unlock()
	if len(defs) == 0 {
		return schema.Result{Discrepancies: []schema.Discrepancy{}}, ErrNotConfigured
	}
	if d.opts.catalog == nil {
		return schema.Result{Discrepancies: []schema.Discrepancy{}}, errors.New("assert schema: no catalog configured")
	}
	if strict {
		return schema.AssertStrict(ctx, d.opts.catalog, defs)
	}
	return schema.Assert(ctx, d.opts.catalog, defs)
}

// Status returns a snapshot of one projection agent.
func (d *Daemon) Status(name string) (Status, error) {
	d.mu.Lock()
	a, ok := d.agents[name]
	d.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("status %s: %w", name, ErrUnknownProjection)
	}
	return a.snapshot(), nil
}

// Statuses returns snapshots of all agents in configuration order.
func (d *Daemon) Statuses() []Status {
	d.mu.Lock()
	agents := make([]*agent, 0, len(d.order))
	for _, name := range d.order {
		agents = append(agents, d.agents[name])
	}
	d.mu.Unlock()

	out := make([]Status, len(agents))
	for i, a := range agents {
		out[i] = a.snapshot()
	}
	return out
}

// WaitUntilCaughtUp blocks until the projection's mark reaches the log tail
// observed when the call was made. It returns the agent's error if the agent
// fails, and ErrCatchUpTimeout when timeout elapses first.
//
// In coordinated mode the persisted mark is polled as well, so the wait also
// succeeds when another process owns the projection.
func (d *Daemon) WaitUntilCaughtUp(ctx context.Context, name string, timeout time.Duration) error {
	d.mu.Lock()
	a, ok := d.agents[name]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("wait %s: %w", name, ErrUnknownProjection)
	}

	target, err := d.src.TailPosition(ctx)
	if err != nil {
		return fmt.Errorf("wait %s: read tail: %w", name, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(d.opts.pollInterval)
	defer ticker.Stop()

	for {
		changed := a.changes()
		st := a.snapshot()
		if target == 0 || (st.Position >= target && a.markLoaded()) {
			return nil
		}
		if st.State == StateErrored {
			return fmt.Errorf("wait %s: %w", name, a.lastError())
		}

		select {
		case <-changed:
		case <-ticker.C:
			if d.mode != ModeCoordinated {
				continue
			}
			pos, err := d.progress.LastPosition(ctx, d.db, name)
			if err == nil && pos >= target {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("wait %s: reached %d of %d: %w", name, a.snapshot().Position, target, ErrCatchUpTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Daemon) observe(obs Observation) {
	for _, fn := range d.opts.observers {
		fn(obs)
	}
}
