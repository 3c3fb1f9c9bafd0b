package daemon

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/roach88/flatline/internal/flat"
	"github.com/roach88/flatline/internal/ir"
	"github.com/roach88/flatline/internal/postgres"
	"github.com/roach88/flatline/internal/schema"
	"github.com/roach88/flatline/internal/store"
)

// Defaults used when an option is not given.
const (
	DefaultBatchSize        = 500
	DefaultBatchMaxWait     = 250 * time.Millisecond
	DefaultPollInterval     = 500 * time.Millisecond
	DefaultCatchUpThreshold = 1000
	DefaultMaxAttempts      = 5
	DefaultRetryInitial     = 100 * time.Millisecond
	DefaultRetryMax         = 5 * time.Second
	DefaultLeaseTTL         = 30 * time.Second
)

// Source is the event log the daemon reads.
type Source interface {
	// ReadEventsAfter returns up to max events with global position greater
	// than after, in increasing global position order.
	ReadEventsAfter(ctx context.Context, after int64, max int) ([]ir.Event, error)
	// TailPosition returns the highest global position in the log.
	TailPosition(ctx context.Context) (int64, error)
}

// Notifier is implemented by sources that can signal new events. Agents
// still poll; a signal only shortens the wait.
type Notifier interface {
	Subscribe() (<-chan struct{}, func())
}

// Coordinator hands out per-projection leases in coordinated mode.
type Coordinator interface {
	Acquire(ctx context.Context, projection, owner string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, projection, owner string, ttl time.Duration) error
	Release(ctx context.Context, projection, owner string) error
}

// Fencer is implemented by coordinators that can verify ownership inside the
// batch transaction. Fence must fail with lease.ErrNotOwner when the lease is
// gone.
type Fencer interface {
	Fence(ctx context.Context, tx *sql.Tx, projection, owner string) error
}

// BeforeCommitFunc runs inside the batch transaction after all writes and
// the mark advance. Returning an error rolls the batch back.
type BeforeCommitFunc func(ctx context.Context, projection string, events []ir.Event) error

// Option configures a Daemon.
type Option func(*options)

type options struct {
	logger           *zap.Logger
	tracerProvider   trace.TracerProvider
	meterProvider    metric.MeterProvider
	dialect          flat.Dialect
	catalog          schema.Catalog
	coordinator      Coordinator
	owner            string
	batchSize        int
	batchMaxWait     time.Duration
	pollInterval     time.Duration
	catchUpThreshold int64
	maxAttempts      int
	retryInitial     time.Duration
	retryMax         time.Duration
	leaseTTL         time.Duration
	failFastSchema   bool
	applySchema      bool
	versionCacheSize int
	observers        []Observer
	beforeCommit     BeforeCommitFunc
	transient        func(error) bool
	now              func() time.Time
}

// WithLogger sets the logger. Nil means zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracerProvider sets the provider for batch spans. Defaults to the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithMeterProvider sets the provider for daemon counters. Defaults to the
// global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithDialect selects the target database engine. Defaults to flat.SQLite.
func WithDialect(d flat.Dialect) Option {
	return func(o *options) { o.dialect = d }
}

// WithCatalog enables schema assertion against the given catalog.
func WithCatalog(c schema.Catalog) Option {
	return func(o *options) { o.catalog = c }
}

// WithCoordinator sets the lease coordinator required by coordinated mode.
func WithCoordinator(c Coordinator) Option {
	return func(o *options) { o.coordinator = c }
}

// WithOwner sets the owner id used for leases. Defaults to a UUIDv7.
func WithOwner(id string) Option {
	return func(o *options) { o.owner = id }
}

// WithBatchSize sets the maximum number of events per batch.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// WithBatchMaxWait sets how long a partial batch waits for more events.
// Zero commits partial batches immediately.
func WithBatchMaxWait(d time.Duration) Option {
	return func(o *options) { o.batchMaxWait = d }
}

// WithPollInterval sets how long an idle agent waits before reading again.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithCatchUpThreshold sets the lag above which an agent reports CatchingUp.
func WithCatchUpThreshold(n int64) Option {
	return func(o *options) { o.catchUpThreshold = n }
}

// WithMaxAttempts bounds the attempts per batch, the first one included.
func WithMaxAttempts(n int) Option {
	return func(o *options) { o.maxAttempts = n }
}

// WithRetryIntervals sets the exponential backoff bounds between attempts.
func WithRetryIntervals(initial, max time.Duration) Option {
	return func(o *options) {
		o.retryInitial = initial
		o.retryMax = max
	}
}

// WithLeaseTTL sets the lease duration in coordinated mode. Leases are
// renewed after a third of the TTL.
func WithLeaseTTL(d time.Duration) Option {
	return func(o *options) { o.leaseTTL = d }
}

// WithFailFastSchema makes Start fail when the catalog does not match.
func WithFailFastSchema(enabled bool) Option {
	return func(o *options) { o.failFastSchema = enabled }
}

// WithApplySchema makes Start create missing tables, indexes and functions
// before asserting the schema.
func WithApplySchema(enabled bool) Option {
	return func(o *options) { o.applySchema = enabled }
}

// WithVersionCacheSize bounds the version cache.
func WithVersionCacheSize(n int) Option {
	return func(o *options) { o.versionCacheSize = n }
}

// WithObserver registers an observer. May be given more than once.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs) }
}

// WithBeforeCommit installs a hook that runs before every batch commit.
func WithBeforeCommit(fn BeforeCommitFunc) Option {
	return func(o *options) { o.beforeCommit = fn }
}

// WithTransient sets the classifier for batch errors. Errors it rejects stop
// the agent without further attempts. By default database errors are retried
// only when the dialect's engine reports them as transient. Other errors are
// retried.
func WithTransient(fn func(error) bool) Option {
	return func(o *options) { o.transient = fn }
}

// WithClock overrides the time source for marks and lease renewal.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func defaultOptions() options {
	return options{
		dialect:          flat.SQLite,
		batchSize:        DefaultBatchSize,
		batchMaxWait:     DefaultBatchMaxWait,
		pollInterval:     DefaultPollInterval,
		catchUpThreshold: DefaultCatchUpThreshold,
		maxAttempts:      DefaultMaxAttempts,
		retryInitial:     DefaultRetryInitial,
		retryMax:         DefaultRetryMax,
		leaseTTL:         DefaultLeaseTTL,
		failFastSchema:   true,
		now:              time.Now,
	}
}

// normalized replaces non-positive values with defaults.
func (o options) normalized() options {
	d := defaultOptions()
	if o.dialect == nil {
		o.dialect = d.dialect
	}
	if o.batchSize <= 0 {
		o.batchSize = d.batchSize
	}
	if o.batchMaxWait < 0 {
		o.batchMaxWait = 0
	}
	if o.pollInterval <= 0 {
		o.pollInterval = d.pollInterval
	}
	if o.catchUpThreshold <= 0 {
		o.catchUpThreshold = d.catchUpThreshold
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = d.maxAttempts
	}
	if o.retryInitial <= 0 {
		o.retryInitial = d.retryInitial
	}
	if o.retryMax < o.retryInitial {
		o.retryMax = max(d.retryMax, o.retryInitial)
	}
	if o.leaseTTL <= 0 {
		o.leaseTTL = d.leaseTTL
	}
	if o.now == nil {
		o.now = d.now
	}
	if o.transient == nil {
		o.transient = dialectTransient(o.dialect)
	}
	return o
}

func dialectTransient(d flat.Dialect) func(error) bool {
	isDB, transient := store.IsDatabaseError, store.IsTransient
	if d.Name() == flat.Postgres.Name() {
		isDB, transient = postgres.IsDatabaseError, postgres.IsTransient
	}
	return func(err error) bool {
		return !isDB(err) || transient(err)
	}
}
