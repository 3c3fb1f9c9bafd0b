package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/flatline/internal/config"
	"github.com/roach88/flatline/internal/daemon"
	"github.com/roach88/flatline/internal/flat"
	"github.com/roach88/flatline/internal/lease"
	"github.com/roach88/flatline/internal/postgres"
	"github.com/roach88/flatline/internal/progress"
	"github.com/roach88/flatline/internal/projection"
	"github.com/roach88/flatline/internal/schema"
	"github.com/roach88/flatline/internal/store"
)

// TargetOptions are the flags of commands that open the databases. Flags win
// over FLATLINE_* variables, which win over the config file.
type TargetOptions struct {
	ConfigPath string
	Database   string
	TargetDSN  string
}

func (o *TargetOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.ConfigPath, "config", "c", "", "path to a flatline YAML config")
	cmd.Flags().StringVar(&o.Database, "db", "", "SQLite event log (overrides config)")
	cmd.Flags().StringVar(&o.TargetDSN, "postgres", "", "Postgres DSN for projected tables (overrides config)")
}

// load resolves the configuration. dir, when set, replaces projections_dir.
func (o *TargetOptions) load(dir string) (config.Config, error) {
	return config.LoadWithOverrides(o.ConfigPath, config.Overrides{
		Database:       o.Database,
		TargetDSN:      o.TargetDSN,
		ProjectionsDir: dir,
	})
}

// workspace holds the opened event log and target database.
//
// With a Postgres target, projected tables, marks and leases live there and
// the SQLite file only holds the event log. Otherwise everything shares the
// SQLite file.
type workspace struct {
	cfg       config.Config
	store     *store.Store
	target    *sql.DB
	pool      *pgxpool.Pool
	dialect   flat.Dialect
	catalog   schema.Catalog
	transient func(error) bool
}

func openWorkspace(ctx context.Context, cfg config.Config) (*workspace, error) {
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	ws := &workspace{cfg: cfg, store: st}

	if cfg.TargetDSN == "" {
		ws.target = st.DB()
		ws.dialect = flat.SQLite
		ws.catalog = st.Catalog()
		ws.transient = store.IsTransient
		return ws, nil
	}

	ws.target, err = postgres.Open(ctx, cfg.TargetDSN)
	if err != nil {
		st.Close()
		return nil, err
	}
	ws.pool, err = postgres.OpenPool(ctx, cfg.TargetDSN)
	if err != nil {
		ws.target.Close()
		st.Close()
		return nil, err
	}
	ws.dialect = flat.Postgres
	ws.catalog = postgres.NewCatalog(ws.pool)
	ws.transient = postgres.IsTransient
	return ws, nil
}

func (ws *workspace) Close() error {
	var errs []error
	if ws.pool != nil {
		ws.pool.Close()
	}
	if ws.target != nil && ws.target != ws.store.DB() {
		errs = append(errs, ws.target.Close())
	}
	errs = append(errs, ws.store.Close())
	return errors.Join(errs...)
}

func (ws *workspace) coordinator() *lease.Coordinator {
	return lease.New(ws.target, lease.WithDialect(ws.dialect))
}

func (ws *workspace) progress() *progress.Tracker {
	return progress.NewTracker(progress.WithDialect(ws.dialect))
}

// daemonOptions adds the database-dependent options to the config's tuning
// options.
func (ws *workspace) daemonOptions(logger *zap.Logger, extra ...daemon.Option) []daemon.Option {
	opts := ws.cfg.DaemonOptions(logger)
	opts = append(opts,
		daemon.WithDialect(ws.dialect),
		daemon.WithCatalog(ws.catalog),
		daemon.WithTransient(ws.transient),
	)
	if ws.cfg.DaemonMode() == daemon.ModeCoordinated {
		opts = append(opts, daemon.WithCoordinator(ws.coordinator()))
	}
	return append(opts, extra...)
}

// newDaemon creates and configures a daemon for defs.
func (ws *workspace) newDaemon(defs []*projection.Definition, logger *zap.Logger, extra ...daemon.Option) (*daemon.Daemon, error) {
	d, err := daemon.New(ws.store, ws.target, ws.daemonOptions(logger, extra...)...)
	if err != nil {
		return nil, err
	}
	if err := d.Configure(defs, ws.cfg.DaemonMode()); err != nil {
		return nil, fmt.Errorf("configure daemon: %w", err)
	}
	return d, nil
}

// loadDefinitions compiles the projections directory, printing the first
// problem on failure.
func loadDefinitions(f *OutputFormatter, dir string) ([]*projection.Definition, error) {
	result, errs := LoadProjections(dir, LoadModeFailFast)
	if len(errs) > 0 {
		code := ErrCodeGeneric
		var le *LoadError
		if errors.As(errs[0], &le) {
			code = le.Code
		}
		return nil, f.Fail(ExitCommandError, code, "failed to load projections", errs[0])
	}
	f.VerboseLog("Loaded %d projection(s) from %d file(s) in %s", len(result.Definitions), result.FileCount, dir)
	return result.Definitions, nil
}

// prepare loads the config and definitions and opens the workspace.
func prepare(ctx context.Context, f *OutputFormatter, target *TargetOptions, dir string) (*workspace, []*projection.Definition, error) {
	cfg, err := target.load(dir)
	if err != nil {
		return nil, nil, f.Fail(ExitCommandError, ErrCodeGeneric, "invalid configuration", err)
	}
	defs, err := loadDefinitions(f, cfg.ProjectionsDir)
	if err != nil {
		return nil, nil, err
	}
	ws, err := openWorkspace(ctx, cfg)
	if err != nil {
		return nil, nil, f.Fail(ExitCommandError, ErrCodeDatabase, "failed to open database", err)
	}
	return ws, defs, nil
}

func optionalDir(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func projectionNames(defs []*projection.Definition) []string {
	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Name
	}
	return names
}
