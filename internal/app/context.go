package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/engine"
	"bountyline/internal/logger"
	"bountyline/internal/metrics"
	"bountyline/internal/migrate"
	"bountyline/internal/secrets"
	"bountyline/internal/wallet"
)

const ledgerDBName = "sandbox.db"

// Options select the workspace and how the process logs.
type Options struct {
	Workspace string
	Dev       bool
	LogLevel  string
	// Secrets maps refs to secrets resolved before any other store.
	Secrets secrets.Static
}

// Context is an opened workspace: the engine plus what it was built from.
type Context struct {
	Engine  engine.Engine
	Config  *config.Config
	Sandbox *wallet.Sandbox
	Log     *logger.Logger
	Metrics *metrics.Collector

	db       *sql.DB
	ledgerDB *sql.DB
}

// Open migrates the workspace database, loads bountyline.yml (or the
// defaults), opens the sandbox ledger and seeds the permission catalog.
func Open(ctx context.Context, opts Options) (*Context, error) {
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(opts.Dev, opts.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	ledgerDB, err := db.Open(db.Config{Workspace: opts.Workspace, Name: ledgerDBName})
	if err != nil {
		conn.Close()
		return nil, err
	}
	sb, err := wallet.NewSandbox(ctx, ledgerDB, cfg.Wallet.Rates)
	if err != nil {
		conn.Close()
		ledgerDB.Close()
		return nil, fmt.Errorf("sandbox ledger: %w", err)
	}

	m := metrics.NewCollector("")
	ledger := wallet.NewLimited(sb, cfg.Wallet.RatePerSecond, cfg.Wallet.Burst, m)
	store := secrets.Chain{secrets.Env{}, sb}
	if len(opts.Secrets) > 0 {
		store = append(secrets.Chain{opts.Secrets}, store...)
	}
	e := engine.New(conn, cfg, ledger, store).WithLogger(log).WithMetrics(m)
	if err := e.SyncCatalog(ctx); err != nil {
		conn.Close()
		ledgerDB.Close()
		return nil, fmt.Errorf("seed catalog: %w", err)
	}
	return &Context{Engine: e, Config: cfg, Sandbox: sb, Log: log, Metrics: m, db: conn, ledgerDB: ledgerDB}, nil
}

func (c *Context) Close() error {
	_ = c.Log.Sync()
	return errors.Join(c.db.Close(), c.ledgerDB.Close())
}
