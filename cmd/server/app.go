package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/warp/leave-engine/config"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/logging"
	"github.com/warp/leave-engine/store/gormstore"
	"github.com/warp/leave-engine/store/memory"
	"github.com/warp/leave-engine/store/sqlite"
)

// app is the wiring shared by every command.
type app struct {
	cfg   *config.Config
	log   *logrus.Logger
	store leave.Repository
	ping  func(ctx context.Context) error
	close func() error
}

func newApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	a := &app{cfg: cfg, log: logger, close: func() error { return nil }}
	if err := a.openStore(); err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"driver": cfg.Database.Driver,
		"env":    cfg.Env,
	}).Info("store ready")
	return a, nil
}

func (a *app) openStore() error {
	db := a.cfg.Database
	switch db.Driver {
	case "memory":
		a.store = memory.New()
	case "sqlite":
		s, err := sqlite.New(db.DSN)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		a.store, a.ping, a.close = s, s.Ping, s.Close
	case "gorm-sqlite", "postgres":
		driver := "postgres"
		if db.Driver == "gorm-sqlite" {
			driver = "sqlite"
		}
		s, err := gormstore.Open(driver, db.DSN, db.Verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		a.store, a.ping, a.close = s, s.Ping, s.Close
	default:
		return fmt.Errorf("unknown database driver %q", db.Driver)
	}
	return nil
}
