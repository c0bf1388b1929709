package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	storageengine "github.com/sushant-115/gojodoc/core/storage_engine"
	"github.com/sushant-115/gojodoc/pkg/logger"
	"github.com/sushant-115/gojodoc/pkg/telemetry"
)

var (
	rootCmd = &cobra.Command{
		Use:               "gojodoc_admin",
		Short:             "Inspect and maintain a GoJoDoc database file",
		SilenceUsage:      true,
		PersistentPreRunE: openEngine,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return closeEngine(cmd.Context())
		},
	}

	configFile string
	dbPath     string
	password   string
	logLevel   = "warn"

	engine *storageengine.Engine
	log    *zap.Logger
)

func init() {
	fs := rootCmd.PersistentFlags()
	fs.StringVar(&configFile, "config", "", "`file` to load the engine config from")
	fs.StringVar(&dbPath, "db", "", "database `file` (overrides the config)")
	fs.StringVar(&password, "password", "", "password of an encrypted database")
	fs.StringVar(&logLevel, "log-level", logLevel, "log level: debug, info, warn or error")

	rootCmd.AddCommand(headerCmd, statsCmd, mapCmd, logCmd, checkpointCmd, backupCmd, certsCmd)
}

// noEngine marks commands that run without opening the database.
const noEngine = "no-engine"

// openEngine opens the database without merging its log on close, so
// inspecting a file leaves it as it was found.
func openEngine(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Annotations[noEngine] != "" {
		return nil
	}
	cfg := storageengine.DefaultConfig()
	if configFile != "" {
		var err error
		if cfg, err = storageengine.LoadConfig(configFile); err != nil {
			return err
		}
	}
	if dbPath != "" {
		cfg.Path = dbPath
	}
	if password != "" {
		cfg.Password = password
	}
	cfg.CheckpointPages = 0
	cfg.CheckpointOnClose = false
	cfg.Logger = logger.Config{Level: logLevel, Format: "console", OutputFile: "stderr"}

	var err error
	if log, err = logger.New(cfg.Logger); err != nil {
		return err
	}
	tel, _, err := telemetry.New(telemetry.Config{})
	if err != nil {
		return err
	}
	if engine, err = storageengine.Open(cmd.Context(), cfg, log, tel); err != nil {
		return fmt.Errorf("failed to open %s: %w", cfg.Path, err)
	}
	return nil
}

func closeEngine(ctx context.Context) error {
	if engine == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	err := engine.Close(ctx)
	engine = nil
	_ = log.Sync()
	return err
}
