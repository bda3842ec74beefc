package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"chatsync/config"
	"chatsync/pkg/logger"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
)

func getConfig(ctx *cli.Context) *config.Config {
	return ctx.Context.Value(contextKeyConfig).(*config.Config)
}

func prepareApp(ctx *cli.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if ctx.IsSet("log-level") {
		cfg.LogLevel = ctx.String("log-level")
	}
	logger.InitLogger(cfg.LogLevel, cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	ctx.Context = context.WithValue(ctx.Context, contextKeyConfig, cfg)
	return nil
}

func main() {
	app := &cli.App{
		Name:    "chatsync",
		Usage:   "Reconcile messaging history into the CRM datastore",
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override LOG_LEVEL",
			},
		},
		Before: prepareApp,
		Commands: []*cli.Command{
			serveCommand,
			runCommand,
			migrateCommand,
			stateCommand,
			pairingCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Error().Err(err).Msg("chatsync failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
