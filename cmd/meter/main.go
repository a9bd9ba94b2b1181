// v1
// cmd/meter/main.go
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/urfave/cli.v1"

	"nrgchamp/meterchain/internal/app"
	"nrgchamp/meterchain/internal/config"
	"nrgchamp/meterchain/internal/logging"
)

func main() {
	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cliApp := cli.NewApp()
	cliApp.Name = "meter"
	cliApp.Usage = "simulated smart meter publishing committed energy readings"
	cliApp.Flags = app.ConfigFlags()
	cliApp.Action = run

	if err := cliApp.Run(os.Args); err != nil {
		bootstrap.Error("service_terminated", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := app.LoadConfig(c, config.Default())
	if err != nil {
		return err
	}
	logger, closer := logging.New(cfg.LogFilePath, cfg.LogLevel)
	defer closer.Close()

	m, err := app.NewMeter(cfg, logger)
	if err != nil {
		logger.Error("app_init_failed", slog.Any("err", err))
		return err
	}
	logger.Info("service_boot",
		slog.String("listen_address", cfg.ListenAddress),
		slog.String("log_path", cfg.LogFilePath),
		slog.String("properties_path", cfg.PropertiesPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := m.Run(ctx); err != nil {
		logger.Error("service_terminated", slog.Any("err", err))
		return err
	}
	logger.Info("service_stopped")
	return nil
}
