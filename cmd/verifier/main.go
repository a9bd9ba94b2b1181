// v1
// cmd/verifier/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/urfave/cli.v1"

	"nrgchamp/meterchain/internal/app"
	"nrgchamp/meterchain/internal/commitment"
	"nrgchamp/meterchain/internal/config"
	"nrgchamp/meterchain/internal/logging"
)

var (
	valueFlag = cli.StringFlag{
		Name:  "value",
		Usage: "committed value in Wh",
	}
	fingerprintFlag = cli.StringFlag{
		Name:  "fingerprint",
		Usage: "hex encoded fingerprint",
	}
	hashFlag = cli.StringFlag{
		Name:  "hash",
		Value: commitment.HashSHA256,
		Usage: "commitment hash: sha256 or mimc-bn254",
	}
)

func baseConfig() config.Config {
	cfg := config.Default()
	cfg.ListenAddress = ":8091"
	cfg.LogFilePath = "logs/verifier.log"
	return cfg
}

func main() {
	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cliApp := cli.NewApp()
	cliApp.Name = "verifier"
	cliApp.Usage = "checks meter commitments and records accepted readings on the ledger"
	cliApp.Flags = app.ConfigFlags()
	cliApp.Action = run
	cliApp.Commands = []cli.Command{
		{
			Name:   "check",
			Usage:  "check a disclosed value against a fingerprint",
			Flags:  []cli.Flag{valueFlag, fingerprintFlag, hashFlag},
			Action: check,
		},
		{
			Name:   "commit",
			Usage:  "print the fingerprint of a value",
			Flags:  []cli.Flag{valueFlag, hashFlag},
			Action: commit,
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		bootstrap.Error("service_terminated", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := app.LoadConfig(c, baseConfig())
	if err != nil {
		return err
	}
	logger, closer := logging.New(cfg.LogFilePath, cfg.LogLevel)
	defer closer.Close()

	v, err := app.NewVerifier(cfg, logger)
	if err != nil {
		logger.Error("app_init_failed", slog.Any("err", err))
		return err
	}
	defer func() {
		if cerr := v.Close(); cerr != nil {
			logger.Error("app_close_failed", slog.Any("err", cerr))
		}
	}()
	logger.Info("service_boot",
		slog.String("listen_address", cfg.ListenAddress),
		slog.String("log_path", cfg.LogFilePath),
		slog.String("ledger_path", cfg.LedgerPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := v.Run(ctx); err != nil {
		logger.Error("service_terminated", slog.Any("err", err))
		return err
	}
	logger.Info("service_stopped")
	return nil
}

func schemeFor(c *cli.Context) (*commitment.Scheme, error) {
	hasher, err := commitment.HasherByName(c.String(hashFlag.Name))
	if err != nil {
		return nil, err
	}
	return commitment.NewScheme(hasher), nil
}

func check(c *cli.Context) error {
	scheme, err := schemeFor(c)
	if err != nil {
		return err
	}
	value, err := commitment.ParseValue(c.String(valueFlag.Name))
	if err != nil {
		return err
	}
	fp, err := commitment.ParseFingerprint(c.String(fingerprintFlag.Name))
	if err != nil {
		return err
	}
	ok, err := commitment.NewVerifier(scheme, logging.Discard()).Check(commitment.Proof{Value: value, Fingerprint: fp})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "valid=%t algorithm=%s\n", ok, scheme.Algorithm())
	if !ok {
		return cli.NewExitError("fingerprint mismatch", 2)
	}
	return nil
}

func commit(c *cli.Context) error {
	scheme, err := schemeFor(c)
	if err != nil {
		return err
	}
	value, err := commitment.ParseValue(c.String(valueFlag.Name))
	if err != nil {
		return err
	}
	fp, err := scheme.Commit(value)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, fp.Hex())
	return nil
}
