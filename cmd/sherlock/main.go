package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sherlock-bot/sherlock/sherlock/config"
	"github.com/sherlock-bot/sherlock/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "sherlock",
		Usage:   "watches the ledger for last minute and self votes, and reports them",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to JSON config file",
			Value:   "config.json",
			EnvVars: []string{"SHERLOCK_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"SHERLOCK_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format (text or json)",
			EnvVars: []string{"SHERLOCK_LOG_FMT", "LOG_FMT"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for caches, counters, and the block cursor; in-memory when unset",
			EnvVars: []string{"SHERLOCK_REDIS_URL"},
		},
		&cli.BoolFlag{
			Name:    "resume",
			Usage:   "start after the block cursor persisted in redis",
			EnvVars: []string{"SHERLOCK_RESUME"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			EnvVars: []string{"SHERLOCK_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "admin-bind",
			Usage:   "IP or address, and port, to listen on for health and metrics",
			Value:   ":3999",
			EnvVars: []string{"SHERLOCK_ADMIN_BIND"},
		},
		&cli.BoolFlag{
			Name:  "flag-report",
			Usage: "publish the daily flag report once and exit",
		},
	}

	app.Action = runMonitor
	app.Commands = []*cli.Command{
		{
			Name:   "run",
			Usage:  "run the monitor (default)",
			Action: runMonitor,
		},
		{
			Name:      "inspect-block",
			Usage:     "print how every vote in one block is classified, without responding",
			ArgsUsage: "<height>",
			Action:    runInspectBlock,
		},
	}

	return app.Run(args)
}

func configureLogging(cctx *cli.Context) (*slog.Logger, error) {
	return cliutil.SetupSlog(cliutil.LogOptions{
		LogLevel:  cctx.String("log-level"),
		LogFormat: cctx.String("log-format"),
	})
}

func loadServer(cctx *cli.Context, logger *slog.Logger, write bool) (*Server, error) {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(write); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return NewServer(cfg, ServerOptions{
		Logger:   logger,
		RedisURL: cctx.String("redis-url"),
		Resume:   cctx.Bool("resume"),
	})
}

func runMonitor(cctx *cli.Context) error {
	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := configureLogging(cctx)
	if err != nil {
		return err
	}

	shutdownOTEL, err := configOTEL("sherlock")
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		shutdownOTEL(sctx)
	}()

	srv, err := loadServer(cctx, logger, true)
	if err != nil {
		return err
	}

	if cctx.Bool("flag-report") {
		return srv.RunFlagReport(ctx)
	}

	if listen := cctx.String("metrics-listen"); listen != "" {
		go func() {
			if err := srv.RunMetrics(listen); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()
	}

	logger.Info("starting sherlock", "version", versioninfo.Short())
	if err := srv.Run(ctx, cctx.String("admin-bind")); err != nil {
		return fmt.Errorf("failed to run monitor: %w", err)
	}
	logger.Info("graceful shutdown complete")
	return nil
}

func runInspectBlock(cctx *cli.Context) error {
	ctx := cctx.Context
	if cctx.Args().Len() != 1 {
		return fmt.Errorf("expected a single block height")
	}
	height, err := strconv.ParseInt(cctx.Args().First(), 10, 64)
	if err != nil || height <= 0 {
		return fmt.Errorf("invalid block height: %q", cctx.Args().First())
	}

	logger, err := configureLogging(cctx)
	if err != nil {
		return err
	}
	srv, err := loadServer(cctx, logger, false)
	if err != nil {
		return err
	}
	return srv.InspectBlock(ctx, height, os.Stdout)
}
