package main

import (
	"context"
	"flag"
	"os"

	"github.com/ipsix/tailwatch/internal/cli"
	"github.com/ipsix/tailwatch/internal/config"
	"github.com/ipsix/tailwatch/internal/daemon"
	"github.com/ipsix/tailwatch/internal/logging"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "ctl" {
		os.Exit(cli.Run(context.Background(), os.Args[2:], os.Stdout, os.Stderr))
	}

	configPath := flag.String("config", "", "Path to config file (searches default locations when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.NewWithOptions(logging.Options{
		Level:  cfg.Daemon.LogLevel,
		Format: cfg.Daemon.LogFormat,
		Dir:    cfg.Daemon.LogDir,
	})
	if err != nil {
		_, _ = os.Stderr.WriteString("logging error: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger.Info("tailwatch starting", logging.F("log_file", logger.FilePath()))

	runner := daemon.New(cfg, logger)
	if err := runner.Run(context.Background()); err != nil {
		logger.Error("daemon exited with error", logging.F("error", err))
		_ = logger.Close()
		os.Exit(1)
	}
	_ = logger.Close()
}
