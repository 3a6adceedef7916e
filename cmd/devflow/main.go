// Command devflow runs the workflow automation MCP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	devflow "github.com/devflow/devflow"
	"github.com/devflow/devflow/config"
	"github.com/devflow/devflow/errs"
)

const (
	exitOK          = 0
	exitFatal       = 1
	exitConfigError = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to the configuration file (JSON or YAML)")
		logLevel   = flag.String("log-level", "info", "log level: debug, info, warn, error")
		logJSON    = flag.Bool("log-json", false, "emit logs as JSON")
	)
	flag.Parse()

	logger, err := buildLogger(*logLevel, *logJSON)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}
	slog.SetDefault(logger)

	cfg := config.Default()
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Error("configuration rejected", "path", *configPath, "error", err)
			return exitConfigError
		}
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("configuration invalid", "error", err)
		return exitConfigError
	}

	host, err := devflow.NewHost(cfg, logger)
	if err != nil {
		if errs.IsKind(err, errs.KindValidation) {
			logger.Error("configuration invalid", "error", err)
			return exitConfigError
		}
		logger.Error("startup failed", "error", err)
		return exitFatal
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("devflow starting",
		"plugins", cfg.Plugins.PluginDirectories,
		"http", cfg.McpServer.EnableHttp,
		"port", cfg.McpServer.HttpPort)

	if err := host.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		return exitFatal
	}
	return exitOK
}

func buildLogger(level string, asJSON bool) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if asJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}
