package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/leandrotocalini/wabridge/internal/config"
	"github.com/leandrotocalini/wabridge/internal/daemon"
	"github.com/leandrotocalini/wabridge/internal/lifecycle"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type options struct {
	configPath  string
	addr        string
	logLevel    string
	writeConfig string
	showVersion bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("wabridge", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to a JSON or YAML config file")
	flagSet.StringVar(&opts.addr, "addr", "", "HTTP listen address (overrides server.addr)")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (overrides log.level)")
	flagSet.StringVar(&opts.writeConfig, "write-config", "", "write the effective config to this path and exit")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print the version and exit")

	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if flagSet.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", flagSet.Args())
	}
	return opts, nil
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	return cfg, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}

	if opts.showVersion {
		fmt.Fprintf(stdout, "wabridge %s\n", version)
		return 0
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	if opts.writeConfig != "" {
		if err := config.Save(opts.writeConfig, cfg); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "config written to %s\n", opts.writeConfig)
		return 0
	}

	logs := daemon.NewLogger(cfg.Log.BufferSize, cfg.SlogLevel())
	logger := logs.Slog()
	slog.SetDefault(logger)

	d, err := daemon.New(cfg, logs, version)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	lm := lifecycle.NewManager(lifecycle.ShutdownConfig{
		GracePeriod:  cfg.Server.ShutdownTimeout.D(),
		ForceTimeout: lifecycle.DefaultShutdownConfig().ForceTimeout,
	}, logger.With("component", "lifecycle"))
	lm.OnShutdown("close stores", func(ctx context.Context) error {
		return d.Close()
	})
	lm.OnReload("restart connection", d.Restart)

	return lm.Run(d.Run)
}
