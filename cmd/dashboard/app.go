package main

import (
	"context"
	"fmt"
	"io"

	"github.com/bytedance/sonic"
	"github.com/urfave/cli/v3"

	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/config"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/logging"
)

const version = "1.0.0"

func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "dashboard",
		Usage:   "EV charging network realtime sync service",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML or TOML configuration file",
				Sources: cli.EnvVars("DASHBOARD_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "url",
				Usage: "backend WebSocket URL, overrides the environment default",
			},
			&cli.StringFlag{
				Name:  "env",
				Usage: "deployment environment (production selects the secure endpoint)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
			&cli.BoolFlag{
				Name:  "dev",
				Usage: "human-readable debug logging",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			watchCommand(out),
			stationsCommand(out),
			stationCommand(out),
			mockBackendCommand(),
		},
	}
}

// setup loads configuration with flag overrides applied last and builds
// the logger.
func setup(cmd *cli.Command) (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadFile(cmd.String("config"))
	if err != nil {
		return nil, nil, err
	}
	applyFlags(cfg, cmd)

	logger, err := logging.New(logging.FromSettings(cfg.Logging))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}

func applyFlags(cfg *config.Config, cmd *cli.Command) {
	if cmd.IsSet("url") {
		cfg.Realtime.URL = cmd.String("url")
	}
	if cmd.IsSet("env") {
		cfg.Realtime.Env = cmd.String("env")
	}
	if cmd.IsSet("log-level") {
		cfg.Logging.Level = cmd.String("log-level")
	}
	if cmd.Bool("dev") {
		cfg.Logging.Development = true
	}
}

func printJSON(out io.Writer, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

// withTimeout bounds one-shot commands.
func withTimeout(ctx context.Context, cfg *config.Config) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, cfg.Realtime.HandshakeTimeout.Duration+cfg.Realtime.RequestTimeout.Duration)
}
