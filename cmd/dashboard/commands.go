package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/pr-poehali-dev/network-monitoring-ui/internal/guard"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/config"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/logging"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/monitoring"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/server"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/mockbackend"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/protocol"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/realtime"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/stations"
)

var errReload = errors.New("reload requested")

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "keep a live station cache and serve the status API",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			// Collectors register once per process; every reload shares them.
			metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)
			deps := server.Deps{Logger: logger, Metrics: metrics, Gatherer: prometheus.DefaultGatherer}

			for {
				srv, err := server.New(cfg, deps)
				if err != nil {
					return err
				}
				err = srv.Run(ctx)
				if cerr := srv.Close(); cerr != nil {
					logger.Warn("Close failed", zap.Error(cerr))
				}
				if !errors.Is(err, server.ErrReload) {
					return err
				}
				logger.Info("Rebuilding client")
			}
		},
	}
}

func watchCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "print live station updates as JSON lines",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "station", Usage: "only updates for this station id"},
			&cli.DurationFlag{Name: "stats", Usage: "also stream system stats at this interval"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			w := watcher{
				cfg:     cfg,
				logger:  logger,
				out:     out,
				station: protocol.EntityID(cmd.String("station")),
				stats:   cmd.Duration("stats"),
			}
			for {
				err := w.run(ctx)
				if !errors.Is(err, errReload) {
					return err
				}
				logger.Info("Rebuilding client")
			}
		},
	}
}

type watcher struct {
	cfg     *config.Config
	logger  *logging.Logger
	out     io.Writer
	station protocol.EntityID
	stats   time.Duration
}

// run drives one client until ctx ends (nil) or the guard reloads
// (errReload).
func (w watcher) run(ctx context.Context) error {
	// The guard is joined after cancel, so it never outlives its client.
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := realtime.New(realtime.OptionsFromConfig(w.cfg.Realtime), w.logger, nil)
	defer func() { _ = client.Close() }()
	service := stations.NewService(client, w.logger)

	reload := make(chan struct{}, 1)
	g := guard.New(guard.Options{
		Countdown: w.cfg.Guard.ReloadCountdown.Duration,
		Reload: func() {
			select {
			case reload <- struct{}{}:
			default:
			}
		},
	}, w.logger)
	guardCh, stopGuard := client.WatchStatus()
	defer stopGuard()
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.Run(ctx, guardCh)
	}()

	var updates *realtime.Observer
	if w.station != "" {
		updates = stations.WatchStation(client, w.station, 0)
	} else {
		updates = client.Updates(0)
	}
	defer updates.Close()

	statuses, stopStatuses := client.WatchStatus()
	defer stopStatuses()

	if err := client.Connect(ctx); err != nil {
		w.logger.Warn("Initial connection failed", zap.Error(err))
	}

	subscribed := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reload:
			return errReload
		case st, ok := <-statuses:
			if !ok {
				return nil
			}
			if st.IsConnected() && !subscribed {
				subscribed = w.subscribe(ctx, service)
			}
		case ev, ok := <-updates.C():
			if !ok {
				return nil
			}
			if err := printJSON(w.out, ev); err != nil {
				return err
			}
		}
	}
}

func (w watcher) subscribe(ctx context.Context, service *stations.Service) bool {
	if err := service.SubscribeUpdates(ctx); err != nil {
		w.logger.Warn("Station updates not subscribed", zap.Error(err))
		return false
	}
	if w.stats > 0 {
		if err := service.SubscribeSystemStats(ctx, w.stats, nil); err != nil {
			w.logger.Warn("System stats not subscribed", zap.Error(err))
		}
	}
	return true
}

// oneShot connects, runs fn and closes the client.
func oneShot(ctx context.Context, cmd *cli.Command, fn func(context.Context, *stations.Service) error) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// One-shot commands fail fast instead of retrying.
	cfg.Realtime.MaxReconnectAttempts = 0

	ctx, cancel := withTimeout(ctx, cfg)
	defer cancel()

	client := realtime.New(realtime.OptionsFromConfig(cfg.Realtime), logger, nil)
	defer func() { _ = client.Close() }()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Realtime.Endpoint(), err)
	}
	return fn(ctx, stations.NewService(client, logger))
}

func stationsCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "stations",
		Usage: "list stations",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "region", Usage: "filter by region"},
			&cli.StringFlag{Name: "status", Usage: "filter by station status"},
			&cli.BoolFlag{Name: "summary", Usage: "print aggregates instead of the list"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			filters := stations.Filters{
				Region: cmd.String("region"),
				Status: stations.Status(cmd.String("status")),
			}
			return oneShot(ctx, cmd, func(ctx context.Context, svc *stations.Service) error {
				list, err := svc.GetAllStations(ctx, filters)
				if err != nil {
					return err
				}
				if cmd.Bool("summary") {
					return printJSON(out, stations.Summarize(list))
				}
				return printJSON(out, list)
			})
		},
	}
}

func stationCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "station",
		Usage:     "show one station and its statistics",
		ArgsUsage: "<id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return errors.New("station id is required")
			}
			return oneShot(ctx, cmd, func(ctx context.Context, svc *stations.Service) error {
				st, err := svc.GetStationByID(ctx, protocol.EntityID(id))
				if err != nil {
					return err
				}
				stats, err := svc.GetStationStats(ctx, st.ID)
				if err != nil {
					return err
				}
				return printJSON(out, map[string]any{"station": st, "stats": stats})
			})
		},
	}
}

func mockBackendCommand() *cli.Command {
	return &cli.Command{
		Name:  "mock-backend",
		Usage: "run a development backend with a generated fleet",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "listen address, overrides MOCK_HOST and MOCK_PORT"},
			&cli.DurationFlag{Name: "push-interval", Usage: "period of random station updates, 0 disables"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			opts := mockbackend.OptionsFromConfig(cfg.Mock)
			if cmd.IsSet("push-interval") {
				opts.PushInterval = cmd.Duration("push-interval")
			}
			addr := cfg.Mock.Addr()
			if cmd.IsSet("addr") {
				addr = cmd.String("addr")
			}
			return mockbackend.New(opts, logger).Run(ctx, addr)
		},
	}
}
