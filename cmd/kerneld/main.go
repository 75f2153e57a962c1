// Command kerneld runs the command kernel as a standalone daemon: it
// drains deferred conflict retries from the durable task queue, expires
// reservations and purges aged command records, and serves operational
// health endpoints. Applications embedding the kernel as a library run
// the same wiring in-process.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"gocloud.dev/blob/fileblob"

	"github.com/plaenen/commandkernel/examples/inventory"
	"github.com/plaenen/commandkernel/pkg/deadletter"
	"github.com/plaenen/commandkernel/pkg/decider"
	"github.com/plaenen/commandkernel/pkg/domain"
	"github.com/plaenen/commandkernel/pkg/eventbus"
	"github.com/plaenen/commandkernel/pkg/eventsourcing"
	"github.com/plaenen/commandkernel/pkg/middleware"
	"github.com/plaenen/commandkernel/pkg/observability"
	"github.com/plaenen/commandkernel/pkg/queue"
	"github.com/plaenen/commandkernel/pkg/queue/sqlitequeue"
	"github.com/plaenen/commandkernel/pkg/reservation"
	"github.com/plaenen/commandkernel/pkg/retry"
	"github.com/plaenen/commandkernel/pkg/runner"
	eventbussvc "github.com/plaenen/commandkernel/pkg/runtime/eventbus"
	"github.com/plaenen/commandkernel/pkg/runtime/sweeper"
	"github.com/plaenen/commandkernel/pkg/store/sqlite"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("kerneld: %v", err)
	}

	logger := cfg.Logger()
	if err := run(context.Background(), cfg, logger); err != nil {
		logger.Error("kerneld exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	logger.Info("starting kerneld", "version", version, "db", cfg.DSN)

	tel, err := observability.Init(ctx, observability.Config{
		ServiceName:    "kerneld",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	st, err := sqlite.New(
		sqlite.WithDSN(cfg.DSN),
		sqlite.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// The daemon ships the inventory example domain. Embedders register
	// their own deciders and reuse the wiring below unchanged.
	reg := decider.NewRegistry()
	inventory.Register(reg)

	taskQueue, err := sqlitequeue.NewQueue(st,
		sqlitequeue.WithQueueLogger(logger),
		sqlitequeue.WithQueueMetrics(tel.Metrics),
	)
	if err != nil {
		return fmt.Errorf("build task queue: %w", err)
	}

	policy, err := retry.NewPolicy(
		retry.WithInitialDelay(cfg.RetryInitialDelay),
		retry.WithMaxDelay(cfg.RetryMaxDelay),
		retry.WithMaxAttempts(cfg.RetryMaxAttempts),
	)
	if err != nil {
		return fmt.Errorf("build retry policy: %w", err)
	}
	scheduler, err := retry.NewScheduler(taskQueue, policy,
		retry.WithLogger(logger),
		retry.WithMetrics(tel.Metrics),
	)
	if err != nil {
		return fmt.Errorf("build retry scheduler: %w", err)
	}

	procOpts := []eventsourcing.ProcessorOption{
		eventsourcing.WithLogger(logger),
		eventsourcing.WithMetrics(tel.Metrics),
		eventsourcing.WithScheduler(scheduler),
		eventsourcing.WithCommandTTL(cfg.CommandTTL),
		eventsourcing.Use(
			middleware.Logging(logger),
			middleware.Metrics(tel.Metrics),
			middleware.Tracing(""),
			middleware.Recovery(logger),
		),
	}

	var busSvc *eventbussvc.Service
	if cfg.EventBusEnabled {
		busCfg := eventbus.DefaultConfig()
		busCfg.URL = cfg.NATSURL
		busSvc = eventbussvc.New(
			eventbussvc.WithConfig(busCfg),
			eventbussvc.WithLogger(logger),
		)
		procOpts = append(procOpts, eventsourcing.WithEventHook(
			func(ctx context.Context, event *domain.Event) error {
				bus := busSvc.Bus()
				if bus == nil {
					return nil
				}
				return bus.Publish(ctx, event)
			},
		))
	}

	processor, err := eventsourcing.NewProcessor(reg,
		eventsourcing.Stores{Events: st, Commands: st, State: st},
		procOpts...,
	)
	if err != nil {
		return fmt.Errorf("build processor: %w", err)
	}

	mux := queue.NewMux()
	mux.Handle(eventsourcing.DefaultRetryOperation, processor.RetryHandler())

	dispatchOpts := []sqlitequeue.DispatcherOption{
		sqlitequeue.WithLogger(logger),
		sqlitequeue.WithMetrics(tel.Metrics),
		sqlitequeue.WithPollInterval(cfg.DispatchPollInterval),
		sqlitequeue.WithConcurrency(cfg.DispatchConcurrency),
	}
	if cfg.DeadLetterDir != "" {
		if err := os.MkdirAll(cfg.DeadLetterDir, 0o755); err != nil {
			return fmt.Errorf("create dead letter dir: %w", err)
		}
		bucket, err := fileblob.OpenBucket(cfg.DeadLetterDir, nil)
		if err != nil {
			return fmt.Errorf("open dead letter bucket: %w", err)
		}
		defer bucket.Close()

		archive, err := deadletter.NewArchive(bucket, deadletter.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("build dead letter archive: %w", err)
		}
		dispatchOpts = append(dispatchOpts,
			sqlitequeue.WithDeadLetter(archive.Hook("command-retries")))
	}

	dispatcher, err := sqlitequeue.NewDispatcher(st, mux.Dispatch, dispatchOpts...)
	if err != nil {
		return fmt.Errorf("build dispatcher: %w", err)
	}

	reservations, err := reservation.NewService(st, reservation.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build reservation service: %w", err)
	}
	sweep, err := sweeper.New(reservations, st,
		sweeper.WithInterval(cfg.SweepInterval),
		sweeper.WithBatchSize(cfg.SweepBatchSize),
		sweeper.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("build sweeper: %w", err)
	}

	checks := []healthCheck{
		{name: "sqlite", check: func(ctx context.Context) error {
			return st.DB().PingContext(ctx)
		}},
	}
	if busSvc != nil {
		checks = append(checks, healthCheck{name: "eventbus", check: busSvc.HealthCheck})
	}
	ops := newOpsServer(cfg.HTTPAddr, logger, checks...)

	services := make([]runner.Service, 0, 4)
	if busSvc != nil {
		services = append(services, busSvc)
	}
	services = append(services, dispatcher, sweep, ops)

	return runner.New(services, runner.WithLogger(logger)).Run(ctx)
}
