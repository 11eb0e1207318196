package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/outflowhq/outflow/pkg/admission"
	"github.com/outflowhq/outflow/pkg/clients/brands"
	"github.com/outflowhq/outflow/pkg/clients/campaigns"
	"github.com/outflowhq/outflow/pkg/clients/contentgen"
	"github.com/outflowhq/outflow/pkg/clients/delivery"
	"github.com/outflowhq/outflow/pkg/clients/leads"
	"github.com/outflowhq/outflow/pkg/clients/runledger"
	"github.com/outflowhq/outflow/pkg/cmd"
	"github.com/outflowhq/outflow/pkg/log"
	"github.com/outflowhq/outflow/pkg/otelhelper"
	"github.com/outflowhq/outflow/pkg/pipeline"
	"github.com/outflowhq/outflow/pkg/poller"
	"github.com/outflowhq/outflow/pkg/resilient"
	"github.com/outflowhq/outflow/pkg/tracker"
)

func serviceFlags(service, envPrefix string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     service + "-url",
			Usage:    "Base URL of the " + service + " service",
			Required: true,
			Sources:  cli.EnvVars(envPrefix + "_URL"),
		},
		&cli.StringFlag{
			Name:    service + "-api-key",
			Usage:   "API key for the " + service + " service",
			Sources: cli.EnvVars(envPrefix + "_API_KEY"),
		},
	}
}

func main() {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "engine-id",
			Aliases: []string{"id"},
			Usage:   "Custom engine ID (auto-generated if not provided)",
			Value:   "",
			Sources: cli.EnvVars("ENGINE_ID"),
		},
		&cli.StringFlag{
			Name:    "queue-provider",
			Usage:   "Job queue provider (kafka, gochannel)",
			Value:   "kafka",
			Sources: cli.EnvVars("QUEUE_PROVIDER"),
		},
		&cli.StringFlag{
			Name:     "kafka-brokers",
			Usage:    "Comma-separated Kafka broker list",
			Required: true,
			Sources:  cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:     "redis-url",
			Usage:    "Redis connection URL for the run tracking store",
			Required: true,
			Sources:  cli.EnvVars("REDIS_URL"),
		},
		&cli.DurationFlag{
			Name:    "poll-interval",
			Usage:   "Campaign poll interval",
			Value:   poller.DefaultInterval,
			Sources: cli.EnvVars("POLL_INTERVAL"),
		},
		&cli.IntFlag{
			Name:    "generate-rate",
			Usage:   "Content generation jobs per minute",
			Value:   pipeline.DefaultGenerateRatePerMinute,
			Sources: cli.EnvVars("GENERATE_RATE_PER_MINUTE"),
		},
		&cli.IntFlag{
			Name:    "deliver-rate",
			Usage:   "Delivery jobs per minute",
			Value:   pipeline.DefaultDeliverRatePerMinute,
			Sources: cli.EnvVars("DELIVER_RATE_PER_MINUTE"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
	}

	flags = append(flags, serviceFlags("runledger", "RUNLEDGER")...)
	flags = append(flags, serviceFlags("campaigns", "CAMPAIGNS")...)
	flags = append(flags, serviceFlags("brands", "BRANDS")...)
	flags = append(flags, serviceFlags("leads", "LEADS")...)
	flags = append(flags, serviceFlags("contentgen", "CONTENTGEN")...)
	flags = append(flags,
		&cli.StringFlag{
			Name:     "delivery-url",
			Usage:    "Base URL of the delivery gateway",
			Required: true,
			Sources:  cli.EnvVars("DELIVERY_URL"),
		},
		&cli.StringFlag{
			Name:     "delivery-api-key",
			Usage:    "API key for the delivery gateway",
			Required: true,
			Sources:  cli.EnvVars("DELIVERY_API_KEY"),
		},
	)

	app := &cli.Command{
		Name:                  "outflow-engine",
		Usage:                 "Start the Outflow campaign pipeline engine",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			NewValidateCommand(),
		},
		Flags: flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			tracerProvider, err := otelhelper.NewTracerProvider(ctx, "outflow-engine")
			if err != nil {
				return fmt.Errorf("failed to initialize tracer: %w", err)
			}
			defer func() {
				if err := tracerProvider.Shutdown(ctx); err != nil {
					slog.Error("Failed to shutdown tracer provider", "error", err)
				}
			}()

			engineID := command.String("engine-id")
			if engineID == "" {
				engineID = fmt.Sprintf("engine-%s", uuid.New().String()[:8])
			}

			logger := log.WithModule("outflow-engine").With("engine_id", engineID)

			logger.Info("Initializing Outflow engine", "engine_id", engineID)

			return runEngine(ctx, command, engineID, logger)
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}

func runEngine(ctx context.Context, command *cli.Command, engineID string, logger *slog.Logger) error {
	store := cmd.NewCounterStore(ctx, command.String("redis-url"))
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close counter store", "error", err)
		}
	}()

	jobQueue := cmd.NewJobQueue(
		command.String("queue-provider"),
		command.String("kafka-brokers"),
		"outflow-engine",
		logger,
	)
	defer func() {
		if err := jobQueue.Close(); err != nil {
			logger.Error("Failed to close job queue", "error", err)
		}
	}()

	rc := resilient.NewClient(logger)

	runLedger := runledger.NewClient(command.String("runledger-url"), command.String("runledger-api-key"), rc)
	campaignSvc := campaigns.NewClient(command.String("campaigns-url"), command.String("campaigns-api-key"), rc)
	brandSvc := brands.NewClient(command.String("brands-url"), command.String("brands-api-key"), rc)
	leadSvc := leads.NewClient(command.String("leads-url"), command.String("leads-api-key"), rc)
	generator := contentgen.NewClient(command.String("contentgen-url"), command.String("contentgen-api-key"), rc)
	deliverer := delivery.NewClient(command.String("delivery-url"), command.String("delivery-api-key"), rc)

	gate := admission.NewGate(runLedger, campaignSvc, leadSvc, logger)

	processor := pipeline.NewProcessor(
		engineID,
		jobQueue,
		tracker.New(store, logger),
		runLedger,
		campaignSvc,
		brandSvc,
		leadSvc,
		generator,
		deliverer,
		pipeline.Config{
			GenerateRatePerMinute: command.Int("generate-rate"),
			DeliverRatePerMinute:  command.Int("deliver-rate"),
		},
		logger,
	)

	campaignPoller := poller.New(
		engineID,
		command.Duration("poll-interval"),
		campaignSvc,
		gate,
		jobQueue,
		logger,
	)
	processor.SetRetriggerer(campaignPoller)

	if err := processor.Register(); err != nil {
		return fmt.Errorf("failed to register pipeline stages: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := jobQueue.Subscribe(runCtx); err != nil {
		return fmt.Errorf("failed to subscribe pipeline queues: %w", err)
	}

	campaignPoller.Start(runCtx)

	logger.Info("Outflow engine started",
		"poll_interval", command.Duration("poll-interval"),
		"queue_provider", command.String("queue-provider"))

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signals:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}

	// Poller first so no new runs get admitted, then drain the stage pools.
	// The deferred closes release the queue and the counter store.
	campaignPoller.Stop()
	cancel()

	// Give in-flight stage handlers a moment before the broker connection
	// drops out from under them.
	time.Sleep(100 * time.Millisecond)

	logger.Info("Outflow engine stopped")

	return nil
}
