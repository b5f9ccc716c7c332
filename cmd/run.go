package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"treasury/application"
	"treasury/bot"
	"treasury/config"
	"treasury/database"
	"treasury/events"
	"treasury/infrastructure"
	"treasury/metrics"
	"treasury/repository"
	"treasury/service"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Services bundles the domain services built over one database pool
type Services struct {
	Ledger    *service.BalanceLedger
	Transfers *service.TransferExecutor
	Pending   *service.PendingTransferCoordinator
	Proposals *service.ProposalEngine
	Council   *service.CouncilService
	Settings  *service.GuildSettingsService
	Checks    *service.CheckRegistry
}

// NewServices builds the domain services over a unit of work factory
func NewServices(cfg *config.Config, uowFactory service.UnitOfWorkFactory) *Services {
	defaults := cfg.DefaultPolicy()
	checks := service.DefaultCheckRegistry()
	executor := service.NewTransferExecutor(uowFactory, checks, defaults)

	return &Services{
		Ledger:    service.NewBalanceLedger(uowFactory),
		Transfers: executor,
		Pending: service.NewPendingTransferCoordinator(uowFactory, checks, executor, defaults, service.RetryPolicy{
			MaxRetries:     cfg.CheckMaxRetries,
			BaseDelay:      cfg.CheckRetryBaseDelay,
			MaxDelay:       cfg.CheckRetryMaxDelay,
			ExecutionLease: time.Minute,
			StallAfter:     5 * time.Minute,
			SweepBatchSize: 200,
		}),
		Proposals: service.NewProposalEngine(uowFactory, executor, defaults),
		Council:   service.NewCouncilService(uowFactory),
		Settings:  service.NewGuildSettingsService(uowFactory, defaults),
		Checks:    checks,
	}
}

// Run initializes and starts the background workers
func Run(ctx context.Context) error {
	log.Info("Starting treasury workers...")

	// Load configuration
	cfg := config.Get()

	// Initialize database connection
	log.Info("Connecting to database...")
	db, err := database.NewConnection(ctx, cfg.GetDatabaseURL())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	log.Info("Database connection established successfully")

	// Pick the event transport
	var (
		sink       infrastructure.EventSink
		subscriber events.Subscriber
		bus        *events.Bus
	)
	if cfg.UsesNATS() {
		log.WithField("servers", cfg.NATSServers).Info("Connecting to NATS...")
		natsClient := infrastructure.NewNATSClient(cfg.NATSServers)
		if err := natsClient.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer func() {
			if err := natsClient.Close(); err != nil {
				log.WithError(err).Error("Error closing NATS client")
			}
		}()

		mapper := infrastructure.NewEventSubjectMapper()
		if err := natsClient.EnsureEventStream(mapper.GetAllSubjects()); err != nil {
			return fmt.Errorf("failed to ensure event stream: %w", err)
		}
		sink = infrastructure.NewNATSEventPublisher(natsClient, mapper)
		subscriber = infrastructure.NewNATSEventSubscriber(natsClient, mapper)
		log.Info("NATS event transport initialized successfully")
	} else {
		bus = events.NewBus()
		sink = bus
		subscriber = bus
		log.Info("Using in-process event bus")
	}

	// The dispatcher drains the outbox; commits that enqueue events wake it
	outboxRepo := repository.NewOutboxRepository(db)
	dispatcher := infrastructure.NewOutboxDispatcher(outboxRepo, sink, infrastructure.OutboxDispatcherConfig{
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
		MaxAttempts:  cfg.OutboxMaxAttempts,
	})
	uowFactory := repository.NewUnitOfWorkFactory(db, dispatcher.Notify)

	services := NewServices(cfg, uowFactory)
	log.WithField("checks", services.Checks.Names()).Info("Services initialized successfully")

	// Optional Discord notifications
	var notifier application.EventNotifier
	if cfg.DiscordToken != "" {
		session, err := bot.NewDiscordSession(cfg.DiscordToken)
		if err != nil {
			return fmt.Errorf("failed to initialize Discord session: %w", err)
		}
		defer func() {
			if err := session.Close(); err != nil {
				log.WithError(err).Error("Error closing Discord session")
			}
		}()
		notifier = bot.NewNotifier(session, services.Settings, bot.NotifierConfig{
			FallbackChannelID: cfg.NotifyChannelID,
		})
		log.Info("Discord notifier initialized successfully")
	}

	if err := application.RegisterSubscriptions(subscriber, services.Pending, notifier); err != nil {
		return fmt.Errorf("failed to register event subscriptions: %w", err)
	}

	sweeper := application.NewSweepWorker(services.Pending, services.Proposals, outboxRepo, cfg.SweepSchedule)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		log.WithField("addr", cfg.MetricsAddr).Info("Serving metrics")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	log.WithField("environment", cfg.Environment).Info("Treasury workers running")
	err = g.Wait()

	log.Info("Shutting down treasury workers...")
	if bus != nil {
		bus.Wait()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Shutdown completed")
	return nil
}
