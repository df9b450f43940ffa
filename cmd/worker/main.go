package main

import (
	"context"
	"log"
	"net/smtp"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/miragespace/parrainage/broker"
	"github.com/miragespace/parrainage/db"
	"github.com/miragespace/parrainage/discount"
	"github.com/miragespace/parrainage/expiration"
	"github.com/miragespace/parrainage/external"
	"github.com/miragespace/parrainage/reactivation"
	"github.com/miragespace/parrainage/referral"
	"github.com/miragespace/parrainage/scheduler"
	"github.com/miragespace/parrainage/store"
	"github.com/miragespace/parrainage/suspension"
	"github.com/miragespace/parrainage/workflow"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v7"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	var logger *zap.Logger
	var dotFile string
	var err error

	// Determine running environment and initialize structural logger
	env := os.Getenv("ENV")
	if "production" == env {
		dotFile = ".env.production"
		logger, err = zap.NewProduction()
	} else {
		dotFile = ".env.development"
		logger, err = zap.NewDevelopment()
	}

	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Environment: env,
		Debug:       "production" != env,
	}); err != nil {
		log.Fatalf("Cannot initialize sentry: %v\n", err)
	}
	defer sentry.Flush(time.Second * 2)

	// Attach sentry to zap so we can do automatic error capturing
	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "worker",
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		logger.Error("Cannot attach sentry to logger",
			zap.Error(err),
		)
	}
	logger = zapsentry.AttachCoreToLogger(core, logger)

	defer logger.Sync()

	// Load configurations from dotFile
	if err := godotenv.Load(dotFile); err != nil {
		logger.Fatal("Cannot load configurations from .env",
			zap.Error(err),
		)
	}

	// Initialize backend connections
	db, err := db.New(db.Options{
		URI:    os.Getenv("POSTGRES_URI"),
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{os.Getenv("REDIS_URI")},
		Password: os.Getenv("REDIS_PW"),
		DB:       0,
	})
	if _, err := rdb.Ping().Result(); err != nil {
		logger.Fatal("Cannot connect to Redis",
			zap.Error(err),
		)
	}
	defer rdb.Close()

	amqpBroker, err := broker.NewAMQPBroker(os.Getenv("AMQP_URI"))
	if err != nil {
		logger.Fatal("Cannot connect to Broker",
			zap.Error(err),
		)
	}
	defer amqpBroker.Close()

	stripeGateway, err := external.NewStripeGateway(external.StripeGatewayOptions{
		StripeClient: external.NewStripeClient(os.Getenv("STRIPE_KEY")),
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Stripe gateway",
			zap.Error(err),
		)
	}

	smtpAuth := smtp.PlainAuth("", os.Getenv("SMTP_USERNAME"), os.Getenv("SMTP_PASSWORD"), os.Getenv("SMTP_HOST"))
	notifier, err := external.NewSMTPNotifier(external.SMTPNotifierOptions{
		Auth:     smtpAuth,
		Hostname: os.Getenv("SMTP_HOST") + ":" + os.Getenv("SMTP_PORT"),
		From:     os.Getenv("SMTP_FROM"),
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize SMTP notifier",
			zap.Error(err),
		)
	}

	storeManager, err := store.NewManager(logger, db)
	if err != nil {
		logger.Fatal("Cannot initialize store.Manager",
			zap.Error(err),
		)
	}

	referralManager, err := referral.NewManager(logger, db)
	if err != nil {
		logger.Fatal("Cannot initialize referral.Manager",
			zap.Error(err),
		)
	}

	configManager, err := discount.NewConfigManager(logger, db)
	if err != nil {
		logger.Fatal("Cannot initialize discount.ConfigManager",
			zap.Error(err),
		)
	}

	cachedConfig, err := discount.NewCachedConfig(discount.CachedConfigOptions{
		Redis:  rdb,
		Source: configManager,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize config cache",
			zap.Error(err),
		)
	}

	calculator, err := discount.NewCalculator(discount.CalculatorOptions{
		Configs: cachedConfig,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize discount.Calculator",
			zap.Error(err),
		)
	}

	eligibility, err := discount.NewValidator(discount.ValidatorOptions{
		Store:   storeManager,
		Configs: cachedConfig,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize discount.Validator",
			zap.Error(err),
		)
	}

	mutator, err := discount.NewMutator(discount.MutatorOptions{
		Store:   storeManager,
		Logger:  logger,
		Gateway: stripeGateway,
	})
	if err != nil {
		logger.Fatal("Cannot initialize discount.Mutator",
			zap.Error(err),
		)
	}

	taskScheduler, err := scheduler.New(scheduler.Options{
		DB:     db,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize task scheduler",
			zap.Error(err),
		)
	}

	orchestrator, err := workflow.NewOrchestrator(workflow.OrchestratorOptions{
		Store:      storeManager,
		Referrals:  referralManager,
		Scheduler:  taskScheduler,
		Producer:   amqpBroker,
		Validator:  eligibility,
		Calculator: calculator,
		Mutator:    mutator,
		Notifier:   notifier,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize workflow.Orchestrator",
			zap.Error(err),
		)
	}
	taskScheduler.Register(workflow.HookComputeApply, orchestrator.HandleComputeApply)

	suspensionValidator, err := suspension.NewValidator(suspension.ValidatorOptions{
		Store:     storeManager,
		Referrals: referralManager,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize suspension.Validator",
			zap.Error(err),
		)
	}
	suspensionHandler, err := suspension.NewHandler(suspension.HandlerOptions{
		Store:   storeManager,
		Logger:  logger,
		Gateway: stripeGateway,
	})
	if err != nil {
		logger.Fatal("Cannot initialize suspension.Handler",
			zap.Error(err),
		)
	}
	suspensionManager, err := suspension.NewManager(suspension.ManagerOptions{
		Validator: suspensionValidator,
		Handler:   suspensionHandler,
		Producer:  amqpBroker,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize suspension.Manager",
			zap.Error(err),
		)
	}

	reactivationValidator, err := reactivation.NewValidator(reactivation.ValidatorOptions{
		Store:     storeManager,
		Referrals: referralManager,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize reactivation.Validator",
			zap.Error(err),
		)
	}
	reactivationHandler, err := reactivation.NewHandler(reactivation.HandlerOptions{
		Store:   storeManager,
		Logger:  logger,
		Gateway: stripeGateway,
	})
	if err != nil {
		logger.Fatal("Cannot initialize reactivation.Handler",
			zap.Error(err),
		)
	}
	reactivationManager, err := reactivation.NewManager(reactivation.ManagerOptions{
		Validator: reactivationValidator,
		Handler:   reactivationHandler,
		Producer:  amqpBroker,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize reactivation.Manager",
			zap.Error(err),
		)
	}

	tracker, err := expiration.NewTracker(expiration.TrackerOptions{
		Store:    storeManager,
		Configs:  cachedConfig,
		Producer: amqpBroker,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize expiration.Tracker",
			zap.Error(err),
		)
	}

	sweep, err := expiration.NewSweep(expiration.SweepOptions{
		Store:    storeManager,
		Tracker:  tracker,
		Mutator:  mutator,
		Producer: amqpBroker,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize expiration.Sweep",
			zap.Error(err),
		)
	}

	eventsTask, err := workflow.NewTask(workflow.TaskOptions{
		Consumer:     amqpBroker,
		Orchestrator: orchestrator,
		Suspension:   suspensionManager,
		Reactivation: reactivationManager,
		Expiration:   tracker,
		Calculator:   calculator,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize workflow.Task",
			zap.Error(err),
		)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())

	if err := taskScheduler.Start(ctx); err != nil {
		logger.Fatal("Cannot start task scheduler",
			zap.Error(err),
		)
	}
	defer taskScheduler.Stop()

	if err := sweep.Start(ctx); err != nil {
		logger.Fatal("Cannot start expiration sweep",
			zap.Error(err),
		)
	}
	defer sweep.Stop()

	if err := eventsTask.HandleEvents(ctx); err != nil {
		logger.Fatal("Cannot handle billing platform events",
			zap.Error(err),
		)
	}

	logger.Info("Worker started")

	<-c
	cancel()

}
