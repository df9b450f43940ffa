package main

import (
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"time"

	"github.com/miragespace/parrainage/broker"
	"github.com/miragespace/parrainage/db"
	"github.com/miragespace/parrainage/discount"
	"github.com/miragespace/parrainage/referral"
	"github.com/miragespace/parrainage/store"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	"github.com/go-chi/cors"
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

	env := os.Getenv("API_ENV")
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
			"component": "api",
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

	referralRouter, err := referral.NewService(referral.ServiceOptions{
		Store:      storeManager,
		Referrals:  referralManager,
		Configs:    configManager,
		Cache:      cachedConfig,
		Calculator: calculator,
		Producer:   amqpBroker,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Referral Service Router",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()

	rootRouter.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{os.Getenv("SITE_URL")},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	rootRouter.Mount("/referrals", referralRouter.Router())

	rootRouter.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rootRouter.HandleFunc("/pprof/*", pprof.Index)
	rootRouter.HandleFunc("/pprof/cmdline", pprof.Cmdline)
	rootRouter.HandleFunc("/pprof/profile", pprof.Profile)
	rootRouter.HandleFunc("/pprof/symbol", pprof.Symbol)
	rootRouter.HandleFunc("/pprof/trace", pprof.Trace)

	srv := &http.Server{
		Handler: rootRouter,
		Addr:    ":42069",
	}

	logger.Info("API started")

	log.Fatalln(srv.ListenAndServe())

}
