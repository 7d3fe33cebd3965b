package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trogers1052/venom-governor/internal/api"
	"github.com/trogers1052/venom-governor/internal/config"
	"github.com/trogers1052/venom-governor/internal/decay"
	"github.com/trogers1052/venom-governor/internal/gate"
	"github.com/trogers1052/venom-governor/internal/kafka"
	"github.com/trogers1052/venom-governor/internal/ledger"
	"github.com/trogers1052/venom-governor/internal/logging"
	"github.com/trogers1052/venom-governor/internal/metrics"
	"github.com/trogers1052/venom-governor/internal/models"
	"github.com/trogers1052/venom-governor/internal/prices"
	"github.com/trogers1052/venom-governor/internal/service"
	"github.com/trogers1052/venom-governor/internal/statestore"
	"github.com/trogers1052/venom-governor/internal/telegram"
	"github.com/trogers1052/venom-governor/internal/throttle"
	"github.com/trogers1052/venom-governor/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", "json")
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().
		Str("ledger", cfg.LedgerPath).
		Str("state_backend", cfg.StateBackend).
		Bool("decay_enabled", cfg.DecayEnabled).
		Float64("decay_baseline", cfg.Decay.Baseline).
		Bool("throttle_enabled", cfg.ThrottleEnabled).
		Float64("throttle_base_tcs", cfg.Throttle.BaseTCS).
		Float64("throttle_base_ml", cfg.Throttle.BaseML).
		Bool("kafka_enabled", cfg.KafkaEnabled).
		Strs("kafka_brokers", cfg.KafkaBrokers).
		Str("http_addr", cfg.HTTPAddr).
		Msg("starting venom-governor")

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := openStateStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open state store")
	}
	defer closeStore()

	truth, err := ledger.Open(cfg.LedgerPath, ledger.WithLogger(logger))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open truth ledger")
	}

	// Operator alerts go to Telegram when configured, otherwise to the log
	var sender service.Sender
	if cfg.TelegramBotToken != "" {
		sender = telegram.NewClient(cfg.TelegramBotToken, cfg.TelegramChatID)
	}
	alerts := service.NewAlertService(cfg, sender, logger)

	var governor *decay.Governor
	if cfg.DecayEnabled {
		governor = decay.New(cfg.Decay, truth, store, alerts, logger)
	}
	var controller *throttle.Controller
	if cfg.ThrottleEnabled {
		controller = throttle.New(cfg.Throttle, truth, store, alerts, logger)
	}

	truth.Subscribe(func(entry models.SignalTruthEntry) {
		metrics.ObserveLedgerEntry(string(entry.Status), entry.Result)
	})
	if governor != nil {
		truth.Subscribe(governor.HandleLedgerEntry)
	}
	if controller != nil {
		truth.Subscribe(controller.HandleLedgerEntry)
	}
	truth.Subscribe(alerts.HandleLedgerEntry)

	cache := prices.NewCache(cfg.PriceMaxAge)
	monitor := ledger.NewMonitor(truth, cache, ledger.MonitorConfig{
		CompletionInterval: cfg.CompletionInterval,
		ExpireInterval:     cfg.ExpireInterval,
		MaxAge:             cfg.SignalMaxAge,
	}, logger)

	var consumer *kafka.Consumer
	var producer *kafka.Producer
	if cfg.KafkaEnabled {
		producer, err = kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaLifecycleTopic, cfg.SignalSource, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create Kafka producer")
		}
		defer producer.Close()
		truth.Subscribe(producer.HandleLedgerEntry)

		consumer, err = kafka.NewConsumer(
			cfg.KafkaBrokers,
			cfg.KafkaConsumerGroup,
			cfg.KafkaTickTopic,
			cfg.KafkaOutcomeTopic,
			logger,
		)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create Kafka consumer")
		}
		defer consumer.Close()

		// Set up handlers
		consumer.SetTickHandler(func(_ context.Context, tick models.TickEvent) error {
			return cache.Update(tick)
		})
		consumer.SetOutcomeHandler(func(_ context.Context, outcome models.OutcomeEvent) error {
			return truth.MarkCompleted(outcome.SignalID, outcome.Result, outcome.Pips, outcome.RuntimeSeconds)
		})

		if err := consumer.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to start Kafka consumer")
		}
	}

	handler := api.NewHandler(truth, governor, controller, gate.New(governor, controller, cfg.Decay.Baseline), logger)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	if governor != nil {
		governor.Start()
	}
	if controller != nil {
		controller.Start()
	}
	monitor.Start()

	logger.Info().Str("addr", cfg.HTTPAddr).Msg("governor running")

	// Send startup notification
	if err := alerts.Notify(ctx, service.FormatStartup(cfg), false); err != nil {
		logger.Warn().Err(err).Msg("failed to send startup notification")
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down venom-governor")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown")
	}

	monitor.Stop(worker.DefaultStopTimeout)
	if controller != nil {
		controller.Stop(worker.DefaultStopTimeout)
	}
	if governor != nil {
		governor.Stop(worker.DefaultStopTimeout)
	}

	// Send shutdown notification
	if err := alerts.Notify(shutdownCtx, "🛑 <b>VENOM Governor Stopped</b>", false); err != nil {
		logger.Warn().Err(err).Msg("failed to send shutdown notification")
	}

	logger.Info().Msg("venom-governor stopped")
}

// openStateStore returns the configured shared state backend and its cleanup
func openStateStore(ctx context.Context, cfg *config.Config) (statestore.Store, func(), error) {
	if cfg.StateBackend == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		store := statestore.NewRedisStore(client, cfg.RedisKey)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			client.Close()
			return nil, nil, err
		}
		return store, func() { client.Close() }, nil
	}

	store, err := statestore.NewFileStore(cfg.StatePath)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}
