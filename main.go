package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"copytrade-engine/config"
	"copytrade-engine/internal/api"
	"copytrade-engine/internal/coordinator"
	"copytrade-engine/internal/creds"
	"copytrade-engine/internal/events"
	"copytrade-engine/internal/exchange"
	"copytrade-engine/internal/feed"
	"copytrade-engine/internal/logging"
	"copytrade-engine/internal/monitor"
	"copytrade-engine/internal/notification"
	"copytrade-engine/internal/parser"
	"copytrade-engine/internal/ratelimit"
	"copytrade-engine/internal/risk"
	"copytrade-engine/internal/store"
	"copytrade-engine/internal/tick"

	"github.com/rs/zerolog"
)

func main() {
	generateConfig := flag.String("generate-config", "", "write a sample config file to the given path and exit")
	flag.Parse()

	if *generateConfig != "" {
		if err := config.GenerateSampleConfig(*generateConfig); err != nil {
			log.Fatalf("Failed to generate sample config: %v", err)
		}
		fmt.Printf("Sample config written to %s\n", *generateConfig)
		return
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.Logging.Level,
		Output:      cfg.Logging.Output,
		JSONFormat:  cfg.Logging.JSONFormat,
		IncludeFile: cfg.Logging.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized")

	// Initialize event bus
	eventBus := events.NewEventBus()
	eventBus.Subscribe(events.EventExecutionFailed, func(e events.Event) {
		logger.Warn("Execution failed", "data", e.Data)
	})
	eventBus.Subscribe(events.EventCredentialRotated, func(e events.Event) {
		logger.Warn("Credentials rotated", "data", e.Data)
	})
	logger.Info("Event bus initialized")

	ctx := context.Background()

	// Signal persistence
	var db *store.DB
	var signalRepo *store.SignalRepository
	var tickCache tick.CacheStore
	if cfg.Postgres.Enabled {
		db, err = store.NewDB(store.PostgresConfig{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
			SSLMode:  cfg.Postgres.SSLMode,
		}, logger)
		if err != nil {
			log.Fatalf("Failed to connect to PostgreSQL: %v", err)
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		signalRepo = store.NewSignalRepository(db)
		tickCache = store.NewTickRepository(db)
		logger.Info("PostgreSQL persistence enabled")
	}

	// Notification dedup store, falls back to in-memory without Redis
	dedup := store.NewDedupStore(nil, store.DefaultDedupTTL, logger)
	if cfg.Redis.Enabled {
		redisClient, err := store.NewRedisClient(store.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		dedup = store.NewDedupStore(redisClient, store.DefaultDedupTTL, logger)
		logger.Info("Redis dedup store enabled")
	}

	// Notification manager
	notifyManager := notification.NewManager(logger)
	if cfg.Notification.Enabled {
		if cfg.Notification.Telegram.Enabled {
			notifyManager.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
				BotToken: cfg.Notification.Telegram.BotToken,
				ChatID:   cfg.Notification.Telegram.ChatID,
				Enabled:  true,
			}))
			logger.Info("Telegram notifications enabled")
		}
		if cfg.Notification.Discord.Enabled {
			notifyManager.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
				WebhookURL: cfg.Notification.Discord.WebhookURL,
				Enabled:    true,
			}))
			logger.Info("Discord notifications enabled")
		}
	}
	gate := notification.NewGate(notifyManager, dedup, eventBus, logger)

	// Credential resolution, Vault when enabled, config file otherwise
	resolver := buildResolver(cfg, logger)

	// Risk engine
	riskEngine := risk.NewEngine(risk.Settings{
		Mode:                 cfg.Risk.Mode,
		FixedAmount:          cfg.Risk.FixedAmount,
		PercentAmount:        cfg.Risk.PercentAmount,
		MaxRiskPercent:       cfg.Risk.MaxRiskPercent,
		DefaultLeverage:      cfg.Risk.DefaultLeverage,
		MinBalance:           cfg.Risk.MinBalance,
		MaxBalanceUsePercent: cfg.Risk.MaxBalanceUsePercent,
	}, logger)
	logger.Info("Risk engine initialized", "mode", cfg.Risk.Mode)

	// Tick size resolver, seeded from PostgreSQL when available
	ticks := tick.NewResolver(tickCache)
	if err := ticks.Load(ctx); err != nil {
		logger.WithError(err).Warn("Failed to preload tick sizes")
	}

	// Build one connector per subscriber account, grouped into a fan-out
	// executor per exchange. The first account's connector doubles as the
	// exchange's monitoring connector.
	connectors := map[exchange.Kind]exchange.Connector{}
	rotations := map[exchange.Kind]*creds.RotationSet{}
	executors := map[exchange.Kind]api.Executor{}
	retryPolicy := exchange.RetryPolicyFor(ratelimit.DefaultRetryPolicy())

	for _, kind := range enabledKinds(cfg) {
		accounts, err := resolver.Resolve(ctx, kind)
		if err != nil || len(accounts) == 0 {
			logger.WithError(err).Error("No credentials for %s, skipping", kind)
			continue
		}
		group := coordinator.NewGroup(kind, logger)
		for _, account := range accounts {
			connector, err := exchange.New(kind, account, exchange.Options{
				Testnet:     exchangeTestnet(cfg, kind),
				Logger:      logger,
				MockBalance: cfg.Trading.MockBalance,
			})
			if err != nil {
				logger.WithError(err).Error("Failed to build %s connector for %s", kind, account.Label)
				continue
			}
			if _, ok := connectors[kind]; !ok {
				connectors[kind] = connector
			}
			group.Add(account.Label, coordinator.New(connector, riskEngine, ticks, retryPolicy, eventBus, logger))
		}
		if group.Size() == 0 {
			continue
		}
		rotations[kind] = creds.NewRotationSet(accounts, cfg.Monitor.MaxCredFailures)
		executors[kind] = group
		logger.Info("Exchange connectors ready", "exchange", string(kind), "subscribers", group.Size())
	}

	if cfg.Trading.DryRun {
		mock, err := exchange.New(exchange.KindMock, exchange.Credentials{Label: "dry-run"}, exchange.Options{
			Logger:      logger,
			MockBalance: cfg.Trading.MockBalance,
		})
		if err == nil {
			connectors[exchange.KindMock] = mock
			group := coordinator.NewGroup(exchange.KindMock, logger)
			group.Add("dry-run", coordinator.New(mock, riskEngine, ticks, retryPolicy, eventBus, logger))
			executors[exchange.KindMock] = group
			logger.Info("Dry run mode, mock connector registered")
		}
	}

	if len(connectors) == 0 {
		log.Fatal("No exchange connectors configured")
	}

	// Price feed for the price monitoring strategy
	var prices monitor.PriceSource
	var priceFeed *feed.PriceFeed
	if cfg.Feed.Enabled {
		priceFeed = feed.NewPriceFeed(cfg.Exchanges.Hyperliquid.TestNet, cfg.Feed.StaleAfter, logger)
		priceFeed.Start(ctx)
		prices = priceFeed
		logger.Info("Price feed started")
	}

	// Signal monitor
	monitorKind, monitorConnector := primaryConnector(cfg, connectors)
	var signalStore monitor.SignalStore
	if signalRepo != nil {
		signalStore = signalRepo
	}
	tracker := monitor.NewTracker(signalStore, zerolog.New(os.Stdout).With().Timestamp().Logger())
	engine := monitor.NewEngine(monitor.Config{
		Strategy:   monitor.Strategy(cfg.Monitor.Strategy),
		Interval:   cfg.Monitor.Interval,
		Connector:  monitorConnector,
		Connectors: connectors,
		Factory: func(c exchange.Credentials) (exchange.Connector, error) {
			return exchange.New(monitorKind, c, exchange.Options{
				Testnet:     exchangeTestnet(cfg, monitorKind),
				Logger:      logger,
				MockBalance: cfg.Trading.MockBalance,
			})
		},
		Rotation: rotations[monitorKind],
		Prices:   prices,
		Gate:     gate,
		Tracker:  tracker,
		Bus:      eventBus,
		Logger:   logger,
	})
	if signalRepo != nil {
		if err := engine.Restore(ctx); err != nil {
			logger.WithError(err).Warn("Failed to restore monitored signals")
		}
	}
	engine.Start(ctx)
	logger.Info("Signal monitor started", "strategy", cfg.Monitor.Strategy, "interval", cfg.Monitor.Interval.String())

	eventBus.Publish(events.Event{
		Type: events.EventEngineStarted,
		Data: map[string]interface{}{
			"dry_run":   cfg.Trading.DryRun,
			"exchanges": len(connectors),
		},
	})

	// HTTP API server
	var server *api.Server
	if cfg.Server.Enabled {
		server = api.NewServer(api.Config{
			Host:           cfg.Server.Host,
			Port:           cfg.Server.Port,
			ProductionMode: cfg.Server.ProductionMode,
			JWTSecret:      cfg.Server.JWTSecret,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		}, parser.New(), executors, engine, eventBus, logger)

		go func() {
			if err := server.Start(); err != nil {
				log.Fatalf("HTTP server failed: %v", err)
			}
		}()
		logger.Info("API available", "addr", fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port))
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")

	eventBus.Publish(events.Event{
		Type: events.EventEngineStopped,
		Data: map[string]interface{}{},
	})

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down web server: %v", err)
		}
	}

	engine.Stop()
	if priceFeed != nil {
		priceFeed.Stop()
	}

	log.Println("Shutdown complete")
}

// buildResolver returns the credential source: Vault when enabled,
// otherwise the accounts from the config file.
func buildResolver(cfg *config.Config, logger *logging.Logger) creds.Resolver {
	if cfg.Vault.Enabled {
		resolver, err := creds.NewVaultResolver(creds.VaultConfig{
			Enabled:    true,
			Address:    cfg.Vault.Address,
			Token:      cfg.Vault.Token,
			MountPath:  cfg.Vault.MountPath,
			TLSEnabled: cfg.Vault.TLSEnabled,
			CACert:     cfg.Vault.CACert,
		}, logger)
		if err != nil {
			log.Fatalf("Failed to initialize Vault: %v", err)
		}
		logger.Info("Vault credential resolver enabled")
		return resolver
	}

	byKind := map[exchange.Kind][]exchange.Credentials{
		exchange.KindBinance:     configAccounts(cfg.Exchanges.Binance),
		exchange.KindBybit:       configAccounts(cfg.Exchanges.Bybit),
		exchange.KindHyperliquid: configAccounts(cfg.Exchanges.Hyperliquid),
	}
	return creds.NewStaticResolver(byKind)
}

func configAccounts(cfg config.ExchangeAccountConfig) []exchange.Credentials {
	out := make([]exchange.Credentials, 0, len(cfg.Accounts))
	for _, account := range cfg.Accounts {
		out = append(out, exchange.Credentials{
			Label:         account.Label,
			APIKey:        account.APIKey,
			APISecret:     account.SecretKey,
			WalletAddress: account.WalletAddress,
			PrivateKey:    account.PrivateKey,
		})
	}
	return out
}

func enabledKinds(cfg *config.Config) []exchange.Kind {
	var kinds []exchange.Kind
	if cfg.Exchanges.Binance.Enabled {
		kinds = append(kinds, exchange.KindBinance)
	}
	if cfg.Exchanges.Bybit.Enabled {
		kinds = append(kinds, exchange.KindBybit)
	}
	if cfg.Exchanges.Hyperliquid.Enabled {
		kinds = append(kinds, exchange.KindHyperliquid)
	}
	return kinds
}

func exchangeTestnet(cfg *config.Config, kind exchange.Kind) bool {
	switch kind {
	case exchange.KindBinance:
		return cfg.Exchanges.Binance.TestNet
	case exchange.KindBybit:
		return cfg.Exchanges.Bybit.TestNet
	case exchange.KindHyperliquid:
		return cfg.Exchanges.Hyperliquid.TestNet
	}
	return false
}

// primaryConnector picks the connector the monitor polls with. The first
// enabled real exchange wins, the mock is a last resort.
func primaryConnector(cfg *config.Config, connectors map[exchange.Kind]exchange.Connector) (exchange.Kind, exchange.Connector) {
	for _, kind := range []exchange.Kind{exchange.KindBinance, exchange.KindBybit, exchange.KindHyperliquid, exchange.KindMock} {
		if connector, ok := connectors[kind]; ok {
			return kind, connector
		}
	}
	return exchange.KindMock, nil
}
