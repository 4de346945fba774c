package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"equity-trading-engine/config"
	"equity-trading-engine/internal/api"
	"equity-trading-engine/internal/broker"
	"equity-trading-engine/internal/database"
	"equity-trading-engine/internal/engine"
	"equity-trading-engine/internal/events"
	"equity-trading-engine/internal/exit"
	"equity-trading-engine/internal/logging"
	"equity-trading-engine/internal/market"
	"equity-trading-engine/internal/marketdata"
	"equity-trading-engine/internal/orders"
	"equity-trading-engine/internal/reconcile"
	"equity-trading-engine/internal/reentry"
	"equity-trading-engine/internal/risk"
	"equity-trading-engine/internal/vault"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init-config" {
		if err := config.GenerateSampleConfig("config.json"); err != nil {
			log.Fatalf("Failed to generate config: %v", err)
		}
		fmt.Println("Wrote config.json")
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:  cfg.LoggingConfig.Level,
		Output: cfg.LoggingConfig.Output,
		Pretty: cfg.LoggingConfig.Pretty,
	})
	logger.Info().Msg("Equity trading engine starting")

	calendar, err := market.NewCalendar(cfg.MarketConfig.Timezone)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid market timezone")
	}

	bus := events.NewEventBus()

	// Broker credentials come from Vault when enabled, else from the
	// environment via config.
	vaultClient, err := vault.NewClient(vault.Config{
		Enabled:    cfg.VaultConfig.Enabled,
		Address:    cfg.VaultConfig.Address,
		Token:      cfg.VaultConfig.Token,
		MountPath:  cfg.VaultConfig.MountPath,
		TLSEnabled: cfg.VaultConfig.TLSEnabled,
		CACert:     cfg.VaultConfig.CACert,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create vault client")
	}
	if !cfg.VaultConfig.Enabled {
		vaultClient.Seed(vault.Credentials{
			Broker:    cfg.BrokerConfig.Name,
			APIKey:    cfg.BrokerConfig.APIKey,
			APISecret: cfg.BrokerConfig.APISecret,
		})
	}

	gate := broker.NewRequestGate(cfg.BrokerConfig.MinRequestInterval(), cfg.BrokerConfig.MaxRequestsPerMinute)

	var gateway broker.Gateway
	var brokerAPIKey string
	if cfg.BrokerConfig.PaperMode {
		gateway = broker.NewPaperGateway(cfg.BrokerConfig.PaperFunds)
		logger.Info().Float64("funds", cfg.BrokerConfig.PaperFunds).Msg("Paper trading mode")
	} else {
		creds, err := vaultClient.GetCredentials(context.Background(), cfg.BrokerConfig.Name)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to load broker credentials")
		}
		brokerAPIKey = creds.APIKey
		gateway = broker.NewRESTGateway(cfg.BrokerConfig.BaseURL, creds.APIKey, creds.APISecret, gate, logger)
	}

	if err := gateway.Authenticate(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("Broker authentication failed")
	}

	// Order store: Postgres when configured, in-memory otherwise.
	var store orders.Store
	var db *database.DB
	if cfg.DatabaseConfig.Enabled {
		db, err = database.NewDB(database.Config{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: cfg.DatabaseConfig.Password,
			Database: cfg.DatabaseConfig.Database,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		if err := db.RunMigrations(context.Background()); err != nil {
			logger.Fatal().Err(err).Msg("Migrations failed")
		}
		store = database.NewOrderStore(db)
	} else {
		store = orders.NewMemoryStore()
		logger.Warn().Msg("Using in-memory order store; state will not survive restarts")
	}

	var targetStore *database.RedisTargetStore
	if cfg.RedisConfig.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable; exit targets will not be persisted")
		} else {
			targetStore = database.NewRedisTargetStore(redisClient)
		}
	}

	// Market data: provider + cache + refcounted subscriptions + feed.
	var provider marketdata.Provider
	if cfg.BrokerConfig.PaperMode {
		provider = marketdata.NewStaticProvider()
	} else {
		// Same credential source as the gateway, so Vault-only setups
		// do not send an empty key.
		provider = marketdata.NewRESTProvider(cfg.BrokerConfig.BaseURL, brokerAPIKey, gate, logger)
	}

	cache := marketdata.NewCache(provider, calendar, marketdata.TTLConfig{
		RealtimeOpen:     time.Duration(cfg.CacheConfig.RealtimeOpenTTL) * time.Second,
		RealtimeOffHours: time.Duration(cfg.CacheConfig.RealtimeOffTTL) * time.Second,
		RealtimeClosed:   time.Duration(cfg.CacheConfig.RealtimeClosedTTL) * time.Second,
		HistoricalOpen:   time.Duration(cfg.CacheConfig.HistoricalOpenTTL) * time.Second,
		HistoricalClosed: time.Duration(cfg.CacheConfig.HistoricalClosedTTL) * time.Second,
	}, logger)

	var feed *marketdata.Feed
	var upstream marketdata.Upstream = provider
	if cfg.FeedConfig.Enabled && cfg.FeedConfig.URL != "" {
		feed = marketdata.NewFeed(cfg.FeedConfig.URL, cache, bus, logger)
		upstream = feed
	}
	subscriptions := marketdata.NewSubscriptionManager(upstream, logger)
	if feed != nil {
		feed.SetOnReconnect(func() {
			if err := subscriptions.SyncUpstream(); err != nil {
				logger.Error().Err(err).Msg("Failed to resync subscriptions after reconnect")
			}
		})
		bus.Subscribe(events.EventPriceUpdate, func(events.Event) {
			subscriptions.RecordUpdate()
		})
	}

	// Order lifecycle.
	manager := orders.NewManager(store, gateway, bus, logger)
	riskManager := risk.NewManager(&risk.Config{
		MaxOpenPositions:    cfg.RiskConfig.MaxOpenPositions,
		MaxPositionNotional: cfg.RiskConfig.MaxPositionNotional,
		MinCashReserve:      cfg.RiskConfig.MinCashReserve,
		ReentryFraction:     cfg.RiskConfig.ReentryFraction,
	}, gateway, manager, logger)
	manager.SetValidator(riskManager)

	retryPolicy := orders.NewRetryPolicy(manager, calendar, riskManager, logger)

	reconciler := reconcile.NewReconciler(&reconcile.Config{
		Interval:     cfg.ReconcileConfig.Interval(),
		AdoptUnknown: cfg.ReconcileConfig.AdoptUnknown,
	}, manager, gateway, calendar, bus, logger)

	var exitEngine *exit.Engine
	if cfg.ExitConfig.Enabled {
		var ts exit.TargetStore
		if targetStore != nil {
			ts = targetStore
		}
		exitEngine = exit.NewEngine(&exit.Config{
			Interval:        cfg.ExitConfig.Interval(),
			TrailPercent:    cfg.ExitConfig.TrailPercent,
			IndicatorName:   cfg.ExitConfig.IndicatorName,
			IndicatorWeight: cfg.ExitConfig.IndicatorWeight,
		}, manager, gateway, cache, ts, bus, logger)
	}

	var reentryEngine *reentry.Engine
	if cfg.ReentryConfig.Enabled {
		reentryEngine = reentry.NewEngine(&reentry.Config{
			Interval:              cfg.ReentryConfig.Interval(),
			AdverseMovePercent:    cfg.ReentryConfig.AdverseMovePercent,
			MaxReentriesPerSymbol: cfg.ReentryConfig.MaxReentriesPerSymbol,
		}, manager, gateway, cache, riskManager, logger)
	}

	supervisor := engine.New(&engine.Config{
		RetryInterval:  cfg.RetryConfig.Interval(),
		ExitEnabled:    cfg.ExitConfig.Enabled,
		ReentryEnabled: cfg.ReentryConfig.Enabled,
	}, reconciler, exitEngine, reentryEngine, retryPolicy, feed, bus, logger)

	if err := supervisor.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start engine")
	}

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(api.ServerConfig{
			Host:           cfg.ServerConfig.Host,
			Port:           cfg.ServerConfig.Port,
			ProductionMode: !cfg.LoggingConfig.Pretty,
		}, manager, cache, subscriptions, exitEngine, targetStore, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error().Err(err).Msg("API server exited")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	supervisor.Stop()
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("API server shutdown failed")
		}
	}
	logger.Info().Msg("Shutdown complete")
}
