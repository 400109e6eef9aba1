package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/uniqx/market-engine/internal/api"
	"github.com/uniqx/market-engine/internal/chain"
	"github.com/uniqx/market-engine/internal/config"
	"github.com/uniqx/market-engine/internal/journal"
	"github.com/uniqx/market-engine/internal/market"
	"github.com/uniqx/market-engine/internal/messaging"
	"github.com/uniqx/market-engine/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()

	var paths []string
	if *configPath != "" {
		paths = append(paths, *configPath)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.Log.Level)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx := context.Background()

	chainClient, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.CustodianKey, zapLogger)
	if err != nil {
		zapLogger.Fatal("connect to chain", zap.Error(err))
	}
	defer chainClient.Close()

	custodian := chainClient.Address()
	if cfg.Market.Custodian != "" {
		custodian = common.HexToAddress(cfg.Market.Custodian)
		if custodian != chainClient.Address() {
			zapLogger.Fatal("configured custodian does not match the chain signing key",
				zap.String("configured", custodian.Hex()),
				zap.String("derived", chainClient.Address().Hex()))
		}
	}

	var sinks []market.Sink

	var eventJournal *journal.Journal
	if cfg.Journal.Enabled {
		eventJournal, err = journal.Open(cfg.Journal.Path, zapLogger)
		if err != nil {
			zapLogger.Fatal("open event journal", zap.Error(err))
		}
		defer eventJournal.Close()
		sinks = append(sinks, eventJournal)
	}

	if cfg.Kafka.Enabled {
		publisher := messaging.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, zapLogger)
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}

	engine, err := market.NewEngine(market.Config{
		Admin:          common.HexToAddress(cfg.Market.Admin),
		FeeSink:        common.HexToAddress(cfg.Market.FeeSink),
		Custodian:      custodian,
		FeeNumerator:   cfg.Market.FeeNumerator,
		FeeDenominator: cfg.Market.FeeDenominator,
	}, chainClient, chainClient,
		market.WithLogger(zapLogger),
		market.WithSinks(sinks...),
	)
	if err != nil {
		zapLogger.Fatal("create engine", zap.Error(err))
	}

	var middleware []gin.HandlerFunc
	if cfg.Redis.Enabled {
		limiter := api.NewRateLimiter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			cfg.Redis.RateLimitBurst, cfg.Redis.RateLimitPerSec, zapLogger)
		defer limiter.Close()
		middleware = append(middleware, limiter.Middleware())
	}

	server := api.NewServer(engine, zapLogger)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.Router(middleware...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		zapLogger.Info("starting API server",
			zap.String("addr", httpServer.Addr),
			zap.String("custodian", custodian.Hex()))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("API server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("shutdown API server", zap.Error(err))
	}

	if eventJournal != nil {
		if err := eventJournal.Sync(); err != nil {
			zapLogger.Error("sync event journal", zap.Error(err))
		}
	}

	zapLogger.Info("server exited")
}
