package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"marketsim/config"
	"marketsim/internal/archive"
	"marketsim/internal/book"
	"marketsim/internal/channel"
	"marketsim/internal/hub"
	"marketsim/internal/sim"
	"marketsim/internal/ws"
	"marketsim/logger"
	"marketsim/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Marketsim.Name,
		"version": cfg.Marketsim.Version,
	}).Info("starting marketsim")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatchEnabled {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace, cfg.Logging.DashboardName)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	conn := ws.NewConn(cfg)
	dataHub := hub.New(conn)

	var channels *channel.Channels
	var archiveWriter *archive.Writer
	if cfg.Archive.Enabled {
		channels = channel.NewChannels(cfg.Channels.ExecBuffer)
		defer channels.Close()
		go channels.StartMetricsReporting(ctx)

		archiveWriter, err = archive.NewWriter(cfg, channels.Exec)
		if err != nil {
			log.WithError(err).Error("failed to create archive writer")
			os.Exit(1)
		}
	}

	rules, err := sim.NewConfigRules(cfg)
	if err != nil {
		log.WithError(err).Error("failed to load trading rules")
		os.Exit(1)
	}
	simEngine, err := sim.NewEngine(cfg, rules, channels)
	if err != nil {
		log.WithError(err).Error("failed to create matching engine")
		os.Exit(1)
	}

	fetcher := book.NewRestFetcher(cfg)
	bookEngines := make(map[string]*book.Engine, len(cfg.Book.Symbols))
	for _, symbol := range cfg.Book.Symbols {
		eng := book.NewEngine(cfg, symbol, fetcher)
		eng.FatalHandler = func(err error) {
			log.WithComponent("main").WithError(err).Error("order book replica gave up, trading against it is disabled")
		}
		bookEngines[eng.Symbol()] = eng
	}

	if archiveWriter != nil {
		if err := archiveWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archive writer")
			os.Exit(1)
		}
	}

	for _, eng := range bookEngines {
		if err := eng.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start sync engine")
			os.Exit(1)
		}
	}

	if err := dataHub.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start market data hub")
		os.Exit(1)
	}

	unsubscribes := make([]func(), 0, len(bookEngines)*4)
	for symbol, eng := range bookEngines {
		depthTopic := models.Topic{Channel: "depth", Symbol: symbol, Param: cfg.Book.DepthParam}.String()
		unsubscribes = append(unsubscribes,
			dataHub.OnMessage(depthTopic, eng.HandleFrame),
			dataHub.Subscribe("depth", symbol, cfg.Book.DepthParam),
			dataHub.OnMessage(models.Topic{Channel: "trade", Symbol: symbol}.String(), stopChecker(simEngine, eng)),
			dataHub.Subscribe("trade", symbol, ""),
		)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	cancel()

	done := make(chan struct{})
	go func() {
		log.Info("stopping market data hub")
		dataHub.Stop()

		log.Info("stopping sync engines")
		for _, eng := range bookEngines {
			eng.Stop()
		}

		if archiveWriter != nil {
			log.Info("stopping archive writer")
			archiveWriter.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("marketsim stopped")
}

// stopChecker feeds exchange trade prices into the stop-order scan for one
// symbol's book.
func stopChecker(engine *sim.Engine, bookEngine *book.Engine) hub.FrameHandler {
	log := logger.GetLogger().WithComponent("main")
	return func(frame models.StreamFrame) {
		var trade models.TradeEvent
		if err := json.Unmarshal(frame.Data, &trade); err != nil {
			log.WithError(err).Warn("failed to unmarshal trade event")
			return
		}
		price, err := decimal.NewFromString(trade.Price)
		if err != nil {
			return
		}
		if !bookEngine.Synchronized() {
			return
		}
		for _, order := range engine.CheckStopOrders(price, bookEngine.Snapshot()) {
			log.WithFields(logger.Fields{
				"order_id": order.OrderID,
				"symbol":   order.Symbol,
				"status":   order.Status,
			}).Info("stop order resolved")
		}
	}
}
